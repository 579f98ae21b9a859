package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/annotations"
	"github.com/d4hines/window-alm-3/flamingo/storage"
)

// Dispatch runs actions through the two-phase protocol inside a single
// transaction:
//
//  1. the actions are inserted and flushed, deriving OutFluent facts;
//  2. every inserted OutFluent fact is stabilized into an InFluent upsert,
//     the actions are deleted and the transaction commits.
//
// It returns the Output changes of phase 2, sorted. Any failure rolls back
// both phases, so no action outlives its dispatch.
func (e *Engine) Dispatch(ctx context.Context, actions ...flamingo.Fact) ([]flamingo.Change, error) {
	if e.stopped.Load() {
		return nil, flamingo.ErrEngineStopped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.checkActions(actions); err != nil {
		e.metrics.RecordDispatch(outcomeRejected)
		return nil, err
	}

	dispatchID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "engine.dispatch", trace.WithAttributes(
		attribute.String("dispatch.id", dispatchID),
		attribute.Int("actions", len(actions)),
	))
	defer span.End()

	start := time.Now()
	tx, err := e.begin(KindDispatch)
	if err != nil {
		e.dispatchFailed(dispatchID, err, start)
		recordSpanError(span, err)
		return nil, err
	}
	defer e.mu.Unlock()

	output, err := e.dispatch(ctx, tx, dispatchID, actions)
	if err != nil {
		e.abort(tx, KindDispatch, err, start)
		e.dispatchFailed(dispatchID, err, start)
		recordSpanError(span, err)
		return nil, err
	}

	e.committed(tx, KindDispatch, dispatchID, start)
	e.metrics.RecordDispatch(outcomeCommitted)
	e.collector.AddTiming(annotations.DispatchCompleted, start, map[string]interface{}{
		"dispatch.id":  dispatchID,
		"tx.id":        tx.ID(),
		"success":      true,
		"output.count": len(output),
	})
	span.SetAttributes(attribute.Int64("tx.id", int64(tx.ID())), attribute.Int("output.count", len(output)))
	return output, nil
}

func (e *Engine) dispatch(ctx context.Context, tx *storage.Transaction, dispatchID string, actions []flamingo.Fact) ([]flamingo.Change, error) {
	roles := e.prog.Roles

	// Phase 1: actions in, OutFluent out
	phaseStart := time.Now()
	_, span := e.tracer.Start(ctx, "dispatch.phase1")
	ops := make([]storage.Op, len(actions))
	for i, a := range actions {
		ops[i] = storage.Insert(a)
	}
	if err := tx.Apply(ops...); err != nil {
		span.End()
		return nil, err
	}
	phase1, err := tx.Flush()
	span.End()
	if err != nil {
		return nil, err
	}
	e.flushed(phase1, 1)

	var outFluent []flamingo.Change
	for _, c := range phase1.Relation(roles.OutFluent).Sorted() {
		if c.Weight > 0 {
			outFluent = append(outFluent, c)
		}
	}
	e.collector.AddTiming(annotations.DispatchPhase, phaseStart, map[string]interface{}{
		"dispatch.id": dispatchID,
		"phase":       1,
		"facts.count": len(outFluent),
	})

	if e.opts.PhaseHook != nil {
		if err := e.opts.PhaseHook(ctx, dispatchID, phase1); err != nil {
			return nil, fmt.Errorf("phase hook: %w", err)
		}
	}

	// Phase 2: stabilize OutFluent into InFluent, retract the actions
	phaseStart = time.Now()
	_, span = e.tracer.Start(ctx, "dispatch.phase2")
	defer span.End()

	ops = ops[:0]
	for _, c := range outFluent {
		in, ok, err := e.prog.Stabilize(c.Fact)
		if err != nil {
			return nil, &flamingo.RuleEvaluationError{Rule: "stabilize", Stage: flamingo.Variant(c.Fact), Err: err}
		}
		if ok {
			ops = append(ops, storage.Upsert(in))
		}
	}
	for _, a := range actions {
		ops = append(ops, storage.Delete(a))
	}
	if err := tx.Apply(ops...); err != nil {
		return nil, err
	}
	phase2, err := tx.CommitAndDumpChanges()
	if err != nil {
		return nil, err
	}
	e.flushed(phase2, 2)

	output := phase2.Relation(roles.Output).Sorted()
	e.collector.AddTiming(annotations.DispatchPhase, phaseStart, map[string]interface{}{
		"dispatch.id": dispatchID,
		"phase":       2,
		"facts.count": len(output),
	})
	return output, nil
}

// checkActions rejects facts that are not of the action relation
func (e *Engine) checkActions(actions []flamingo.Fact) error {
	for _, a := range actions {
		if a == nil {
			return &flamingo.MalformedFactError{Relation: e.prog.Roles.Action, Reason: "nil action"}
		}
		if a.Relation() != e.prog.Roles.Action {
			return &flamingo.MalformedFactError{Relation: a.Relation(), Fact: a, Reason: "not an action"}
		}
		if err := e.prog.CheckInput(a.Relation(), a); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) flushed(changes flamingo.Changes, n int) {
	if !e.collector.Enabled() {
		return
	}
	names := changes.Relations()
	sizes := make(map[string]int, len(names))
	for _, name := range names {
		sizes[name] = changes[name].Len()
	}
	e.collector.Add(annotations.Event{
		Name:  annotations.TxFlush,
		Start: time.Now(),
		End:   time.Now(),
		Data: map[string]interface{}{
			"flush":     n,
			"relations": names,
			"sizes":     sizes,
		},
	})
}

func (e *Engine) dispatchFailed(dispatchID string, err error, start time.Time) {
	e.metrics.RecordDispatch(outcomeRolledBack)
	e.collector.AddTiming(annotations.DispatchCompleted, start, map[string]interface{}{
		"dispatch.id": dispatchID,
		"success":     false,
		"error":       err,
	})
}
