// Package engine is the entry point of the fact store. An Engine owns a
// program, its store and the transaction coordinator; callers add base
// facts, dispatch actions and read committed state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/annotations"
	"github.com/d4hines/window-alm-3/flamingo/executor"
	"github.com/d4hines/window-alm-3/flamingo/program"
	"github.com/d4hines/window-alm-3/flamingo/storage"
)

// TracerName is the OpenTelemetry instrumentation name of the engine
const TracerName = "flamingo/engine"

const (
	outcomeCommitted  = "committed"
	outcomeRolledBack = "rolled_back"
	outcomeConflict   = "conflict"
	outcomeRejected   = "rejected"
)

// Kind labels what produced a transaction
type Kind string

const (
	KindAdd      Kind = "add"
	KindRemove   Kind = "remove"
	KindDispatch Kind = "dispatch"
)

// ErrJournalDisabled is returned by History when the journal is off
var ErrJournalDisabled = errors.New("journal disabled")

// Engine evaluates a program over transactions. Add, Remove and Dispatch
// are synchronous and at most one runs at a time; a concurrent call fails
// with flamingo.ErrTransactionConflict instead of waiting.
type Engine struct {
	id        string
	prog      *program.Program
	opts      Options
	log       zerolog.Logger
	collector *annotations.Collector
	store     *storage.Store
	coord     *storage.Coordinator
	journal   *storage.Journal
	metrics   *Metrics
	tracer    trace.Tracer

	// mu guards the store: transactions write, reads share
	mu      sync.RWMutex
	stopped atomic.Bool

	subs subscribers
}

// New creates an engine for prog
func New(prog *program.Program, opts Options) (*Engine, error) {
	if prog == nil {
		return nil, fmt.Errorf("nil program")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	e := &Engine{
		id:        id,
		prog:      prog,
		opts:      opts,
		log:       opts.logger().With().Str("engine", id).Logger(),
		collector: annotations.NewCollector(opts.Annotations),
		tracer:    otel.Tracer(TracerName),
	}

	metrics, err := NewMetrics(opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	e.metrics = metrics

	if opts.Journal.Enabled {
		j, err := storage.OpenJournal(opts.Journal.Retention)
		if err != nil {
			return nil, err
		}
		e.journal = j
	}

	exec := executor.New(prog, executor.Options{
		Workers:   opts.Workers,
		Collector: e.collector,
		FaultHook: opts.FaultHook,
	})
	e.store = storage.NewStore(prog)
	e.coord = storage.NewCoordinator(e.store, exec, opts.FaultHook)
	e.subs.init()

	e.log.Debug().
		Int("relations", len(prog.Relations)).
		Int("levels", len(prog.Levels())).
		Bool("journal", opts.Journal.Enabled).
		Msg("engine started")
	return e, nil
}

// ID returns the engine instance identifier
func (e *Engine) ID() string { return e.id }

// Program returns the engine's program
func (e *Engine) Program() *program.Program { return e.prog }

// Metrics returns the engine metrics
func (e *Engine) Metrics() *Metrics { return e.metrics }

// LastTxID returns the ID of the most recent committed transaction
func (e *Engine) LastTxID() uint64 { return e.coord.LastTxID() }

// Add inserts base facts in one transaction
func (e *Engine) Add(ctx context.Context, facts ...flamingo.Fact) error {
	ops := make([]storage.Op, len(facts))
	for i, f := range facts {
		ops[i] = storage.Insert(f)
	}
	return e.write(ctx, KindAdd, ops)
}

// Remove deletes base facts in one transaction; absent facts are ignored
func (e *Engine) Remove(ctx context.Context, facts ...flamingo.Fact) error {
	ops := make([]storage.Op, len(facts))
	for i, f := range facts {
		ops[i] = storage.Delete(f)
	}
	return e.write(ctx, KindRemove, ops)
}

func (e *Engine) write(ctx context.Context, kind Kind, ops []storage.Op) error {
	if e.stopped.Load() {
		return flamingo.ErrEngineStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.checkBase(ops); err != nil {
		e.metrics.RecordTransaction(string(kind), outcomeRejected, 0)
		return err
	}

	_, span := e.tracer.Start(ctx, "engine."+string(kind),
		trace.WithAttributes(attribute.Int("ops", len(ops))))
	defer span.End()

	start := time.Now()
	tx, err := e.begin(kind)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	defer e.mu.Unlock()

	if err := tx.Apply(ops...); err != nil {
		e.abort(tx, kind, err, start)
		recordSpanError(span, err)
		return err
	}
	if _, err := tx.CommitAndDumpChanges(); err != nil {
		e.abort(tx, kind, err, start)
		recordSpanError(span, err)
		return err
	}
	e.committed(tx, kind, "", start)
	span.SetAttributes(attribute.Int64("tx.id", int64(tx.ID())))
	return nil
}

// checkBase rejects facts of the relations the dispatch protocol owns.
// Actions only live inside a dispatch and fluents are only upserted by
// stabilization, so Add and Remove may not touch them.
func (e *Engine) checkBase(ops []storage.Op) error {
	roles := e.prog.Roles
	for _, op := range ops {
		if op.Fact == nil {
			continue
		}
		switch rel := op.Fact.Relation(); rel {
		case roles.Action, roles.InFluent, roles.OutFluent:
			return &flamingo.MalformedFactError{Relation: rel, Fact: op.Fact, Reason: "relation is managed by dispatch"}
		}
	}
	return nil
}

// begin opens a transaction and takes the store write lock. The
// coordinator is asked first so a concurrent caller fails fast rather
// than queueing on the lock.
func (e *Engine) begin(kind Kind) (*storage.Transaction, error) {
	tx, err := e.coord.Start()
	if err != nil {
		if errors.Is(err, flamingo.ErrTransactionConflict) {
			e.metrics.RecordTransaction(string(kind), outcomeConflict, 0)
			e.log.Debug().Str("kind", string(kind)).Msg("transaction conflict")
		}
		return nil, err
	}
	e.mu.Lock()
	if e.stopped.Load() {
		// Stop won the lock while this call waited for it
		if err := tx.Rollback(); err != nil {
			e.log.Error().Err(err).Msg("rollback failed")
		}
		e.mu.Unlock()
		return nil, flamingo.ErrEngineStopped
	}
	e.collector.Add(annotations.Event{Name: annotations.TxBegin, Start: time.Now(), End: time.Now(),
		Data: map[string]interface{}{"kind": string(kind)}})
	return tx, nil
}

// abort rolls back tx if the coordinator has not already done so
func (e *Engine) abort(tx *storage.Transaction, kind Kind, cause error, start time.Time) {
	if tx.State() == storage.TxOpen {
		if err := tx.Rollback(); err != nil {
			e.log.Error().Err(err).Msg("rollback failed")
		}
	}
	outcome := outcomeRolledBack
	if errors.Is(cause, flamingo.ErrMalformedFact) {
		outcome = outcomeRejected
	}
	e.metrics.RecordTransaction(string(kind), outcome, time.Since(start))
	e.collector.AddTiming(annotations.TxRollback, start, map[string]interface{}{
		"kind":   string(kind),
		"reason": cause,
	})
	e.log.Warn().Err(cause).Str("kind", string(kind)).Msg("transaction rolled back")
}

// committed records a successful transaction and publishes its Output
func (e *Engine) committed(tx *storage.Transaction, kind Kind, dispatchID string, start time.Time) {
	changes := tx.Changes()
	for _, rel := range changes.Relations() {
		e.metrics.RecordDelta(rel, changes[rel].Len())
	}
	e.metrics.RecordTransaction(string(kind), outcomeCommitted, time.Since(start))
	e.collector.AddTiming(annotations.TxCommit, start, map[string]interface{}{
		"tx.id":       tx.ID(),
		"kind":        string(kind),
		"facts.count": changes.Size(),
	})
	e.log.Debug().
		Uint64("tx", tx.ID()).
		Str("kind", string(kind)).
		Int("changes", changes.Size()).
		Dur("took", time.Since(start)).
		Msg("transaction committed")

	if e.journal != nil {
		rec := storage.NewRecord(tx.ID(), string(kind), changes)
		rec.DispatchID = dispatchID
		if err := e.journal.Append(rec); err != nil {
			e.log.Warn().Err(err).Uint64("tx", tx.ID()).Msg("failed to journal transaction")
		}
	}

	e.publish(Notification{
		TxID:       tx.ID(),
		Kind:       kind,
		DispatchID: dispatchID,
		Output:     changes.Relation(e.prog.Roles.Output).Sorted(),
	})
}

// Query is a point lookup on a queryable arrangement of committed state
func (e *Engine) Query(relation, arrangement string, key any) ([]flamingo.Change, error) {
	if e.stopped.Load() {
		return nil, flamingo.ErrEngineStopped
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Lookup(program.ArrangementRef{Relation: relation, Name: arrangement}, key)
}

// Snapshot returns the committed visible extension of a relation
func (e *Engine) Snapshot(relation string) ([]flamingo.Change, error) {
	if e.stopped.Load() {
		return nil, flamingo.ErrEngineStopped
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Snapshot(relation)
}

// History returns journal records with from <= TxID <= to; to == 0 means
// no upper bound
func (e *Engine) History(from, to uint64) ([]storage.Record, error) {
	if e.stopped.Load() {
		return nil, flamingo.ErrEngineStopped
	}
	if e.journal == nil {
		return nil, ErrJournalDisabled
	}
	return e.journal.Range(from, to)
}

// Stop waits for the running transaction, closes every subscription and
// releases the journal. Every later call returns flamingo.ErrEngineStopped.
func (e *Engine) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return flamingo.ErrEngineStopped
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subs.closeAll()
	e.metrics.SetSubscribers(0)
	var err error
	if e.journal != nil {
		err = e.journal.Close()
	}
	e.log.Debug().Uint64("last_tx", e.coord.LastTxID()).Msg("engine stopped")
	return err
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
