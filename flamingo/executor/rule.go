package executor

import (
	"fmt"
	"time"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/annotations"
	"github.com/d4hines/window-alm-3/flamingo/program"
	"github.com/d4hines/window-alm-3/flamingo/storage"
)

// ruleOutput is the pure result of evaluating one rule: the delta of its
// relation and the left-input deltas of its join stages.
type ruleOutput struct {
	delta  *flamingo.Delta
	traces map[string]*flamingo.Delta
}

// evaluate runs a rule's pipeline over the changes of this transaction.
// It reads arrangements (already updated for lower levels) and traces
// (still holding the previous left inputs) and writes nothing.
func (e *Executor) evaluate(s *storage.Store, rel *program.Relation, rule *program.Rule, changes flamingo.Changes) (out *ruleOutput, err error) {
	start := time.Now()
	stageName := "source"
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = e.fail(rule, stageName, fmt.Errorf("panic: %v", r))
		}
	}()

	out = &ruleOutput{traces: make(map[string]*flamingo.Delta)}
	cur := changes.Relation(rule.Source)
	inputSize := cur.Len()

	for i, st := range rule.Stages {
		stageName = st.Name
		if stageName == "" {
			stageName = fmt.Sprintf("%d", i)
		}

		var next *flamingo.Delta
		switch st.Kind {
		case program.StageFilter:
			next = flamingo.NewDelta()
			for _, c := range cur.Sorted() {
				if st.Filter(c.Fact) {
					next.Add(c.Fact, c.Weight)
				}
			}

		case program.StageMap:
			next = flamingo.NewDelta()
			for _, c := range cur.Sorted() {
				f, ok, ferr := st.Map(c.Fact)
				if ferr != nil {
					return nil, e.fail(rule, stageName, ferr)
				}
				if ok {
					next.Add(f, c.Weight)
				}
			}

		case program.StageJoin, program.StageAntijoin:
			arr, aerr := s.Arrangement(st.Arrangement)
			if aerr != nil {
				return nil, e.fail(rule, stageName, aerr)
			}
			trace, ok := s.Trace(rule.TraceID(i))
			if !ok {
				return nil, e.fail(rule, stageName, fmt.Errorf("missing trace %s", rule.TraceID(i)))
			}
			dR := changes.Relation(st.Arrangement.Relation)

			var jerr error
			if st.Kind == program.StageJoin {
				next, jerr = joinDelta(st, cur, arr, trace, dR)
			} else {
				next = antijoinDelta(st, cur, arr, trace, dR)
			}
			if jerr != nil {
				return nil, e.fail(rule, stageName, jerr)
			}
			if !cur.IsEmpty() {
				out.traces[rule.TraceID(i)] = cur
			}
			if e.opts.Collector.Enabled() {
				name := annotations.StageJoin
				if st.Kind == program.StageAntijoin {
					name = annotations.StageAntijoin
				}
				e.opts.Collector.Add(annotations.Event{
					Name: name,
					Data: map[string]interface{}{
						"rule":        rule.ID(),
						"stage":       stageName,
						"arrangement": st.Arrangement.String(),
						"left.size":   cur.Len(),
						"right.size":  arr.Len(),
						"result.size": next.Len(),
					},
				})
			}
		}
		cur = next
	}

	stageName = "output"
	for _, c := range cur.Sorted() {
		if c.Fact.Relation() != rel.Name {
			return nil, e.fail(rule, stageName,
				fmt.Errorf("produced %s tagged %q", flamingo.FormatFact(c.Fact), c.Fact.Relation()))
		}
	}
	out.delta = cur

	if e.opts.Collector.Enabled() {
		e.opts.Collector.AddTiming(annotations.RuleEvaluated, start, map[string]interface{}{
			"rule":        rule.ID(),
			"relation":    rel.Name,
			"input.size":  inputSize,
			"output.size": cur.Len(),
		})
	}
	return out, nil
}

// joinDelta computes dL ⋈ R_new + L_old ⋈ dR. The arrangement already
// holds R_new; the trace holds L_old.
func joinDelta(st program.Stage, dL *flamingo.Delta, arr *storage.Arrangement, trace *storage.Arrangement, dR *flamingo.Delta) (*flamingo.Delta, error) {
	next := flamingo.NewDelta()
	emit := func(l, r flamingo.Fact, w int) error {
		f, ok, err := st.Combine(l, r)
		if err != nil {
			return err
		}
		if ok {
			next.Add(f, w)
		}
		return nil
	}

	for _, lc := range dL.Sorted() {
		k, ok := st.Key(lc.Fact)
		if !ok {
			continue
		}
		for _, rc := range arr.Lookup(k) {
			if err := emit(lc.Fact, rc.Fact, lc.Weight*rc.Weight); err != nil {
				return nil, err
			}
		}
	}

	for _, rc := range dR.Sorted() {
		k, ok := arr.Key(rc.Fact)
		if !ok {
			continue
		}
		for _, lc := range trace.Lookup(k) {
			if err := emit(lc.Fact, rc.Fact, lc.Weight*rc.Weight); err != nil {
				return nil, err
			}
		}
	}
	return next, nil
}

// antijoinDelta keeps left facts whose key has no match. New left facts
// are checked against R_new; previous left facts flip when their key
// gains its first match or loses its last one.
func antijoinDelta(st program.Stage, dL *flamingo.Delta, arr *storage.Arrangement, trace *storage.Arrangement, dR *flamingo.Delta) *flamingo.Delta {
	next := flamingo.NewDelta()

	for _, lc := range dL.Sorted() {
		k, ok := st.Key(lc.Fact)
		if !ok || !arr.Has(k) {
			next.Add(lc.Fact, lc.Weight)
		}
	}

	// Net weight change per key of the arrangement, in first-seen order
	var keys []any
	moved := make(map[any]int)
	for _, rc := range dR.Sorted() {
		k, ok := arr.Key(rc.Fact)
		if !ok {
			continue
		}
		if _, seen := moved[k]; !seen {
			keys = append(keys, k)
		}
		moved[k] += rc.Weight
	}

	for _, k := range keys {
		now := 0
		for _, rc := range arr.Lookup(k) {
			now += rc.Weight
		}
		wasPresent := now-moved[k] > 0
		isPresent := now > 0
		if wasPresent == isPresent {
			continue
		}
		sign := 1
		if isPresent {
			sign = -1
		}
		for _, lc := range trace.Lookup(k) {
			next.Add(lc.Fact, sign*lc.Weight)
		}
	}
	return next
}

func (e *Executor) fail(rule *program.Rule, stage string, err error) error {
	if e.opts.Collector.Enabled() {
		e.opts.Collector.Add(annotations.Event{
			Name: annotations.ErrorRule,
			Data: map[string]interface{}{
				"rule":  rule.ID(),
				"stage": stage,
				"error": err,
			},
		})
	}
	return &flamingo.RuleEvaluationError{Rule: rule.ID(), Stage: stage, Err: err}
}
