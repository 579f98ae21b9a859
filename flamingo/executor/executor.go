// Package executor evaluates compiled rules incrementally. A transaction's
// input changes are pushed through the program one dependency level at a
// time; each rule sees only deltas and reads the arrangements and traces
// the store keeps for it.
package executor

import (
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/annotations"
	"github.com/d4hines/window-alm-3/flamingo/program"
	"github.com/d4hines/window-alm-3/flamingo/storage"
)

// Options configures an Executor
type Options struct {
	// Workers bounds concurrent rule evaluation within a level (0 = NumCPU)
	Workers int
	// Collector receives rule and stage events; nil disables them
	Collector *annotations.Collector
	// FaultHook is called after each level is applied with site "level/<n>"
	FaultHook storage.FaultHook
}

// Executor implements storage.Executor for a program
type Executor struct {
	prog    *program.Program
	opts    Options
	workers int
}

// New creates an executor for prog
func New(prog *program.Program, opts Options) *Executor {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Executor{prog: prog, opts: opts, workers: workers}
}

// ruleJob is one rule to evaluate within a level
type ruleJob struct {
	relation *program.Relation
	rule     *program.Rule
}

// Execute applies input changes to the input relations, then evaluates
// every derived level in order. It returns the visible changes of every
// relation that changed.
func (e *Executor) Execute(s *storage.Store, input flamingo.Changes) (flamingo.Changes, error) {
	result := make(flamingo.Changes)
	levels := e.prog.Levels()
	if len(levels) == 0 {
		return result, nil
	}

	for name := range input {
		if rel, ok := e.prog.Relation(name); !ok || !rel.Input {
			return nil, fmt.Errorf("input changes for %q: %w", name, flamingo.ErrUnknownRelation)
		}
	}

	for _, name := range levels[0] {
		d, ok := input[name]
		if !ok || d.IsEmpty() {
			continue
		}
		visible, err := s.ApplyDelta(name, d)
		if err != nil {
			return nil, err
		}
		if !visible.IsEmpty() {
			result[name] = visible
		}
	}

	for lvl := 1; lvl < len(levels); lvl++ {
		start := time.Now()
		applied, err := e.runLevel(s, levels[lvl], result)
		if err != nil {
			return nil, err
		}
		if e.opts.Collector.Enabled() {
			e.opts.Collector.AddTiming(annotations.LevelApplied, start, map[string]interface{}{
				"level":       lvl,
				"relations":   levels[lvl],
				"facts.count": applied,
			})
		}
		if e.opts.FaultHook != nil {
			if err := e.opts.FaultHook(fmt.Sprintf("level/%d", lvl)); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func (e *Executor) runLevel(s *storage.Store, names []string, result flamingo.Changes) (int, error) {
	var jobs []ruleJob
	for _, name := range names {
		rel, _ := e.prog.Relation(name)
		for i := range rel.Rules {
			if e.affected(&rel.Rules[i], result) {
				jobs = append(jobs, ruleJob{relation: rel, rule: &rel.Rules[i]})
			}
		}
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	// Evaluation only reads the store; results are applied below in order.
	outputs := make([]*ruleOutput, len(jobs))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			out, err := e.evaluate(s, job.relation, job.rule, result)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	perRelation := make(map[string]*flamingo.Delta)
	for i, job := range jobs {
		out := outputs[i]
		traceIDs := make([]string, 0, len(out.traces))
		for id := range out.traces {
			traceIDs = append(traceIDs, id)
		}
		sort.Strings(traceIDs)
		for _, id := range traceIDs {
			if err := s.ApplyTrace(id, out.traces[id]); err != nil {
				return 0, err
			}
		}
		d, ok := perRelation[job.relation.Name]
		if !ok {
			d = flamingo.NewDelta()
			perRelation[job.relation.Name] = d
		}
		d.Merge(out.delta)
	}

	applied := 0
	for _, name := range names {
		d, ok := perRelation[name]
		if !ok || d.IsEmpty() {
			continue
		}
		visible, err := s.ApplyDelta(name, d)
		if err != nil {
			return 0, err
		}
		if !visible.IsEmpty() {
			result[name] = visible
			applied += visible.Len()
		}
	}
	return applied, nil
}

// affected reports whether a rule reads any relation changed so far
func (e *Executor) affected(rule *program.Rule, result flamingo.Changes) bool {
	if !result.Relation(rule.Source).IsEmpty() {
		return true
	}
	for _, st := range rule.Stages {
		if st.Kind != program.StageJoin && st.Kind != program.StageAntijoin {
			continue
		}
		if !result.Relation(st.Arrangement.Relation).IsEmpty() {
			return true
		}
	}
	return false
}
