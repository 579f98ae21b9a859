package storage

import (
	"fmt"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/program"
)

// undoEntry records one raw mutation so it can be reverted
type undoEntry struct {
	trace    string // non-empty for rule traces
	relation string
	fact     flamingo.Fact
	weight   int
}

// Store holds the extension of every relation, their arrangements and
// the rule traces. All mutations happen inside a transaction opened with
// Begin and are recorded so Rollback can revert them.
type Store struct {
	prog         *program.Program
	counts       map[string]map[flamingo.Fact]int
	arrangements map[program.ArrangementRef]*Arrangement
	byRelation   map[string][]*Arrangement
	traces       map[string]*Arrangement

	open bool
	undo []undoEntry
}

// NewStore creates an empty store for a program, allocating every
// declared arrangement and every join/antijoin trace.
func NewStore(prog *program.Program) *Store {
	s := &Store{
		prog:         prog,
		counts:       make(map[string]map[flamingo.Fact]int),
		arrangements: make(map[program.ArrangementRef]*Arrangement),
		byRelation:   make(map[string][]*Arrangement),
		traces:       make(map[string]*Arrangement),
	}

	for _, rel := range prog.Relations {
		s.counts[rel.Name] = make(map[flamingo.Fact]int)
		for _, spec := range rel.AllArrangements() {
			arr := NewArrangement(rel.Name, spec)
			s.arrangements[program.ArrangementRef{Relation: rel.Name, Name: spec.Name}] = arr
			s.byRelation[rel.Name] = append(s.byRelation[rel.Name], arr)
		}
		for i := range rel.Rules {
			rule := &rel.Rules[i]
			for j, st := range rule.Stages {
				if st.Kind != program.StageJoin && st.Kind != program.StageAntijoin {
					continue
				}
				id := rule.TraceID(j)
				s.traces[id] = NewArrangement(rel.Name, program.ArrangementSpec{Name: id, Key: st.Key})
			}
		}
	}
	return s
}

// Program returns the program the store was built for
func (s *Store) Program() *program.Program { return s.prog }

// Begin opens the undo scope
func (s *Store) Begin() error {
	if s.open {
		return flamingo.ErrTransactionConflict
	}
	s.open = true
	s.undo = s.undo[:0]
	return nil
}

// InTransaction reports whether an undo scope is open
func (s *Store) InTransaction() bool { return s.open }

// Commit closes the undo scope, keeping every mutation
func (s *Store) Commit() {
	s.open = false
	s.undo = s.undo[:0]
}

// Rollback reverts every mutation made since Begin and closes the scope
func (s *Store) Rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		e := s.undo[i]
		if e.trace != "" {
			s.traces[e.trace].ApplyDelta(e.fact, -e.weight)
			continue
		}
		s.applyRaw(e.relation, e.fact, -e.weight)
	}
	s.open = false
	s.undo = s.undo[:0]
}

// Count returns the raw multiplicity (derivation count) of a fact
func (s *Store) Count(relation string, f flamingo.Fact) int {
	return s.counts[relation][f]
}

// Weight returns the visible weight of a fact: its count for multiset
// relations, 1 or 0 for distinct ones.
func (s *Store) Weight(relation string, f flamingo.Fact) int {
	rel, ok := s.prog.Relation(relation)
	if !ok {
		return 0
	}
	return visible(rel, s.counts[relation][f])
}

func visible(rel *program.Relation, count int) int {
	if !rel.Distinct {
		return count
	}
	if count > 0 {
		return 1
	}
	return 0
}

// Apply adds weight to a fact and reports whether its multiplicity
// crossed zero in either direction.
func (s *Store) Apply(relation string, f flamingo.Fact, weight int) (bool, error) {
	if !s.open {
		return false, flamingo.ErrNoTransaction
	}
	if _, ok := s.counts[relation]; !ok {
		return false, fmt.Errorf("apply to %q: %w", relation, flamingo.ErrUnknownRelation)
	}
	if weight == 0 {
		return false, nil
	}
	before := s.counts[relation][f]
	s.applyRaw(relation, f, weight)
	s.undo = append(s.undo, undoEntry{relation: relation, fact: f, weight: weight})
	after := before + weight
	return (before == 0) != (after == 0), nil
}

// ApplyDelta applies a delta to a relation and returns the change of its
// visible extension. For distinct relations only zero crossings are
// visible.
func (s *Store) ApplyDelta(relation string, d *flamingo.Delta) (*flamingo.Delta, error) {
	rel, ok := s.prog.Relation(relation)
	if !ok {
		return nil, fmt.Errorf("apply to %q: %w", relation, flamingo.ErrUnknownRelation)
	}
	out := flamingo.NewDelta()
	for _, c := range d.Sorted() {
		before := visible(rel, s.counts[relation][c.Fact])
		if _, err := s.Apply(relation, c.Fact, c.Weight); err != nil {
			return nil, err
		}
		out.Add(c.Fact, visible(rel, s.counts[relation][c.Fact])-before)
	}
	return out, nil
}

// applyRaw mutates counts and keeps arrangements in step with the
// visible extension
func (s *Store) applyRaw(relation string, f flamingo.Fact, weight int) {
	rel, _ := s.prog.Relation(relation)
	counts := s.counts[relation]
	before := counts[f]
	after := before + weight
	if after == 0 {
		delete(counts, f)
	} else {
		counts[f] = after
	}
	if dv := visible(rel, after) - visible(rel, before); dv != 0 {
		for _, arr := range s.byRelation[relation] {
			arr.ApplyDelta(f, dv)
		}
	}
}

// Snapshot returns the visible extension of a relation, sorted
func (s *Store) Snapshot(relation string) ([]flamingo.Change, error) {
	rel, ok := s.prog.Relation(relation)
	if !ok {
		return nil, fmt.Errorf("snapshot %q: %w", relation, flamingo.ErrUnknownRelation)
	}
	out := make([]flamingo.Change, 0, len(s.counts[relation]))
	for f, c := range s.counts[relation] {
		if w := visible(rel, c); w != 0 {
			out = append(out, flamingo.Change{Fact: f, Weight: w})
		}
	}
	flamingo.SortChanges(out)
	return out, nil
}

// Arrangement returns the arrangement named by ref
func (s *Store) Arrangement(ref program.ArrangementRef) (*Arrangement, error) {
	arr, ok := s.arrangements[ref]
	if !ok {
		if _, known := s.prog.Relation(ref.Relation); !known {
			return nil, fmt.Errorf("arrangement %s: %w", ref, flamingo.ErrUnknownRelation)
		}
		return nil, fmt.Errorf("relation %q has no arrangement %q", ref.Relation, ref.Name)
	}
	return arr, nil
}

// Lookup is a point lookup on a queryable arrangement
func (s *Store) Lookup(ref program.ArrangementRef, key any) ([]flamingo.Change, error) {
	arr, err := s.Arrangement(ref)
	if err != nil {
		return nil, err
	}
	if !arr.Queryable {
		return nil, fmt.Errorf("lookup %s: %w", ref, flamingo.ErrNotQueryable)
	}
	return arr.Lookup(key), nil
}

// Trace returns the left-input trace of a join or antijoin stage
func (s *Store) Trace(id string) (*Arrangement, bool) {
	t, ok := s.traces[id]
	return t, ok
}

// ApplyTrace folds a stage's left-input delta into its trace
func (s *Store) ApplyTrace(id string, d *flamingo.Delta) error {
	if !s.open {
		return flamingo.ErrNoTransaction
	}
	t, ok := s.traces[id]
	if !ok {
		return fmt.Errorf("unknown trace %q", id)
	}
	for _, c := range d.Sorted() {
		if _, indexed := t.ApplyDelta(c.Fact, c.Weight); indexed {
			s.undo = append(s.undo, undoEntry{trace: id, fact: c.Fact, weight: c.Weight})
		}
	}
	return nil
}

// Pending returns the number of mutations recorded since Begin
func (s *Store) Pending() int { return len(s.undo) }
