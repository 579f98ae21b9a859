// Package program declares relations, arrangements and compiled rule
// pipelines. A Program is built once at startup from a declarative rule
// table and validated before any transaction runs.
package program

import (
	"fmt"

	"github.com/d4hines/window-alm-3/flamingo"
)

// KeyArrangement is the name of the implicit arrangement built from a
// relation's key function.
const KeyArrangement = "key"

// KeyFunc projects a fact to a key. ok == false excludes the fact, which is
// how a join matches only one case of a sum-typed relation.
type KeyFunc func(f flamingo.Fact) (key any, ok bool)

// FilterFunc keeps facts for which it returns true
type FilterFunc func(f flamingo.Fact) bool

// MapFunc transforms a fact; ok == false drops it
type MapFunc func(f flamingo.Fact) (out flamingo.Fact, ok bool, err error)

// JoinFunc combines a left fact with a matching arrangement fact
type JoinFunc func(left, right flamingo.Fact) (out flamingo.Fact, ok bool, err error)

// Stabilizer builds the InFluent fact for an OutFluent fact produced by an
// action. ok == false means the OutFluent has no durable counterpart.
type Stabilizer func(out flamingo.Fact) (in flamingo.Fact, ok bool, err error)

// ArrangementSpec declares a keyed index over a relation
type ArrangementSpec struct {
	Name      string
	Key       KeyFunc
	Queryable bool // readable by external callers
}

// ArrangementRef names an arrangement of a relation
type ArrangementRef struct {
	Relation string
	Name     string
}

func (r ArrangementRef) String() string {
	return fmt.Sprintf("%s[%s]", r.Relation, r.Name)
}

// StageKind identifies the variant of a pipeline stage
type StageKind int

const (
	StageFilter StageKind = iota
	StageMap
	StageJoin
	StageAntijoin
)

func (k StageKind) String() string {
	switch k {
	case StageFilter:
		return "filter"
	case StageMap:
		return "map"
	case StageJoin:
		return "join"
	case StageAntijoin:
		return "antijoin"
	default:
		return fmt.Sprintf("stage(%d)", int(k))
	}
}

// Stage is one step of a rule pipeline. Only the fields of its Kind are set.
type Stage struct {
	Kind StageKind
	Name string

	Filter FilterFunc
	Map    MapFunc

	// Join and Antijoin
	Arrangement ArrangementRef
	Key         KeyFunc  // projects the left fact onto the arrangement key
	Combine     JoinFunc // Join only
}

// Filter creates a filter stage
func Filter(name string, fn FilterFunc) Stage {
	return Stage{Kind: StageFilter, Name: name, Filter: fn}
}

// Map creates a map stage
func Map(name string, fn MapFunc) Stage {
	return Stage{Kind: StageMap, Name: name, Map: fn}
}

// Join creates a join stage against an arrangement
func Join(name string, arr ArrangementRef, key KeyFunc, combine JoinFunc) Stage {
	return Stage{Kind: StageJoin, Name: name, Arrangement: arr, Key: key, Combine: combine}
}

// Antijoin creates a stage that keeps left facts with no match in the arrangement
func Antijoin(name string, arr ArrangementRef, key KeyFunc) Stage {
	return Stage{Kind: StageAntijoin, Name: name, Arrangement: arr, Key: key}
}

// Rule derives facts of its relation from the Source relation through Stages
type Rule struct {
	Description string
	Source      string
	Stages      []Stage

	id string
}

// ID returns the rule's identifier, "<relation>/<index>", assigned by New
func (r *Rule) ID() string { return r.id }

// TraceID names the left-input trace of stage i
func (r *Rule) TraceID(i int) string { return fmt.Sprintf("%s/%d", r.id, i) }

// Relation declares a named collection of facts
type Relation struct {
	Name     string
	Input    bool // supplied by callers; derived relations are rule-only
	Distinct bool // set semantics: visible weight collapses to 1
	// Key identifies facts for upsert; also exposed as the "key" arrangement
	Key KeyFunc
	// Variants are prototype values of every accepted fact type
	Variants     []flamingo.Fact
	Rules        []Rule
	Arrangements []ArrangementSpec
}

// Arrangement returns the named arrangement spec, including the implicit
// key arrangement of keyed relations.
func (r *Relation) Arrangement(name string) (ArrangementSpec, bool) {
	for _, a := range r.Arrangements {
		if a.Name == name {
			return a, true
		}
	}
	if name == KeyArrangement && r.Key != nil {
		return ArrangementSpec{Name: KeyArrangement, Key: r.Key, Queryable: true}, true
	}
	return ArrangementSpec{}, false
}

// AllArrangements returns the declared arrangements plus the implicit key one
func (r *Relation) AllArrangements() []ArrangementSpec {
	out := append([]ArrangementSpec(nil), r.Arrangements...)
	if r.Key != nil {
		if _, declared := r.declared(KeyArrangement); !declared {
			out = append(out, ArrangementSpec{Name: KeyArrangement, Key: r.Key, Queryable: true})
		}
	}
	return out
}

func (r *Relation) declared(name string) (ArrangementSpec, bool) {
	for _, a := range r.Arrangements {
		if a.Name == name {
			return a, true
		}
	}
	return ArrangementSpec{}, false
}

// Roles names the relations the dispatch protocol works with
type Roles struct {
	Action    string
	OutFluent string
	InFluent  string
	Output    string
}
