package storage

import (
	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/program"
)

// Arrangement is a keyed index over the visible extension of a relation.
// Keys must be comparable values; facts whose projection reports ok ==
// false are not indexed.
type Arrangement struct {
	Relation  string
	Name      string
	Queryable bool

	key   program.KeyFunc
	index map[any]map[flamingo.Fact]int
	size  int
}

// NewArrangement creates an empty arrangement over relation
func NewArrangement(relation string, spec program.ArrangementSpec) *Arrangement {
	return &Arrangement{
		Relation:  relation,
		Name:      spec.Name,
		Queryable: spec.Queryable,
		key:       spec.Key,
		index:     make(map[any]map[flamingo.Fact]int),
	}
}

// Key projects a fact onto this arrangement's key
func (a *Arrangement) Key(f flamingo.Fact) (any, bool) {
	return a.key(f)
}

// ApplyDelta adds weight to f under its key. It reports the key and
// whether the fact was indexed at all.
func (a *Arrangement) ApplyDelta(f flamingo.Fact, weight int) (any, bool) {
	k, ok := a.key(f)
	if !ok || weight == 0 {
		return k, ok
	}
	a.add(k, f, weight)
	return k, true
}

func (a *Arrangement) add(k any, f flamingo.Fact, weight int) {
	bucket, ok := a.index[k]
	if !ok {
		bucket = make(map[flamingo.Fact]int)
		a.index[k] = bucket
	}
	before := len(bucket)
	w := bucket[f] + weight
	if w == 0 {
		delete(bucket, f)
	} else {
		bucket[f] = w
	}
	a.size += len(bucket) - before
	if len(bucket) == 0 {
		delete(a.index, k)
	}
}

// Lookup returns the facts stored under key, sorted
func (a *Arrangement) Lookup(key any) []flamingo.Change {
	bucket := a.index[key]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]flamingo.Change, 0, len(bucket))
	for f, w := range bucket {
		out = append(out, flamingo.Change{Fact: f, Weight: w})
	}
	flamingo.SortChanges(out)
	return out
}

// Has reports whether any fact is stored under key
func (a *Arrangement) Has(key any) bool {
	return len(a.index[key]) > 0
}

// Len returns the number of distinct facts indexed
func (a *Arrangement) Len() int { return a.size }
