package flamingo

import (
	"sort"
)

// Change is a fact with its signed weight.
// Weight +1 means the fact became true, -1 means it became false.
type Change struct {
	Fact   Fact
	Weight int
}

// Delta maps facts to signed weights. Weights of equal facts sum and
// entries whose weight reaches zero are dropped, so a fact inserted and
// deleted in the same batch leaves no trace.
type Delta struct {
	weights map[Fact]int
}

// NewDelta creates an empty delta
func NewDelta() *Delta {
	return &Delta{weights: make(map[Fact]int)}
}

// DeltaOf builds a delta from changes
func DeltaOf(changes ...Change) *Delta {
	d := NewDelta()
	for _, c := range changes {
		d.Add(c.Fact, c.Weight)
	}
	return d
}

// Add adds weight to a fact
func (d *Delta) Add(f Fact, weight int) {
	if weight == 0 {
		return
	}
	w := d.weights[f] + weight
	if w == 0 {
		delete(d.weights, f)
		return
	}
	d.weights[f] = w
}

// Merge adds every entry of other to d
func (d *Delta) Merge(other *Delta) {
	if other == nil {
		return
	}
	for f, w := range other.weights {
		d.Add(f, w)
	}
}

// Negate returns a delta with every weight sign-flipped
func (d *Delta) Negate() *Delta {
	out := NewDelta()
	for f, w := range d.weights {
		out.weights[f] = -w
	}
	return out
}

// Weight returns the net weight of a fact
func (d *Delta) Weight(f Fact) int {
	if d == nil {
		return 0
	}
	return d.weights[f]
}

// Len returns the number of facts with a nonzero weight
func (d *Delta) Len() int {
	if d == nil {
		return 0
	}
	return len(d.weights)
}

// IsEmpty reports whether the delta has no visible change
func (d *Delta) IsEmpty() bool {
	return d.Len() == 0
}

// Sorted returns the changes ordered by CompareFacts.
func (d *Delta) Sorted() []Change {
	if d == nil {
		return nil
	}
	changes := make([]Change, 0, len(d.weights))
	for f, w := range d.weights {
		changes = append(changes, Change{Fact: f, Weight: w})
	}
	SortChanges(changes)
	return changes
}

// SortChanges sorts changes in place by fact order, then weight.
func SortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool {
		if c := CompareFacts(changes[i].Fact, changes[j].Fact); c != 0 {
			return c < 0
		}
		return changes[i].Weight < changes[j].Weight
	})
}

// Changes holds the per-relation deltas of one transaction step.
type Changes map[string]*Delta

// Relation returns the delta of a relation, or an empty delta
func (c Changes) Relation(name string) *Delta {
	if d, ok := c[name]; ok {
		return d
	}
	return NewDelta()
}

// Merge folds other into c
func (c Changes) Merge(other Changes) {
	for rel, d := range other {
		if _, ok := c[rel]; !ok {
			c[rel] = NewDelta()
		}
		c[rel].Merge(d)
		if c[rel].IsEmpty() {
			delete(c, rel)
		}
	}
}

// Relations returns the names of relations with a nonempty delta, sorted
func (c Changes) Relations() []string {
	names := make([]string, 0, len(c))
	for rel, d := range c {
		if !d.IsEmpty() {
			names = append(names, rel)
		}
	}
	sort.Strings(names)
	return names
}

// Size returns the total number of changed facts across relations
func (c Changes) Size() int {
	n := 0
	for _, d := range c {
		n += d.Len()
	}
	return n
}
