package flamingo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type axis string

type point struct {
	ID   int
	Axis axis
	Name string
}

func (point) Relation() string { return "shape" }

type circle struct {
	ID     int
	Radius float64
}

func (circle) Relation() string { return "shape" }

type label struct{ Text string }

func (label) Relation() string { return "label" }

func TestCompareValues(t *testing.T) {
	tests := []struct {
		left, right interface{}
		want        int
	}{
		{nil, nil, 0},
		{nil, 1, -1},
		{1, nil, 1},
		{1, 2, -1},
		{int64(5), 5, 0},
		{2.5, 2, 1},
		{3, 3.5, -1},
		{"a", "b", -1},
		{true, false, 1},
		{false, true, -1},
		{axis("X"), axis("Y"), -1},
		{axis("Y"), axis("Y"), 0},
		{uint8(9), uint8(3), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareValues(tt.left, tt.right), "%v vs %v", tt.left, tt.right)
	}
}

func TestCompareFacts(t *testing.T) {
	facts := []Fact{
		point{ID: 2, Axis: "X"},
		label{Text: "b"},
		circle{ID: 1, Radius: 2},
		point{ID: 1, Axis: "Y"},
		point{ID: 1, Axis: "X", Name: "z"},
	}
	changes := make([]Change, len(facts))
	for i, f := range facts {
		changes[i] = Change{Fact: f, Weight: 1}
	}
	SortChanges(changes)

	var got []Fact
	for _, c := range changes {
		got = append(got, c.Fact)
	}
	assert.Equal(t, []Fact{
		label{Text: "b"},
		circle{ID: 1, Radius: 2},
		point{ID: 1, Axis: "X", Name: "z"},
		point{ID: 1, Axis: "Y"},
		point{ID: 2, Axis: "X"},
	}, got)
}

func TestFieldsAndNames(t *testing.T) {
	p := point{ID: 4, Axis: "Y", Name: "p"}
	assert.Equal(t, Tuple{4, axis("Y"), "p"}, Fields(p))
	assert.Equal(t, []string{"ID", "Axis", "Name"}, FieldNames(p))
	assert.Equal(t, "point", Variant(p))
	assert.Equal(t, "point{ID=4 Axis=Y Name=p}", FormatFact(p))
	assert.Equal(t, "<nil>", FormatFact(nil))
	assert.Nil(t, Fields(nil))
	assert.True(t, IsComparable(p))
}

func TestAs(t *testing.T) {
	var f Fact = circle{ID: 1, Radius: 3}
	c, err := As[circle](f)
	require.NoError(t, err)
	assert.Equal(t, 3.0, c.Radius)

	_, err = As[point](f)
	var uv *UnexpectedVariantError
	require.True(t, errors.As(err, &uv))
	assert.Equal(t, "shape", uv.Relation)
	assert.Equal(t, "point", uv.Want)
	assert.Equal(t, "circle", uv.Got)
}

func TestDeltaDropsZeroWeights(t *testing.T) {
	a := point{ID: 1}
	b := point{ID: 2}

	d := NewDelta()
	d.Add(a, 1)
	d.Add(b, 1)
	d.Add(a, -1)
	d.Add(b, 0)
	assert.Equal(t, []Change{{Fact: b, Weight: 1}}, d.Sorted())
	assert.Zero(t, d.Weight(a))

	d.Merge(DeltaOf(Change{Fact: b, Weight: -1}, Change{Fact: a, Weight: 2}))
	assert.Equal(t, []Change{{Fact: a, Weight: 2}}, d.Sorted())
	assert.Equal(t, []Change{{Fact: a, Weight: -2}}, d.Negate().Sorted())

	var nilDelta *Delta
	assert.True(t, nilDelta.IsEmpty())
	assert.Nil(t, nilDelta.Sorted())
}

func TestChangesMerge(t *testing.T) {
	a := point{ID: 1}
	l := label{Text: "x"}

	c := Changes{"shape": DeltaOf(Change{Fact: a, Weight: 1})}
	c.Merge(Changes{
		"shape": DeltaOf(Change{Fact: a, Weight: -1}),
		"label": DeltaOf(Change{Fact: l, Weight: 1}),
	})

	assert.Equal(t, []string{"label"}, c.Relations())
	assert.Equal(t, 1, c.Size())
	assert.True(t, c.Relation("shape").IsEmpty())
	assert.Equal(t, 1, c.Relation("label").Weight(l))
}

func TestErrorMatching(t *testing.T) {
	cause := errors.New("boom")
	var err error = &MalformedFactError{Relation: "shape", Fact: point{ID: 1}, Reason: "invalid payload", Err: cause}
	assert.ErrorIs(t, err, ErrMalformedFact)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `relation "shape": invalid payload: boom`)

	err = &RuleEvaluationError{Rule: "shape/0", Stage: "join", Err: cause}
	assert.ErrorIs(t, err, ErrRuleEvaluation)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, `rule "shape/0" stage "join": boom`, err.Error())
}
