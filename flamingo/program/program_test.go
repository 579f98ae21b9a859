package program

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4hines/window-alm-3/flamingo"
)

type edge struct {
	From string `validate:"required"`
	To   string `validate:"required"`
}

func (edge) Relation() string { return "edge" }

type path struct {
	From, To string
}

func (path) Relation() string { return "path" }

type reach struct {
	Node string
}

func (reach) Relation() string { return "reach" }

type listFact struct {
	Items []string
}

func (listFact) Relation() string { return "edge" }

func byFrom(f flamingo.Fact) (any, bool) {
	e, ok := f.(edge)
	return e.From, ok
}

func passThrough(f flamingo.Fact) (flamingo.Fact, bool, error) {
	e := f.(edge)
	return path{From: e.From, To: e.To}, true, nil
}

func testRelations() []*Relation {
	return []*Relation{
		{
			Name:         "edge",
			Input:        true,
			Variants:     []flamingo.Fact{edge{}},
			Arrangements: []ArrangementSpec{{Name: "by from", Key: byFrom}},
		},
		{
			Name:     "path",
			Distinct: true,
			Variants: []flamingo.Fact{path{}},
			Rules: []Rule{{
				Source: "edge",
				Stages: []Stage{Map("edge to path", passThrough)},
			}},
		},
		{
			Name:     "reach",
			Distinct: true,
			Variants: []flamingo.Fact{reach{}},
			Rules: []Rule{{
				Source: "path",
				Stages: []Stage{
					Join("follow", ArrangementRef{Relation: "edge", Name: "by from"},
						func(f flamingo.Fact) (any, bool) { return f.(path).To, true },
						func(l, r flamingo.Fact) (flamingo.Fact, bool, error) {
							return reach{Node: r.(edge).To}, true, nil
						}),
				},
			}},
		},
	}
}

func TestNewComputesLevels(t *testing.T) {
	p, err := New(testRelations(), Roles{}, nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"edge"}, {"path"}, {"reach"}}, p.Levels())
	assert.Equal(t, []string{"edge", "path"}, p.Dependencies("reach"))

	rel, ok := p.Relation("reach")
	require.True(t, ok)
	assert.Equal(t, "reach/0", rel.Rules[0].ID())
	assert.Equal(t, "reach/0/0", rel.Rules[0].TraceID(0))

	spec, ok := p.Arrangement(ArrangementRef{Relation: "edge", Name: "by from"})
	require.True(t, ok)
	assert.Equal(t, "by from", spec.Name)
}

func TestNewRejectsInvalidPrograms(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(rels []*Relation) []*Relation
		want   error
	}{
		{
			name: "unknown source",
			mutate: func(rels []*Relation) []*Relation {
				rels[1].Rules[0].Source = "nope"
				return rels
			},
			want: flamingo.ErrUnknownRelation,
		},
		{
			name: "unknown arrangement relation",
			mutate: func(rels []*Relation) []*Relation {
				rels[2].Rules[0].Stages[0].Arrangement.Relation = "nope"
				return rels
			},
			want: flamingo.ErrUnknownRelation,
		},
		{
			name: "cycle",
			mutate: func(rels []*Relation) []*Relation {
				rels[1].Rules = append(rels[1].Rules, Rule{
					Source: "reach",
					Stages: []Stage{Map("back", func(f flamingo.Fact) (flamingo.Fact, bool, error) {
						return path{}, true, nil
					})},
				})
				return rels
			},
			want: flamingo.ErrCyclicProgram,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.mutate(testRelations()), Roles{}, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestNewRejectsStructuralErrors(t *testing.T) {
	t.Run("rules on input", func(t *testing.T) {
		rels := testRelations()
		rels[0].Rules = []Rule{{Source: "path"}}
		_, err := New(rels, Roles{}, nil)
		assert.Error(t, err)
	})

	t.Run("missing arrangement", func(t *testing.T) {
		rels := testRelations()
		rels[2].Rules[0].Stages[0].Arrangement.Name = "by to"
		_, err := New(rels, Roles{}, nil)
		assert.ErrorContains(t, err, "no arrangement")
	})

	t.Run("non comparable variant", func(t *testing.T) {
		rels := testRelations()
		rels[0].Variants = append(rels[0].Variants, listFact{})
		_, err := New(rels, Roles{}, nil)
		assert.ErrorContains(t, err, "comparable")
	})

	t.Run("in-fluent without key", func(t *testing.T) {
		_, err := New(testRelations(), Roles{InFluent: "edge"}, nil)
		assert.ErrorContains(t, err, "key function")
	})

	t.Run("out-fluent must be derived", func(t *testing.T) {
		_, err := New(testRelations(), Roles{OutFluent: "edge"}, nil)
		assert.ErrorContains(t, err, "derived")
	})
}

func TestCheckInput(t *testing.T) {
	p, err := New(testRelations(), Roles{}, nil)
	require.NoError(t, err)

	assert.NoError(t, p.CheckInput("edge", edge{From: "a", To: "b"}))

	tests := []struct {
		name     string
		relation string
		fact     flamingo.Fact
		reason   string
	}{
		{"unknown relation", "nope", edge{From: "a", To: "b"}, "unknown relation"},
		{"derived relation", "path", path{From: "a", To: "b"}, "derived"},
		{"wrong tag", "edge", path{From: "a", To: "b"}, "tagged"},
		{"validation tags", "edge", edge{From: "a"}, "invalid payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.CheckInput(tt.relation, tt.fact)
			require.Error(t, err)
			assert.True(t, errors.Is(err, flamingo.ErrMalformedFact))
			var mf *flamingo.MalformedFactError
			require.True(t, errors.As(err, &mf))
			assert.Contains(t, mf.Reason, tt.reason)
		})
	}
}

func TestImplicitKeyArrangement(t *testing.T) {
	rel := &Relation{Name: "edge", Input: true, Key: byFrom, Variants: []flamingo.Fact{edge{}}}

	spec, ok := rel.Arrangement(KeyArrangement)
	require.True(t, ok)
	assert.True(t, spec.Queryable)
	assert.Len(t, rel.AllArrangements(), 1)

	rel.Key = nil
	_, ok = rel.Arrangement(KeyArrangement)
	assert.False(t, ok)
}
