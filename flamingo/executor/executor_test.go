package executor

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/annotations"
	"github.com/d4hines/window-alm-3/flamingo/program"
	"github.com/d4hines/window-alm-3/flamingo/storage"
)

type person struct {
	Name string
	Dept string
}

func (person) Relation() string { return "person" }

type dept struct {
	Name  string
	Floor int
}

func (dept) Relation() string { return "dept" }

type located struct {
	Name  string
	Floor int
}

func (located) Relation() string { return "located" }

type unassigned struct {
	Name string
}

func (unassigned) Relation() string { return "unassigned" }

type upstairs struct {
	Name string
}

func (upstairs) Relation() string { return "upstairs" }

var deptByName = program.ArrangementRef{Relation: "dept", Name: "by name"}

func personDept(f flamingo.Fact) (any, bool) {
	p, ok := f.(person)
	return p.Dept, ok
}

func testProgram(t *testing.T, mapHook func(located) (flamingo.Fact, bool, error)) *program.Program {
	t.Helper()
	if mapHook == nil {
		mapHook = func(l located) (flamingo.Fact, bool, error) { return upstairs{Name: l.Name}, true, nil }
	}
	prog, err := program.New([]*program.Relation{
		{Name: "person", Input: true, Distinct: true, Variants: []flamingo.Fact{person{}}},
		{
			Name: "dept", Input: true, Distinct: true, Variants: []flamingo.Fact{dept{}},
			Arrangements: []program.ArrangementSpec{{
				Name: "by name",
				Key: func(f flamingo.Fact) (any, bool) {
					d, ok := f.(dept)
					return d.Name, ok
				},
			}},
		},
		{
			Name: "located", Distinct: true, Variants: []flamingo.Fact{located{}},
			Rules: []program.Rule{{
				Source: "person",
				Stages: []program.Stage{
					program.Join("dept", deptByName, personDept,
						func(l, r flamingo.Fact) (flamingo.Fact, bool, error) {
							return located{Name: l.(person).Name, Floor: r.(dept).Floor}, true, nil
						}),
				},
			}},
		},
		{
			Name: "unassigned", Distinct: true, Variants: []flamingo.Fact{unassigned{}},
			Rules: []program.Rule{{
				Source: "person",
				Stages: []program.Stage{
					program.Antijoin("no dept", deptByName, personDept),
					program.Map("name", func(f flamingo.Fact) (flamingo.Fact, bool, error) {
						return unassigned{Name: f.(person).Name}, true, nil
					}),
				},
			}},
		},
		{
			Name: "upstairs", Distinct: true, Variants: []flamingo.Fact{upstairs{}},
			Rules: []program.Rule{{
				Source: "located",
				Stages: []program.Stage{
					program.Filter("high", func(f flamingo.Fact) bool { return f.(located).Floor >= 10 }),
					program.Map("name", func(f flamingo.Fact) (flamingo.Fact, bool, error) {
						return mapHook(f.(located))
					}),
				},
			}},
		},
	}, program.Roles{}, nil)
	require.NoError(t, err)
	return prog
}

func newCoordinator(prog *program.Program, opts Options) *storage.Coordinator {
	return storage.NewCoordinator(storage.NewStore(prog), New(prog, opts), nil)
}

func commit(t *testing.T, c *storage.Coordinator, ops ...storage.Op) flamingo.Changes {
	t.Helper()
	tx, err := c.Start()
	require.NoError(t, err)
	require.NoError(t, tx.Apply(ops...))
	changes, err := tx.CommitAndDumpChanges()
	require.NoError(t, err)
	return changes
}

func snapshot(t *testing.T, c *storage.Coordinator, rel string) []flamingo.Change {
	t.Helper()
	out, err := c.Store().Snapshot(rel)
	require.NoError(t, err)
	return out
}

func TestLevels(t *testing.T) {
	prog := testProgram(t, nil)
	assert.Equal(t, [][]string{{"dept", "person"}, {"located", "unassigned"}, {"upstairs"}}, prog.Levels())
}

func TestJoinBothSides(t *testing.T) {
	c := newCoordinator(testProgram(t, nil), Options{})

	changes := commit(t, c, storage.Insert(person{Name: "ann", Dept: "ops"}))
	assert.True(t, changes.Relation("located").IsEmpty())
	assert.Equal(t, 1, changes.Relation("unassigned").Weight(unassigned{Name: "ann"}))

	// right side arrives later
	changes = commit(t, c, storage.Insert(dept{Name: "ops", Floor: 12}))
	assert.Equal(t, 1, changes.Relation("located").Weight(located{Name: "ann", Floor: 12}))
	assert.Equal(t, -1, changes.Relation("unassigned").Weight(unassigned{Name: "ann"}))
	assert.Equal(t, 1, changes.Relation("upstairs").Weight(upstairs{Name: "ann"}))

	// right side changes
	changes = commit(t, c,
		storage.Delete(dept{Name: "ops", Floor: 12}),
		storage.Insert(dept{Name: "ops", Floor: 3}))
	assert.Equal(t, -1, changes.Relation("located").Weight(located{Name: "ann", Floor: 12}))
	assert.Equal(t, 1, changes.Relation("located").Weight(located{Name: "ann", Floor: 3}))
	assert.True(t, changes.Relation("unassigned").IsEmpty(), "key stayed present")
	assert.Equal(t, -1, changes.Relation("upstairs").Weight(upstairs{Name: "ann"}))

	// left side leaves
	changes = commit(t, c, storage.Delete(person{Name: "ann", Dept: "ops"}))
	assert.Equal(t, -1, changes.Relation("located").Weight(located{Name: "ann", Floor: 3}))
	assert.Empty(t, snapshot(t, c, "located"))
	assert.Empty(t, snapshot(t, c, "unassigned"))
}

func TestDistinctCollapsesDerivations(t *testing.T) {
	c := newCoordinator(testProgram(t, nil), Options{})

	commit(t, c,
		storage.Insert(dept{Name: "a", Floor: 11}),
		storage.Insert(dept{Name: "b", Floor: 11}))
	changes := commit(t, c,
		storage.Insert(person{Name: "ann", Dept: "a"}),
		storage.Insert(person{Name: "ann", Dept: "b"}))

	// two derivations of located{ann 11}, one visible fact
	assert.Equal(t, 1, changes.Relation("located").Weight(located{Name: "ann", Floor: 11}))
	assert.Equal(t, 2, c.Store().Count("located", located{Name: "ann", Floor: 11}))

	changes = commit(t, c, storage.Delete(person{Name: "ann", Dept: "a"}))
	assert.True(t, changes.Relation("located").IsEmpty())
	assert.Equal(t, []flamingo.Change{{Fact: upstairs{Name: "ann"}, Weight: 1}}, snapshot(t, c, "upstairs"))
}

func TestInsertDeleteInOneTransactionNetsZero(t *testing.T) {
	c := newCoordinator(testProgram(t, nil), Options{})
	commit(t, c, storage.Insert(dept{Name: "a", Floor: 11}))

	changes := commit(t, c,
		storage.Insert(person{Name: "ann", Dept: "a"}),
		storage.Delete(person{Name: "ann", Dept: "a"}))
	assert.Zero(t, changes.Size())
}

// randomOps builds a reproducible operation sequence over a small domain
func randomOps(seed int64, n int) []storage.Op {
	r := rand.New(rand.NewSource(seed))
	names := []string{"ann", "bob", "cyd"}
	depts := []string{"a", "b", "c"}
	ops := make([]storage.Op, n)
	for i := range ops {
		var f flamingo.Fact
		if r.Intn(2) == 0 {
			f = person{Name: names[r.Intn(len(names))], Dept: depts[r.Intn(len(depts))]}
		} else {
			f = dept{Name: depts[r.Intn(len(depts))], Floor: 5 * (1 + r.Intn(3))}
		}
		if r.Intn(3) == 0 {
			ops[i] = storage.Delete(f)
		} else {
			ops[i] = storage.Insert(f)
		}
	}
	return ops
}

func TestIncrementalMatchesFullRecompute(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			prog := testProgram(t, nil)
			inc := newCoordinator(prog, Options{Workers: 2})
			ops := randomOps(seed, 40)
			for i := 0; i < len(ops); i += 4 {
				commit(t, inc, ops[i:i+4]...)
			}

			// rebuild from the final inputs in one transaction
			full := newCoordinator(testProgram(t, nil), Options{})
			var final []storage.Op
			for _, rel := range []string{"person", "dept"} {
				for _, ch := range snapshot(t, inc, rel) {
					final = append(final, storage.Insert(ch.Fact))
				}
			}
			commit(t, full, final...)

			for _, rel := range []string{"located", "unassigned", "upstairs"} {
				assert.Equal(t, snapshot(t, full, rel), snapshot(t, inc, rel), rel)
			}
		})
	}
}

func TestOrderIndependence(t *testing.T) {
	ops := []storage.Op{
		storage.Insert(person{Name: "ann", Dept: "a"}),
		storage.Insert(dept{Name: "a", Floor: 10}),
		storage.Insert(person{Name: "bob", Dept: "b"}),
		storage.Insert(dept{Name: "b", Floor: 1}),
		storage.Insert(person{Name: "cyd", Dept: "z"}),
	}
	reversed := make([]storage.Op, len(ops))
	for i, op := range ops {
		reversed[len(ops)-1-i] = op
	}

	a := newCoordinator(testProgram(t, nil), Options{})
	b := newCoordinator(testProgram(t, nil), Options{Workers: 1})
	ca := commit(t, a, ops...)
	cb := commit(t, b, reversed...)

	for _, rel := range []string{"located", "unassigned", "upstairs"} {
		assert.Equal(t, ca.Relation(rel).Sorted(), cb.Relation(rel).Sorted(), rel)
	}
}

func TestStageFailuresBecomeRuleEvaluationErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		hook func(located) (flamingo.Fact, bool, error)
		want string
	}{
		{"error", func(located) (flamingo.Fact, bool, error) { return nil, false, boom }, "boom"},
		{"panic", func(located) (flamingo.Fact, bool, error) { panic("kaboom") }, "panic: kaboom"},
		{"wrong relation", func(l located) (flamingo.Fact, bool, error) { return unassigned{Name: l.Name}, true, nil }, "tagged"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := annotations.NewRecorder()
			c := newCoordinator(testProgram(t, tt.hook), Options{Collector: rec})
			commit(t, c, storage.Insert(dept{Name: "a", Floor: 10}))

			tx, err := c.Start()
			require.NoError(t, err)
			require.NoError(t, tx.Apply(storage.Insert(person{Name: "ann", Dept: "a"})))
			err = tx.Commit()

			require.Error(t, err)
			assert.True(t, errors.Is(err, flamingo.ErrRuleEvaluation))
			var re *flamingo.RuleEvaluationError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, "upstairs/0", re.Rule)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, rec.Names(), annotations.ErrorRule)

			// rolled back: nothing of the failed transaction remains
			assert.Empty(t, snapshot(t, c, "person"))
			assert.Empty(t, snapshot(t, c, "located"))
			assert.False(t, c.Active())
		})
	}
}

func TestFaultHookAtLevel(t *testing.T) {
	prog := testProgram(t, nil)
	var sites []string
	exec := New(prog, Options{FaultHook: func(site string) error {
		sites = append(sites, site)
		if site == "level/2" {
			return errors.New("injected")
		}
		return nil
	}})
	c := storage.NewCoordinator(storage.NewStore(prog), exec, nil)

	tx, err := c.Start()
	require.NoError(t, err)
	require.NoError(t, tx.Apply(storage.Insert(dept{Name: "a", Floor: 10}), storage.Insert(person{Name: "ann", Dept: "a"})))
	require.ErrorContains(t, tx.Commit(), "injected")

	assert.Equal(t, []string{"level/1", "level/2"}, sites)
	for _, rel := range []string{"person", "dept", "located", "upstairs"} {
		assert.Empty(t, snapshot(t, c, rel), rel)
	}
}

func TestEvaluationEvents(t *testing.T) {
	rec := annotations.NewRecorder()
	c := newCoordinator(testProgram(t, nil), Options{Collector: rec})
	commit(t, c, storage.Insert(dept{Name: "a", Floor: 10}), storage.Insert(person{Name: "ann", Dept: "a"}))

	names := rec.Names()
	assert.Contains(t, names, annotations.StageJoin)
	assert.Contains(t, names, annotations.StageAntijoin)
	assert.Contains(t, names, annotations.RuleEvaluated)
	assert.Contains(t, names, annotations.LevelApplied)
}

func TestTableFormatter(t *testing.T) {
	tf := NewTableFormatter()

	out := tf.FormatChanges("located", []flamingo.Change{
		{Fact: located{Name: "ann", Floor: 3}, Weight: -1},
		{Fact: located{Name: "ann", Floor: 12}, Weight: 1},
	})
	assert.Contains(t, out, "**located**")
	assert.Contains(t, out, "Floor")
	assert.Contains(t, out, "+1")
	assert.Contains(t, out, "-1")
	assert.Contains(t, out, "2 changes")

	mixed := tf.FormatChanges("any", []flamingo.Change{
		{Fact: located{Name: "ann", Floor: 3}, Weight: 1},
		{Fact: unassigned{Name: "bob"}, Weight: 1},
	})
	assert.Contains(t, mixed, "variant")
	assert.Contains(t, mixed, "unassigned{Name=bob}")

	assert.True(t, strings.Contains(tf.FormatChanges("x", nil), "no changes"))

	all := tf.FormatAll(flamingo.Changes{
		"b": flamingo.DeltaOf(flamingo.Change{Fact: unassigned{Name: "x"}, Weight: 1}),
		"a": flamingo.DeltaOf(flamingo.Change{Fact: unassigned{Name: "y"}, Weight: 1}),
	})
	assert.Less(t, strings.Index(all, "**a**"), strings.Index(all, "**b**"))
}
