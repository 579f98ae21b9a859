package program

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/d4hines/window-alm-3/flamingo"
)

// validate checks `validate` struct tags on fact payloads
var validate = validator.New(validator.WithRequiredStructEnabled())

// Program is a validated set of relations with their evaluation order.
type Program struct {
	Relations []*Relation
	Roles     Roles
	Stabilize Stabilizer

	byName map[string]*Relation
	levels [][]string
}

// New validates the relations and computes dependency levels.
// Level 0 holds the input relations; every derived relation sits one level
// above the highest relation it reads. Cycles are rejected.
func New(relations []*Relation, roles Roles, stabilize Stabilizer) (*Program, error) {
	p := &Program{
		Relations: relations,
		Roles:     roles,
		Stabilize: stabilize,
		byName:    make(map[string]*Relation, len(relations)),
	}

	for _, rel := range relations {
		if rel.Name == "" {
			return nil, fmt.Errorf("relation with empty name")
		}
		if _, dup := p.byName[rel.Name]; dup {
			return nil, fmt.Errorf("duplicate relation %q", rel.Name)
		}
		if len(rel.Variants) == 0 {
			return nil, fmt.Errorf("relation %q declares no variants", rel.Name)
		}
		for _, v := range rel.Variants {
			if v.Relation() != rel.Name {
				return nil, fmt.Errorf("relation %q: variant %s reports relation %q",
					rel.Name, flamingo.Variant(v), v.Relation())
			}
			if !flamingo.IsComparable(v) {
				return nil, fmt.Errorf("relation %q: variant %s is not a comparable struct",
					rel.Name, flamingo.Variant(v))
			}
		}
		if rel.Input && len(rel.Rules) > 0 {
			return nil, fmt.Errorf("input relation %q cannot have rules", rel.Name)
		}
		p.byName[rel.Name] = rel
	}

	for _, rel := range relations {
		for i := range rel.Rules {
			rule := &rel.Rules[i]
			rule.id = fmt.Sprintf("%s/%d", rel.Name, i)
			if err := p.checkRule(rel, rule); err != nil {
				return nil, err
			}
		}
	}

	if err := p.checkRoles(); err != nil {
		return nil, err
	}

	levels, err := p.computeLevels()
	if err != nil {
		return nil, err
	}
	p.levels = levels
	return p, nil
}

func (p *Program) checkRule(rel *Relation, rule *Rule) error {
	if _, ok := p.byName[rule.Source]; !ok {
		return fmt.Errorf("rule %s: source %q: %w", rule.id, rule.Source, flamingo.ErrUnknownRelation)
	}
	for i, st := range rule.Stages {
		where := fmt.Sprintf("rule %s stage %d (%s)", rule.id, i, st.Name)
		switch st.Kind {
		case StageFilter:
			if st.Filter == nil {
				return fmt.Errorf("%s: filter function is nil", where)
			}
		case StageMap:
			if st.Map == nil {
				return fmt.Errorf("%s: map function is nil", where)
			}
		case StageJoin, StageAntijoin:
			if st.Key == nil {
				return fmt.Errorf("%s: key function is nil", where)
			}
			if st.Kind == StageJoin && st.Combine == nil {
				return fmt.Errorf("%s: join function is nil", where)
			}
			target, ok := p.byName[st.Arrangement.Relation]
			if !ok {
				return fmt.Errorf("%s: arrangement %s: %w", where, st.Arrangement, flamingo.ErrUnknownRelation)
			}
			if _, ok := target.Arrangement(st.Arrangement.Name); !ok {
				return fmt.Errorf("%s: relation %q has no arrangement %q", where, target.Name, st.Arrangement.Name)
			}
		default:
			return fmt.Errorf("%s: unknown stage kind %v", where, st.Kind)
		}
	}
	return nil
}

func (p *Program) checkRoles() error {
	need := func(role, name string, input bool) error {
		if name == "" {
			return nil
		}
		rel, ok := p.byName[name]
		if !ok {
			return fmt.Errorf("%s role %q: %w", role, name, flamingo.ErrUnknownRelation)
		}
		if rel.Input != input {
			kind := "derived"
			if input {
				kind = "input"
			}
			return fmt.Errorf("%s role %q must be an %s relation", role, name, kind)
		}
		return nil
	}
	if err := need("action", p.Roles.Action, true); err != nil {
		return err
	}
	if err := need("in-fluent", p.Roles.InFluent, true); err != nil {
		return err
	}
	if err := need("out-fluent", p.Roles.OutFluent, false); err != nil {
		return err
	}
	if err := need("output", p.Roles.Output, false); err != nil {
		return err
	}
	if p.Roles.InFluent != "" && p.byName[p.Roles.InFluent].Key == nil {
		return fmt.Errorf("in-fluent role %q needs a key function for upserts", p.Roles.InFluent)
	}
	if p.Roles.OutFluent != "" && p.Stabilize == nil {
		return fmt.Errorf("out-fluent role %q needs a stabilizer", p.Roles.OutFluent)
	}
	return nil
}

// Dependencies returns the relations a derived relation reads, sorted
func (p *Program) Dependencies(name string) []string {
	rel, ok := p.byName[name]
	if !ok {
		return nil
	}
	set := make(map[string]struct{})
	for _, rule := range rel.Rules {
		set[rule.Source] = struct{}{}
		for _, st := range rule.Stages {
			if st.Kind == StageJoin || st.Kind == StageAntijoin {
				set[st.Arrangement.Relation] = struct{}{}
			}
		}
	}
	deps := make([]string, 0, len(set))
	for d := range set {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}

func (p *Program) computeLevels() ([][]string, error) {
	level := make(map[string]int, len(p.Relations))
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(p.Relations))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", flamingo.ErrCyclicProgram, strings.Join(append(path, name), " -> "))
		}
		state[name] = visiting
		lvl := 0
		if !p.byName[name].Input {
			lvl = 1
			for _, dep := range p.Dependencies(name) {
				if err := visit(dep, append(path, name)); err != nil {
					return err
				}
				if level[dep]+1 > lvl {
					lvl = level[dep] + 1
				}
			}
		}
		level[name] = lvl
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	maxLevel := 0
	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
		if level[name] > maxLevel {
			maxLevel = level[name]
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range names {
		levels[level[name]] = append(levels[level[name]], name)
	}
	return levels, nil
}

// Levels returns relation names grouped by dependency level; level 0 holds
// the input relations. Names within a level are sorted.
func (p *Program) Levels() [][]string { return p.levels }

// Relation looks up a relation by name
func (p *Program) Relation(name string) (*Relation, bool) {
	rel, ok := p.byName[name]
	return rel, ok
}

// Arrangement resolves an arrangement reference
func (p *Program) Arrangement(ref ArrangementRef) (ArrangementSpec, bool) {
	rel, ok := p.byName[ref.Relation]
	if !ok {
		return ArrangementSpec{}, false
	}
	return rel.Arrangement(ref.Name)
}

// CheckInput verifies that f may be staged against relation name: the
// relation exists and is an input, f is one of its variants and its
// payload passes validation tags.
func (p *Program) CheckInput(name string, f flamingo.Fact) error {
	rel, ok := p.byName[name]
	if !ok {
		return &flamingo.MalformedFactError{Relation: name, Fact: f, Reason: "unknown relation", Err: flamingo.ErrUnknownRelation}
	}
	if !rel.Input {
		return &flamingo.MalformedFactError{Relation: name, Fact: f, Reason: "relation is derived"}
	}
	return rel.CheckShape(f)
}

// CheckShape verifies that f is a declared variant with a valid payload
func (r *Relation) CheckShape(f flamingo.Fact) error {
	if f == nil {
		return &flamingo.MalformedFactError{Relation: r.Name, Reason: "nil fact"}
	}
	if f.Relation() != r.Name {
		return &flamingo.MalformedFactError{Relation: r.Name, Fact: f,
			Reason: fmt.Sprintf("fact is tagged %q", f.Relation())}
	}
	if !flamingo.IsComparable(f) {
		return &flamingo.MalformedFactError{Relation: r.Name, Fact: f, Reason: "payload is not a comparable struct"}
	}
	t := reflect.TypeOf(f)
	declared := false
	for _, v := range r.Variants {
		if reflect.TypeOf(v) == t {
			declared = true
			break
		}
	}
	if !declared {
		return &flamingo.MalformedFactError{Relation: r.Name, Fact: f,
			Reason: fmt.Sprintf("undeclared variant %s", flamingo.Variant(f))}
	}
	if err := validate.Struct(f); err != nil {
		return &flamingo.MalformedFactError{Relation: r.Name, Fact: f, Reason: "invalid payload", Err: err}
	}
	return nil
}
