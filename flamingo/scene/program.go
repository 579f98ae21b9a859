package scene

import (
	"fmt"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/program"
)

// Arrangements read by joins and by callers
var (
	WidthByOID        = program.ArrangementRef{Relation: AttributeRel, Name: "width by oid"}
	HeightByOID       = program.ArrangementRef{Relation: AttributeRel, Name: "height by oid"}
	WindowByOID       = program.ArrangementRef{Relation: WindowRel, Name: "by oid"}
	EffectiveByTarget = program.ArrangementRef{Relation: EffectivePositionRel, Name: "by target"}
	InFluentByTarget  = program.ArrangementRef{Relation: InFluentRel, Name: program.KeyArrangement}
	OutputByOID       = program.ArrangementRef{Relation: OutputRel, Name: "by oid"}
)

// Roles of the scene relations in the dispatch protocol
var Roles = program.Roles{
	Action:    ActionRel,
	OutFluent: OutFluentRel,
	InFluent:  InFluentRel,
	Output:    OutputRel,
}

// NewProgram builds and validates the window program
func NewProgram() (*program.Program, error) {
	return program.New(Relations(), Roles, Stabilize)
}

// Stabilize turns a position change into the position it stores
func Stabilize(out flamingo.Fact) (flamingo.Fact, bool, error) {
	pc, err := flamingo.As[PositionChange](out)
	if err != nil {
		return nil, false, err
	}
	return Position{Target: pc.Target, X: pc.X, Y: pc.Y}, true, nil
}

// ColorOf is blue when the window fits inside the visible extent
func ColorOf(x, y, width, height int) Color {
	if x+width < VisibleExtent && y+height < VisibleExtent {
		return Blue
	}
	return Red
}

// Relations returns fresh relation declarations; Program.New assigns
// rule IDs in place, so every program needs its own copy.
func Relations() []*program.Relation {
	return []*program.Relation{
		{
			Name:     ObjectRel,
			Input:    true,
			Distinct: true,
			Variants: []flamingo.Fact{Object{}},
		},
		{
			Name:     AttributeRel,
			Input:    true,
			Distinct: true,
			Variants: []flamingo.Fact{Width{}, Height{}},
			Arrangements: []program.ArrangementSpec{
				{Name: WidthByOID.Name, Key: widthOID, Queryable: true},
				{Name: HeightByOID.Name, Key: heightOID, Queryable: true},
			},
		},
		{
			Name:     ActionRel,
			Input:    true,
			Distinct: true,
			Variants: []flamingo.Fact{Move{}, OpenWindow{}},
		},
		{
			Name:     InFluentRel,
			Input:    true,
			Distinct: true,
			Key:      positionTarget,
			Variants: []flamingo.Fact{Position{}},
		},
		{
			Name:     WindowRel,
			Distinct: true,
			Variants: []flamingo.Fact{Window{}},
			Arrangements: []program.ArrangementSpec{
				{Name: WindowByOID.Name, Key: windowOID, Queryable: true},
			},
			Rules: []program.Rule{{
				Description: "a window is a Window object with a width and a height",
				Source:      ObjectRel,
				Stages: []program.Stage{
					program.Filter("is window", func(f flamingo.Fact) bool {
						o, ok := f.(Object)
						return ok && o.Sort == SortWindow
					}),
					program.Join("width", WidthByOID, objectOID, joinWidth),
					program.Join("height", HeightByOID, sizedOID, joinHeight),
				},
			}},
		},
		{
			Name:     EffectivePositionRel,
			Distinct: true,
			Variants: []flamingo.Fact{EffectivePosition{}},
			Arrangements: []program.ArrangementSpec{
				{Name: EffectiveByTarget.Name, Key: effectiveTarget},
			},
			Rules: []program.Rule{
				{
					Description: "a stored position is effective",
					Source:      InFluentRel,
					Stages: []program.Stage{
						program.Map("position", func(f flamingo.Fact) (flamingo.Fact, bool, error) {
							p, err := flamingo.As[Position](f)
							if err != nil {
								return nil, false, err
							}
							return EffectivePosition{Target: p.Target, X: p.X, Y: p.Y}, true, nil
						}),
					},
				},
				{
					Description: "a window without a stored position sits at the origin",
					Source:      WindowRel,
					Stages: []program.Stage{
						program.Antijoin("unpositioned", InFluentByTarget, windowOID),
						program.Map("origin", func(f flamingo.Fact) (flamingo.Fact, bool, error) {
							w, err := flamingo.As[Window](f)
							if err != nil {
								return nil, false, err
							}
							return EffectivePosition{Target: w.OID}, true, nil
						}),
					},
				},
			},
		},
		{
			Name:     OutFluentRel,
			Distinct: true,
			Variants: []flamingo.Fact{PositionChange{}},
			Rules: []program.Rule{
				{
					Description: "moving a window shifts its effective position along the axis",
					Source:      ActionRel,
					Stages: []program.Stage{
						program.Join("move", EffectiveByTarget, moveTarget, applyMove),
					},
				},
				{
					Description: "opening a window places it at the origin",
					Source:      ActionRel,
					Stages: []program.Stage{
						program.Join("open", WindowByOID, openTarget, openAtOrigin),
					},
				},
			},
		},
		{
			Name:     OutputRel,
			Distinct: true,
			Variants: []flamingo.Fact{WindowState{}},
			Arrangements: []program.ArrangementSpec{
				{Name: OutputByOID.Name, Key: stateOID, Queryable: true},
			},
			Rules: []program.Rule{{
				Description: "a positioned window is rendered with its color",
				Source:      InFluentRel,
				Stages: []program.Stage{
					program.Join("window", WindowByOID, positionTarget, renderWindow),
				},
			}},
		},
	}
}

func widthOID(f flamingo.Fact) (any, bool) {
	w, ok := f.(Width)
	return w.OID, ok
}

func heightOID(f flamingo.Fact) (any, bool) {
	h, ok := f.(Height)
	return h.OID, ok
}

func objectOID(f flamingo.Fact) (any, bool) {
	o, ok := f.(Object)
	return o.OID, ok
}

func sizedOID(f flamingo.Fact) (any, bool) {
	s, ok := f.(sizedObject)
	return s.OID, ok
}

func windowOID(f flamingo.Fact) (any, bool) {
	w, ok := f.(Window)
	return w.OID, ok
}

func positionTarget(f flamingo.Fact) (any, bool) {
	p, ok := f.(Position)
	return p.Target, ok
}

func effectiveTarget(f flamingo.Fact) (any, bool) {
	p, ok := f.(EffectivePosition)
	return p.Target, ok
}

func moveTarget(f flamingo.Fact) (any, bool) {
	m, ok := f.(Move)
	return m.Target, ok
}

func openTarget(f flamingo.Fact) (any, bool) {
	o, ok := f.(OpenWindow)
	return o.Target, ok
}

func stateOID(f flamingo.Fact) (any, bool) {
	s, ok := f.(WindowState)
	return s.OID, ok
}

// pair extracts the expected variants of both sides of a join
func pair[L, R flamingo.Fact](l, r flamingo.Fact) (L, R, error) {
	left, err := flamingo.As[L](l)
	if err != nil {
		var right R
		return left, right, err
	}
	right, err := flamingo.As[R](r)
	return left, right, err
}

func joinWidth(l, r flamingo.Fact) (flamingo.Fact, bool, error) {
	o, w, err := pair[Object, Width](l, r)
	if err != nil {
		return nil, false, err
	}
	return sizedObject{OID: o.OID, Width: w.Width}, true, nil
}

func joinHeight(l, r flamingo.Fact) (flamingo.Fact, bool, error) {
	s, h, err := pair[sizedObject, Height](l, r)
	if err != nil {
		return nil, false, err
	}
	return Window{OID: s.OID, Width: s.Width, Height: h.Height}, true, nil
}

func applyMove(l, r flamingo.Fact) (flamingo.Fact, bool, error) {
	m, p, err := pair[Move, EffectivePosition](l, r)
	if err != nil {
		return nil, false, err
	}
	next := PositionChange{Target: m.Target, X: p.X, Y: p.Y}
	switch m.Direction {
	case AxisX:
		next.X += m.Distance
	case AxisY:
		next.Y += m.Distance
	default:
		return nil, false, fmt.Errorf("move along unknown axis %q", m.Direction)
	}
	return next, true, nil
}

func openAtOrigin(l, r flamingo.Fact) (flamingo.Fact, bool, error) {
	o, _, err := pair[OpenWindow, Window](l, r)
	if err != nil {
		return nil, false, err
	}
	return PositionChange{Target: o.Target}, true, nil
}

func renderWindow(l, r flamingo.Fact) (flamingo.Fact, bool, error) {
	p, w, err := pair[Position, Window](l, r)
	if err != nil {
		return nil, false, err
	}
	return WindowState{
		OID:    w.OID,
		X:      p.X,
		Y:      p.Y,
		Width:  w.Width,
		Height: w.Height,
		Color:  ColorOf(p.X, p.Y, w.Width, w.Height),
	}, true, nil
}
