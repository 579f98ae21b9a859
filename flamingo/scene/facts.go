// Package scene instantiates the fact store for window management:
// windows and monitors, their sizes, move and open actions, and the
// positions and colors derived from them.
package scene

import "github.com/d4hines/window-alm-3/flamingo"

// Relation names
const (
	ObjectRel            = "Object"
	AttributeRel         = "Attribute"
	ActionRel            = "Action"
	InFluentRel          = "InFluent"
	WindowRel            = "Window"
	EffectivePositionRel = "EffectivePosition"
	OutFluentRel         = "OutFluent"
	OutputRel            = "Output"
)

// Sort classifies objects
type Sort string

const (
	SortWindow  Sort = "Window"
	SortMonitor Sort = "Monitor"
)

// Axis is a direction of motion
type Axis string

const (
	AxisX Axis = "X"
	AxisY Axis = "Y"
)

// Color of a window, derived from whether it fits the visible area
type Color string

const (
	Blue Color = "blue"
	Red  Color = "red"
)

// VisibleExtent bounds the area a window must fit in to be blue
const VisibleExtent = 1000

// Object is a thing that exists in the scene
type Object struct {
	OID  int  `validate:"gte=0"`
	Sort Sort `validate:"oneof=Window Monitor"`
}

func (Object) Relation() string { return ObjectRel }

// Width is an Attribute variant
type Width struct {
	OID   int `validate:"gte=0"`
	Width int `validate:"gt=0"`
}

func (Width) Relation() string { return AttributeRel }

// Height is an Attribute variant
type Height struct {
	OID    int `validate:"gte=0"`
	Height int `validate:"gt=0"`
}

func (Height) Relation() string { return AttributeRel }

// Move moves a window by Distance along Direction. Action variant.
type Move struct {
	Target    int  `validate:"gte=0"`
	Distance  int
	Direction Axis `validate:"oneof=X Y"`
}

func (Move) Relation() string { return ActionRel }

// OpenWindow places a window at the origin. Action variant.
type OpenWindow struct {
	Target int `validate:"gte=0"`
}

func (OpenWindow) Relation() string { return ActionRel }

// Position is the durable position of a window, keyed by Target
type Position struct {
	Target int
	X, Y   int
}

func (Position) Relation() string { return InFluentRel }

// Window is an object of sort Window with both its dimensions known
type Window struct {
	OID    int
	Width  int
	Height int
}

func (Window) Relation() string { return WindowRel }

// EffectivePosition is the stored position of a window, or the origin
// when none has been stored yet
type EffectivePosition struct {
	Target int
	X, Y   int
}

func (EffectivePosition) Relation() string { return EffectivePositionRel }

// PositionChange is the position an action moves a window to
type PositionChange struct {
	Target int
	X, Y   int
}

func (PositionChange) Relation() string { return OutFluentRel }

// WindowState is what callers render for a window
type WindowState struct {
	OID    int
	X, Y   int
	Width  int
	Height int
	Color  Color
}

func (WindowState) Relation() string { return OutputRel }

// sizedObject is a window with its width joined but not yet its height
type sizedObject struct {
	OID   int
	Width int
}

func (sizedObject) Relation() string { return WindowRel }

// NewWindow returns the base facts describing a window
func NewWindow(oid, width, height int) []flamingo.Fact {
	return []flamingo.Fact{
		Object{OID: oid, Sort: SortWindow},
		Width{OID: oid, Width: width},
		Height{OID: oid, Height: height},
	}
}
