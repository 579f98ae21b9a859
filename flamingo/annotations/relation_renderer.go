package annotations

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// RelationRenderer pretty-prints relation deltas in event output
type RelationRenderer struct {
	useColor bool
}

// NewRelationRenderer creates a new relation renderer
func NewRelationRenderer(useColor bool) *RelationRenderer {
	return &RelationRenderer{useColor: useColor}
}

// RenderRelation renders a relation name with its fact count
func (r *RelationRenderer) RenderRelation(name string, facts int) string {
	if r.useColor {
		return fmt.Sprintf("%s%s%s%s",
			color.BlueString("Relation("),
			color.CyanString(name),
			color.BlueString(", "),
			r.colorizeCount("Facts", facts)+color.BlueString(")"))
	}
	return fmt.Sprintf("Relation(%s, %d Facts)", name, facts)
}

// RenderDeltaSizes renders per-relation delta sizes in name order
func (r *RelationRenderer) RenderDeltaSizes(names []string, sizes map[string]int) string {
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = r.RenderRelation(name, sizes[name])
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// RenderJoin renders a join: left delta x arrangement -> output
func (r *RelationRenderer) RenderJoin(op string, left int, arrangement string, right int, result int) string {
	joinOp := " " + op + " "
	arrow := " → "
	if r.useColor {
		joinOp = color.YellowString(joinOp)
		arrow = color.YellowString(arrow)
	}
	return fmt.Sprintf("Δ(%s)%s%s%s%s",
		r.colorizeCount("Facts", left),
		joinOp,
		r.RenderRelation(arrangement, right),
		arrow,
		r.colorizeCount("Facts", result))
}

// colorizeCount formats a count with color based on size
func (r *RelationRenderer) colorizeCount(label string, count int) string {
	if !r.useColor {
		return fmt.Sprintf("%d %s", count, label)
	}

	countStr := fmt.Sprintf("%d", count)

	switch {
	case count == 0:
		countStr = color.RedString(countStr)
	case count < 100:
		countStr = color.GreenString(countStr)
	case count < 10000:
		countStr = color.YellowString(countStr)
	default:
		countStr = color.RedString(countStr)
	}

	return fmt.Sprintf("%s %s", countStr, label)
}
