package executor

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/d4hines/window-alm-3/flamingo"
)

// TableFormatter renders deltas and snapshots as markdown tables
type TableFormatter struct {
	// Color marks insertions green and retractions red
	Color bool
}

// NewTableFormatter creates a new table formatter with default settings
func NewTableFormatter() *TableFormatter {
	return &TableFormatter{}
}

// FormatChanges formats the changes of one relation. Changes of a single
// variant get one column per field; mixed variants are shown whole.
func (tf *TableFormatter) FormatChanges(relation string, changes []flamingo.Change) string {
	if len(changes) == 0 {
		return fmt.Sprintf("_%s: no changes_\n", relation)
	}

	variant := flamingo.Variant(changes[0].Fact)
	uniform := true
	for _, c := range changes[1:] {
		if flamingo.Variant(c.Fact) != variant {
			uniform = false
			break
		}
	}

	var headers []string
	if uniform {
		headers = append([]string{"±"}, flamingo.FieldNames(changes[0].Fact)...)
	} else {
		headers = []string{"±", "variant", "fact"}
	}

	rows := make([][]string, len(changes))
	for i, c := range changes {
		row := []string{tf.formatWeight(c.Weight)}
		if uniform {
			for _, v := range flamingo.Fields(c.Fact) {
				row = append(row, formatValue(v))
			}
		} else {
			row = append(row, flamingo.Variant(c.Fact), flamingo.FormatFact(c.Fact))
		}
		rows[i] = row
	}

	out := &strings.Builder{}
	fmt.Fprintf(out, "**%s**\n\n", relation)
	tf.render(out, headers, rows)
	fmt.Fprintf(out, "\n_%d changes_\n", len(changes))
	return out.String()
}

// FormatAll formats every relation of a change set in name order
func (tf *TableFormatter) FormatAll(changes flamingo.Changes) string {
	var b strings.Builder
	for _, rel := range changes.Relations() {
		b.WriteString(tf.FormatChanges(rel, changes[rel].Sorted()))
		b.WriteString("\n")
	}
	return b.String()
}

func (tf *TableFormatter) render(out *strings.Builder, headers []string, rows [][]string) {
	alignment := make([]tw.Align, len(headers))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}

	table := tablewriter.NewTable(out,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(headers)
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}

func (tf *TableFormatter) formatWeight(w int) string {
	s := fmt.Sprintf("%+d", w)
	if !tf.Color {
		return s
	}
	if w > 0 {
		return color.GreenString(s)
	}
	return color.RedString(s)
}

// formatValue converts a value to a string representation
func formatValue(val interface{}) string {
	if val == nil {
		return "nil"
	}

	switch v := val.(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%.2f", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
