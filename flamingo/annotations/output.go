package annotations

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// OutputFormatter formats events for human-readable display.
type OutputFormatter struct {
	useColor bool
	writer   io.Writer
	renderer *RelationRenderer
}

// NewOutputFormatter creates a formatter with color support detection.
func NewOutputFormatter(w io.Writer) *OutputFormatter {
	if w == nil {
		w = os.Stdout
	}

	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return &OutputFormatter{
		useColor: useColor,
		writer:   w,
		renderer: NewRelationRenderer(useColor),
	}
}

// Handle prints events as they occur
func (f *OutputFormatter) Handle(event Event) {
	output := f.Format(event)
	if output != "" {
		fmt.Fprintln(f.writer, output)
	}
}

// Format converts an event to a human-readable string.
func (f *OutputFormatter) Format(event Event) string {
	latency := f.formatLatency(event.Latency)
	d := event.Data

	switch event.Name {
	case TxBegin:
		return fmt.Sprintf("%s %s Transaction started", latency, f.colorize("===", color.FgYellow))

	case TxFlush:
		names, _ := d["relations"].([]string)
		sizes, _ := d["sizes"].(map[string]int)
		return fmt.Sprintf("%s Flush #%d changed %s",
			latency, intOf(d["flush"]), f.renderer.RenderDeltaSizes(names, sizes))

	case TxCommit:
		return fmt.Sprintf("%s %s Committed tx %v with %s",
			latency,
			f.colorize("===", color.FgGreen),
			d["tx.id"],
			f.colorizeCount("facts", intOf(d["facts.count"])))

	case TxRollback:
		return fmt.Sprintf("%s %s Rolled back: %v",
			latency, f.colorize("✗", color.FgRed), d["reason"])

	case RuleEvaluated:
		return fmt.Sprintf("%s Rule %s: %s → %s",
			latency,
			f.colorize(stringOf(d["rule"]), color.FgCyan),
			f.colorizeCount("facts", intOf(d["input.size"])),
			f.colorizeCount("facts", intOf(d["output.size"])))

	case LevelApplied:
		return fmt.Sprintf("%s Level %d applied %s",
			latency, intOf(d["level"]), f.colorizeCount("facts", intOf(d["facts.count"])))

	case StageJoin, StageAntijoin:
		op := "⋈"
		if event.Name == StageAntijoin {
			op = "▷"
		}
		return fmt.Sprintf("%s %s/%s %s",
			latency,
			stringOf(d["rule"]),
			stringOf(d["stage"]),
			f.renderer.RenderJoin(op, intOf(d["left.size"]), stringOf(d["arrangement"]),
				intOf(d["right.size"]), intOf(d["result.size"])))

	case DispatchPhase:
		return fmt.Sprintf("%s %s Dispatch %s phase %d: %s",
			latency,
			f.colorize("---", color.FgYellow),
			shortID(stringOf(d["dispatch.id"])),
			intOf(d["phase"]),
			f.colorizeCount("facts", intOf(d["facts.count"])))

	case DispatchCompleted:
		if ok, _ := d["success"].(bool); !ok {
			return fmt.Sprintf("%s %s Dispatch %s failed: %v",
				latency, f.colorize("✗", color.FgRed), shortID(stringOf(d["dispatch.id"])), d["error"])
		}
		return fmt.Sprintf("%s %s Dispatch %s done with %s",
			latency,
			f.colorize("===", color.FgGreen),
			shortID(stringOf(d["dispatch.id"])),
			f.colorizeCount("outputs", intOf(d["output.count"])))

	case ErrorRule:
		return fmt.Sprintf("%s %s Rule %s stage %s: %v",
			latency, f.colorize("✗", color.FgRed), stringOf(d["rule"]), stringOf(d["stage"]), d["error"])

	default:
		return fmt.Sprintf("%s %s %v", latency, event.Name, event.Data)
	}
}

// formatLatency formats a duration as [XXXms] or [XXXµs] with color coding.
func (f *OutputFormatter) formatLatency(d time.Duration) string {
	if d < time.Millisecond {
		s := fmt.Sprintf("[%dµs]", d.Microseconds())
		if !f.useColor {
			return s
		}
		return color.GreenString(s)
	}

	ms := float64(d.Microseconds()) / 1000.0
	s := fmt.Sprintf("[%.1fms]", ms)

	if !f.useColor {
		return s
	}

	switch {
	case ms < 50:
		return color.GreenString(s)
	case ms < 200:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

// colorizeCount formats a count with a label, using color based on the label type.
func (f *OutputFormatter) colorizeCount(label string, count int) string {
	text := fmt.Sprintf("%d %s", count, label)

	if !f.useColor {
		return text
	}

	switch strings.ToLower(label) {
	case "facts":
		return color.MagentaString(text)
	case "outputs":
		return color.CyanString(text)
	default:
		return text
	}
}

// colorize applies color if enabled.
func (f *OutputFormatter) colorize(text string, attrs ...color.Attribute) string {
	if !f.useColor {
		return text
	}
	return color.New(attrs...).Sprint(text)
}

func intOf(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	}
	return 0
}

func stringOf(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// shortID keeps the first block of a UUID
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// ConsoleHandler creates a handler that prints formatted events to w.
func ConsoleHandler(w io.Writer) Handler {
	return NewOutputFormatter(w).Handle
}
