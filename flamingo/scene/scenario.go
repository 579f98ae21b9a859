package scene

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/d4hines/window-alm-3/flamingo"
)

// Scenario is a replayable sequence of steps against a fresh engine
type Scenario struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description,omitempty"`
	Steps       []Step `yaml:"steps" validate:"required,min=1,dive"`
}

// Step adds objects, removes them or dispatches actions. Expect, when
// present, is compared with the Output changes of the step.
type Step struct {
	Add      *Objects         `yaml:"add,omitempty"`
	Remove   *Objects         `yaml:"remove,omitempty"`
	Dispatch []ActionSpec     `yaml:"dispatch,omitempty" validate:"omitempty,dive"`
	Expect   []ExpectedOutput `yaml:"expect,omitempty" validate:"omitempty,dive"`
}

// Objects lists windows and monitors
type Objects struct {
	Windows  []WindowSpec  `yaml:"windows,omitempty" validate:"dive"`
	Monitors []MonitorSpec `yaml:"monitors,omitempty" validate:"dive"`
}

// WindowSpec describes a window and its size
type WindowSpec struct {
	OID    int `yaml:"oid" validate:"gte=0"`
	Width  int `yaml:"width" validate:"gt=0"`
	Height int `yaml:"height" validate:"gt=0"`
}

// MonitorSpec describes a monitor
type MonitorSpec struct {
	OID int `yaml:"oid" validate:"gte=0"`
}

// ActionSpec describes one action of a dispatch
type ActionSpec struct {
	Type      string `yaml:"type" validate:"oneof=move open"`
	Target    int    `yaml:"target" validate:"gte=0"`
	Distance  int    `yaml:"distance,omitempty"`
	Direction string `yaml:"direction,omitempty" validate:"omitempty,oneof=X Y"`
}

// ExpectedOutput is one expected Output change
type ExpectedOutput struct {
	Op     int    `yaml:"op" validate:"oneof=-1 1"`
	OID    int    `yaml:"oid"`
	X      int    `yaml:"x"`
	Y      int    `yaml:"y"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Color  string `yaml:"color" validate:"oneof=blue red"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadScenario reads and validates a scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := validate.Struct(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", sc.Name, err)
	}
	for i, step := range sc.Steps {
		n := 0
		if step.Add != nil {
			n++
		}
		if step.Remove != nil {
			n++
		}
		if len(step.Dispatch) > 0 {
			n++
		}
		if n != 1 {
			return nil, fmt.Errorf("invalid scenario %q: step %d must have exactly one of add, remove, dispatch", sc.Name, i+1)
		}
	}
	return &sc, nil
}

// Facts returns the base facts of the listed objects
func (o *Objects) Facts() []flamingo.Fact {
	var facts []flamingo.Fact
	for _, w := range o.Windows {
		facts = append(facts, NewWindow(w.OID, w.Width, w.Height)...)
	}
	for _, m := range o.Monitors {
		facts = append(facts, Object{OID: m.OID, Sort: SortMonitor})
	}
	return facts
}

// Fact converts the description into an Action fact
func (a ActionSpec) Fact() flamingo.Fact {
	if a.Type == "open" {
		return OpenWindow{Target: a.Target}
	}
	return Move{Target: a.Target, Distance: a.Distance, Direction: Axis(a.Direction)}
}

// Change converts the expectation into an Output change
func (e ExpectedOutput) Change() flamingo.Change {
	return flamingo.Change{
		Fact: WindowState{
			OID:    e.OID,
			X:      e.X,
			Y:      e.Y,
			Width:  e.Width,
			Height: e.Height,
			Color:  Color(e.Color),
		},
		Weight: e.Op,
	}
}

// Driver is the part of the engine a scenario needs
type Driver interface {
	Add(ctx context.Context, facts ...flamingo.Fact) error
	Remove(ctx context.Context, facts ...flamingo.Fact) error
	Dispatch(ctx context.Context, actions ...flamingo.Fact) ([]flamingo.Change, error)
}

// StepResult is the outcome of one step
type StepResult struct {
	Index    int
	Kind     string
	Output   []flamingo.Change
	Expected []flamingo.Change
	Checked  bool
}

// Matches reports whether the step produced what it expected
func (r StepResult) Matches() bool {
	if !r.Checked {
		return true
	}
	if len(r.Output) != len(r.Expected) {
		return false
	}
	for i := range r.Output {
		if r.Output[i] != r.Expected[i] {
			return false
		}
	}
	return true
}

// MismatchError reports a step whose output differed from its expectation
type MismatchError struct {
	Scenario string
	Result   StepResult
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("scenario %q step %d: expected %s, got %s",
		e.Scenario, e.Result.Index, formatChanges(e.Result.Expected), formatChanges(e.Result.Output))
}

func formatChanges(changes []flamingo.Change) string {
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = fmt.Sprintf("%+d %s", c.Weight, flamingo.FormatFact(c.Fact))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Run replays the scenario. It stops at the first failing step; a
// mismatch is reported as a *MismatchError alongside the results so far.
func (sc *Scenario) Run(ctx context.Context, d Driver) ([]StepResult, error) {
	results := make([]StepResult, 0, len(sc.Steps))
	for i, step := range sc.Steps {
		res := StepResult{Index: i + 1}
		var err error
		switch {
		case step.Add != nil:
			res.Kind = "add"
			err = d.Add(ctx, step.Add.Facts()...)
		case step.Remove != nil:
			res.Kind = "remove"
			err = d.Remove(ctx, step.Remove.Facts()...)
		default:
			res.Kind = "dispatch"
			actions := make([]flamingo.Fact, len(step.Dispatch))
			for j, a := range step.Dispatch {
				actions[j] = a.Fact()
			}
			res.Output, err = d.Dispatch(ctx, actions...)
		}
		if err != nil {
			return results, fmt.Errorf("scenario %q step %d (%s): %w", sc.Name, res.Index, res.Kind, err)
		}

		if step.Expect != nil {
			res.Checked = true
			for _, e := range step.Expect {
				res.Expected = append(res.Expected, e.Change())
			}
			flamingo.SortChanges(res.Expected)
		}
		results = append(results, res)
		if !res.Matches() {
			return results, &MismatchError{Scenario: sc.Name, Result: res}
		}
	}
	return results, nil
}
