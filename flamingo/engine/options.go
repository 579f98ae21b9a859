package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/annotations"
	"github.com/d4hines/window-alm-3/flamingo/storage"
)

// PhaseHook runs between the two phases of a dispatch while its
// transaction is still open. It receives the phase-1 changes; an error
// aborts the dispatch. It must not call Query or Snapshot, which wait for
// the transaction to finish.
type PhaseHook func(ctx context.Context, dispatchID string, phase1 flamingo.Changes) error

// MetricsOptions configures Prometheus metrics
type MetricsOptions struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"omitempty,alphanum"`
}

// JournalOptions configures the commit journal
type JournalOptions struct {
	Enabled bool `yaml:"enabled"`
	// Retention is the TTL of journal records; 0 keeps them forever
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// Options configures an Engine
type Options struct {
	// Workers bounds concurrent rule evaluation (0 = NumCPU)
	Workers            int            `yaml:"workers" validate:"gte=0,lte=1024"`
	Metrics            MetricsOptions `yaml:"metrics"`
	Journal            JournalOptions `yaml:"journal"`
	SubscriptionBuffer int            `yaml:"subscription_buffer" validate:"gte=1,lte=65536"`

	Logger      *zerolog.Logger     `yaml:"-" validate:"-"`
	Annotations annotations.Handler `yaml:"-" validate:"-"`
	PhaseHook   PhaseHook           `yaml:"-" validate:"-"`
	FaultHook   storage.FaultHook   `yaml:"-" validate:"-"`
}

// DefaultOptions returns options with metrics and the journal disabled
func DefaultOptions() Options {
	return Options{
		Workers:            0,
		Metrics:            MetricsOptions{Namespace: "flamingo"},
		Journal:            JournalOptions{Retention: 24 * time.Hour},
		SubscriptionBuffer: 64,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks option bounds
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// LoadOptions reads options from a YAML file over DefaultOptions
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func (o Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}
