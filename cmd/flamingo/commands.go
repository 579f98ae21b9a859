package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/annotations"
	"github.com/d4hines/window-alm-3/flamingo/engine"
	"github.com/d4hines/window-alm-3/flamingo/executor"
	"github.com/d4hines/window-alm-3/flamingo/scene"
	"github.com/d4hines/window-alm-3/flamingo/storage"
)

var (
	configPath string
	verbose    bool
	logLevel   string
	history    bool
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "flamingo",
		Short:         "Incremental fact store driving a window scene",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "engine options file (YAML)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print transaction and rule annotations to stderr")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&history, "history", false, "enable the journal and print it on exit")

	root.AddCommand(newRunCommand())
	root.AddCommand(newDemoCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Replay a scenario and check its expected outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := scene.LoadScenario(args[0])
			if err != nil {
				return err
			}
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.Stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", sc.Name)
			if sc.Description != "" {
				fmt.Fprintf(out, "%s\n", sc.Description)
			}

			results, runErr := sc.Run(cmd.Context(), e)
			tf := newTableFormatter(out)
			for _, res := range results {
				fmt.Fprintf(out, "\n## step %d: %s\n", res.Index, res.Kind)
				if res.Kind == "dispatch" {
					fmt.Fprint(out, tf.FormatChanges(scene.OutputRel, res.Output))
				}
				if res.Checked && res.Matches() {
					fmt.Fprintln(out, "expected output matched")
				}
			}
			if err := printHistory(out, e); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			fmt.Fprintf(out, "\n%d steps passed\n", len(results))
			return nil
		},
	}
}

func newDemoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Open, move and overflow a pair of windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.Stop()
			return runDemo(cmd.Context(), cmd.OutOrStdout(), e)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flamingo %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
		},
	}
}

func newEngine() (*engine.Engine, error) {
	opts := engine.DefaultOptions()
	if configPath != "" {
		loaded, err := engine.LoadOptions(configPath)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}
	if history {
		opts.Journal.Enabled = true
	}
	logger := log.Logger.With().Str("component", "engine").Logger()
	opts.Logger = &logger
	if verbose {
		opts.Annotations = annotations.ConsoleHandler(os.Stderr)
	}

	prog, err := scene.NewProgram()
	if err != nil {
		return nil, err
	}
	return engine.New(prog, opts)
}

func newTableFormatter(w io.Writer) *executor.TableFormatter {
	tf := executor.NewTableFormatter()
	if f, ok := w.(*os.File); ok {
		tf.Color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return tf
}

func runDemo(ctx context.Context, out io.Writer, e *engine.Engine) error {
	tf := newTableFormatter(out)

	var base []flamingo.Fact
	base = append(base, scene.NewWindow(1, 300, 200)...)
	base = append(base, scene.NewWindow(2, 150, 150)...)
	base = append(base, scene.Object{OID: 9, Sort: scene.SortMonitor})
	if err := e.Add(ctx, base...); err != nil {
		return err
	}
	fmt.Fprintln(out, "Added windows 1 and 2 and monitor 9")

	steps := []struct {
		title   string
		actions []flamingo.Fact
	}{
		{"Open both windows", []flamingo.Fact{scene.OpenWindow{Target: 1}, scene.OpenWindow{Target: 2}}},
		{"Move window 1 right by 250", []flamingo.Fact{scene.Move{Target: 1, Distance: 250, Direction: scene.AxisX}}},
		{"Move window 2 down by 900", []flamingo.Fact{scene.Move{Target: 2, Distance: 900, Direction: scene.AxisY}}},
		{"Move monitor 9", []flamingo.Fact{scene.Move{Target: 9, Distance: 10, Direction: scene.AxisX}}},
	}
	for _, step := range steps {
		output, err := e.Dispatch(ctx, step.actions...)
		if err != nil {
			return fmt.Errorf("%s: %w", step.title, err)
		}
		fmt.Fprintf(out, "\n## %s\n", step.title)
		fmt.Fprint(out, tf.FormatChanges(scene.OutputRel, output))
	}

	snapshot, err := e.Snapshot(scene.OutputRel)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\n## Final scene")
	fmt.Fprint(out, tf.FormatChanges(scene.OutputRel, snapshot))
	return printHistory(out, e)
}

func printHistory(out io.Writer, e *engine.Engine) error {
	if !history {
		return nil
	}
	records, err := e.History(0, 0)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\n## History")
	tf := newTableFormatter(out)
	for _, rec := range records {
		label := fmt.Sprintf("tx %d (%s)", rec.TxID, rec.Kind)
		if rec.DispatchID != "" {
			label += " " + rec.DispatchID
		}
		fmt.Fprint(out, tf.FormatChanges(label, journalChanges(rec)))
	}
	return nil
}

// journalChanges presents a journal record through the table formatter;
// facts are already rendered, so each becomes a single-field row.
func journalChanges(rec storage.Record) []flamingo.Change {
	changes := make([]flamingo.Change, len(rec.Changes))
	for i, c := range rec.Changes {
		changes[i] = flamingo.Change{Fact: journalEntry{Rel: c.Relation, Fact: c.Fact}, Weight: c.Weight}
	}
	return changes
}

type journalEntry struct {
	Rel  string
	Fact string
}

func (journalEntry) Relation() string { return "journal" }
