// Command weaverun is a minimal example driver for the weaveflow engine:
// it loads a YAML workflow file end-to-end and invokes the core. It is
// explicitly the out-of-scope "user-facing façade" SPEC_FULL.md section 1
// describes, kept intentionally thin -- real hosts are expected to write
// their own, wiring their own factory registry, exporters, and history
// backend instead of the illustrative ones below.
//
// Grounded on the reference codebase's cmd/petalflow/main.go (cobra root
// command, --verbose/--quiet/--no-color persistent flags, ExitError-coded
// process exit) and hydrate.go's flags > env > config-file provider
// credential cascade.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentethan/weaveflow/build"
	"github.com/agentethan/weaveflow/bus"
	"github.com/agentethan/weaveflow/history"
	"github.com/agentethan/weaveflow/ir"
	"github.com/agentethan/weaveflow/policy/ratelimit"
	"github.com/agentethan/weaveflow/resolve"
	"github.com/agentethan/weaveflow/schedule"
	"github.com/agentethan/weaveflow/telemetry"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

// exitError carries a process exit code alongside a cobra error, the same
// role cli.ExitError plays in the reference codebase's CLI.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:          "weaverun",
	Short:        "weaveflow example driver",
	Long:         "weaverun — an example CLI that loads a YAML workflow file and runs it against the weaveflow graph engine.",
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("weaverun version %s\n", version))
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	var (
		inputs       []string
		timeout      time.Duration
		schedCron    string
		provFlags    []string
		otlpEndpoint string
		eventsDB     string
	)

	cmd := &cobra.Command{
		Use:   "run [workflow.yaml]",
		Short: "Compile and run a workflow file once (or on a cron schedule)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			graphInputs, err := parseKeyValues(inputs)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			providerCreds, err := resolveProviderCredentials(provFlags)
			if err != nil {
				return &exitError{code: 2, err: err}
			}

			runner := schedule.NewRunner(nil)
			if otlpEndpoint != "" {
				tracer, shutdown, err := setupTracing(cmd.Context(), otlpEndpoint)
				if err != nil {
					return &exitError{code: 2, err: err}
				}
				defer func() { _ = shutdown(context.Background()) }()
				runner.WithTracer(tracer)
			}

			var exporters []bus.Exporter
			if eventsDB != "" {
				sink, err := telemetry.NewSQLiteSink(eventsDB)
				if err != nil {
					return &exitError{code: 2, err: err}
				}
				defer func() { _ = sink.Close() }()
				exporters = append(exporters, sink)
			}

			runOnce := func() error {
				g, reg, err := compile(path, providerCreds)
				if err != nil {
					return &exitError{code: 2, err: err}
				}
				defer func() { _ = reg.Close() }()
				histories, closeHistories, err := buildHistories(g)
				if err != nil {
					return &exitError{code: 2, err: err}
				}
				defer closeHistories()

				result := runner.Run(cmd.Context(), g, graphInputs, schedule.Options{
					Timeout:   timeout,
					Histories: histories,
					Exporters: exporters,
				})
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return &exitError{code: 1, err: err}
				}
				if result.Status != schedule.StatusSuccess {
					return &exitError{code: 1, err: fmt.Errorf("run finished with status %s", result.Status)}
				}
				return nil
			}

			if schedCron == "" {
				return runOnce()
			}
			return runOnSchedule(schedCron, runOnce)
		},
	}

	cmd.Flags().StringArrayVar(&inputs, "set", nil, "graph input, key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "run timeout (0 disables)")
	cmd.Flags().StringVar(&schedCron, "schedule", "", "run repeatedly on this cron expression instead of once")
	cmd.Flags().StringArrayVar(&provFlags, "provider-key", nil, "provider credential override, name=apikey (repeatable, highest priority)")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "export run/node spans to this OTLP/HTTP endpoint")
	cmd.Flags().StringVar(&eventsDB, "events-db", "", "record the run's event stream to this sqlite database")
	return cmd
}

// buildHistories binds each history declared by the graph to a concrete
// backend: "sqlite" entries persist via history.SQLiteBackend (config key
// "path" names the database file), everything else gets a process-local
// in-memory backend. The returned closer releases any opened databases.
func buildHistories(g *build.Graph) (map[string]schedule.HistoryBackend, func(), error) {
	out := make(map[string]schedule.HistoryBackend, len(g.Histories))
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for id, hc := range g.Histories {
		switch hc.Type {
		case "sqlite":
			dsn, _ := hc.Config["path"].(string)
			if dsn == "" {
				dsn = id + ".db"
			}
			backend, err := history.NewSQLiteBackend(dsn)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("binding history %q: %w", id, err)
			}
			closers = append(closers, func() { _ = backend.Close() })
			out[id] = backend
		default:
			out[id] = history.NewMemoryBackend()
		}
	}
	return out, closeAll, nil
}

// compile loads path, normalizes it, materializes every declared
// provider/tool/component through the sample factory set in factories.go, and
// compiles the result into an executable graph. The returned registry is
// handed back so the caller can Close materialized instances at teardown.
func compile(path string, creds map[string]string) (*build.Graph, *resolve.Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied workflow file path
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}

	raw, err := yamlToDocument(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	doc, warnings, err := ir.Normalize(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("normalizing %s: %w", path, err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "weaverun: warning: %s: %s\n", w.Path, w.Message)
	}

	reg := resolve.New(doc, sampleFactories(creds))
	rl := ratelimit.NewRegistry()

	g, err := build.Build(doc, reg, rl)
	if err != nil {
		return nil, nil, err
	}
	return g, reg, nil
}

// yamlToDocument parses YAML bytes into the map[string]any shape
// ir.Normalize requires, via the reference codebase's documented
// YAML -> any -> JSON -> map[string]any canonical parsing strategy
// (yaml.v3 already decodes maps as map[string]any, so the JSON round trip
// only needs to happen if a caller feeds this an io.Reader of raw bytes
// from a non-YAML source; kept here for parity with loader.yamlToJSON).
func yamlToDocument(data []byte) (map[string]any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func runOnSchedule(expr string, runOnce func() error) error {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		if err := runOnce(); err != nil {
			fmt.Fprintf(os.Stderr, "weaverun: scheduled run failed: %v\n", err)
		}
	})
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("invalid --schedule expression: %w", err)}
	}
	c.Start()
	defer c.Stop()
	select {} // runs until the process receives a signal
}

func parseKeyValues(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
