package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackform/stackform/pkg/config"
	"github.com/stackform/stackform/pkg/engine"
	"github.com/stackform/stackform/pkg/providers/mem"
	"github.com/stackform/stackform/pkg/stores"
	"github.com/stackform/stackform/pkg/telemetry"
)

var (
	// Global flags
	settingsPath string
	logLevel     string
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackform",
		Short: "Stackform - Declarative Resource Reconciliation Engine",
		Long: `Stackform reconciles declared resources against recorded state.

It reads CUE declarations, diffs them against the state store, plans
create/update/replace/destroy actions ordered by dependency waves, and
applies the plan through providers with bounded parallelism and
transient-failure retries.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "stackform.yaml", "settings file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newRefreshCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// app bundles everything a command needs at runtime: loaded settings,
// a configured logger, the state store behind the chosen backend, the
// provider registry, and a reconciler over all of them.
type app struct {
	settings   *config.Settings
	logger     zerolog.Logger
	store      engine.StateStore
	registry   *engine.Registry
	reconciler *engine.Reconciler
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer

	closers []func() error
}

// newApp loads settings and wires the runtime. Close must be called
// when the command finishes.
func newApp(ctx context.Context) (*app, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	logCfg := telemetry.LoggingConfig{
		Level:  settings.Telemetry.LogLevel,
		Format: settings.Telemetry.LogFormat,
		Output: "stderr",
	}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	logger, err := telemetry.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}

	a := &app{settings: settings, logger: logger}

	switch settings.State.Backend {
	case "sqlite":
		store, err := stores.NewSQLiteStore(ctx, settings.State.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite state at %s: %w", settings.State.Path, err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	default:
		a.store = stores.NewFileStore(settings.State.Path)
	}

	a.registry = engine.NewRegistry()
	mem.NewDefault().Register(a.registry)

	opts := engine.ExecOptions{
		MaxParallel: settings.Execution.MaxParallel,
		MaxRetries:  settings.Execution.MaxRetries,
		BaseBackoff: settings.Execution.BaseBackoff,
		MaxBackoff:  settings.Execution.MaxBackoff,
	}
	a.reconciler = engine.NewReconciler(a.registry, a.store, opts, settings.State.LockTimeout, logger)

	if settings.Telemetry.MetricsAddress != "" {
		a.metrics = telemetry.NewMetrics(telemetry.MetricsConfig{
			Enabled:       true,
			ListenAddress: settings.Telemetry.MetricsAddress,
			Path:          "/metrics",
			Namespace:     "stackform",
		})
		go func() {
			if err := a.metrics.Serve(ctx); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	if settings.Telemetry.TraceEndpoint != "" {
		tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
			Enabled:      true,
			Exporter:     "otlp",
			Endpoint:     settings.Telemetry.TraceEndpoint,
			SamplingRate: 1.0,
			Insecure:     true,
		}, "stackform", "", "")
		if err != nil {
			return nil, err
		}
		a.tracer = tracer
		a.closers = append(a.closers, func() error {
			return tracer.Shutdown(context.Background())
		})
	}

	return a, nil
}

// startSpan opens a run span when tracing is configured. The returned
// finish func records err and ends the span.
func (a *app) startSpan(ctx context.Context, operation string) (context.Context, trace.Span, func(err error)) {
	if a.tracer == nil {
		return ctx, trace.SpanFromContext(ctx), func(error) {}
	}
	ctx, span := a.tracer.StartRun(ctx, operation)
	return ctx, span, func(err error) {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}
}

// Close releases the app's resources in reverse acquisition order.
func (a *app) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// parseSources evaluates the declaration sources given on the command
// line, defaulting to the current directory.
func (a *app) parseSources(args []string) ([]*engine.Resource, error) {
	sources := args
	if len(sources) == 0 {
		sources = []string{"."}
	}
	result, err := config.NewParser().Parse(sources)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	a.logger.Debug().
		Int("resources", len(result.Resources)).
		Strs("sources", result.SourceFiles).
		Msg("declarations parsed")
	return result.Resources, nil
}
