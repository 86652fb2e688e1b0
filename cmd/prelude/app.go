package main

import (
	"context"
	"log/slog"
	"time"

	"muniworks/prelude/internal/api"
	"muniworks/prelude/internal/clients"
	"muniworks/prelude/internal/config"
	"muniworks/prelude/internal/diagnostics"
	"muniworks/prelude/internal/harness"
	"muniworks/prelude/internal/orchestrator"
	"muniworks/prelude/internal/telemetry"
)

// AppContext holds all constructed application dependencies shared across
// subcommands. It is built once in PersistentPreRunE and referenced by
// server.go and run.go.
type AppContext struct {
	cfg          *config.Config
	otelProvider *telemetry.Provider
	supervisor   *orchestrator.Supervisor
	router       *api.Router
}

// buildAppContext constructs all application dependencies from cfg:
//  1. Initialises the OTEL provider (best-effort, non-fatal)
//  2. Creates one circuit breaker per client and sink
//  3. Creates the database and cloud clients plus any enabled report sinks
//  4. Creates the startup supervisor with the rehearsal UI hooks
//  5. Creates the HTTP router
func buildAppContext(cfg *config.Config) (*AppContext, error) {
	app := &AppContext{cfg: cfg}

	// OTEL is best-effort: a missing collector must never block startup.
	// When OTLPEndpoint is empty, telemetry is disabled entirely. This avoids
	// the SDK's 10s periodic-reader noise when no collector is running locally.
	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Info("OTEL telemetry disabled (no endpoint configured)")
	} else {
		tp, err := telemetry.InitProvider(
			context.Background(),
			cfg.Telemetry.OTLPEndpoint,
			cfg.Telemetry.ServiceName,
			cfg.Telemetry.OTLPInsecure,
		)
		if err != nil {
			slog.Warn("OTEL provider init failed, telemetry disabled", "err", err)
		} else {
			app.otelProvider = tp
		}
	}

	// One circuit breaker per dependency so each trips independently.
	pg := clients.NewPostgresClient(cfg.Startup.Postgres, clients.NewCircuitBreaker("postgres"))
	az := clients.NewAzureClient(cfg.Startup.Azure, clients.NewCircuitBreaker("azure"))

	var sinks []orchestrator.ReportSink
	if cfg.Diagnostics.NATS.URL != "" {
		sinks = append(sinks, diagnostics.NewNATSSink(cfg.Diagnostics.NATS, clients.NewCircuitBreaker("nats")))
	}
	if cfg.Diagnostics.Redis.Host != "" {
		sinks = append(sinks, diagnostics.NewRedisSink(cfg.Diagnostics.Redis, clients.NewCircuitBreaker("redis")))
	}

	app.supervisor = orchestrator.New(
		pg,
		az,
		sinks,
		rehearsalHooks(cfg.Startup.Rehearsal),
		harness.ReporterFunc(reportStartupError),
		orchestrator.Config{
			ObservationWindow: cfg.Startup.ObservationWindow,
			FallbackClose:     cfg.Startup.FallbackClose,
		},
	)
	app.router = api.NewRouter(app.supervisor)

	return app, nil
}

// rehearsalHooks builds the stand-in UI callables. The real host
// application injects its splash and main-window calls here; the CLI
// rehearses the same narrative with log lines and configurable delays.
func rehearsalHooks(rc config.RehearsalConfig) harness.Hooks {
	return harness.Hooks{
		ShowSplash:     stageAction("splash_screen", rc.SplashDelay),
		ShowMainWindow: stageAction("main_window", rc.MainDelay),
		CloseSplash:    stageAction("splash_close", 0),
	}
}

// stageAction returns an Action that logs a UI stage after an optional
// artificial delay. The delay makes slow-window scenarios, including
// the fallback close, reproducible from the command line.
func stageAction(stage string, delay time.Duration) harness.Action {
	return func(ctx context.Context) error {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		slog.InfoContext(ctx, "ui stage reached", "stage", stage)
		return nil
	}
}

// reportStartupError is the ErrorReporter for CLI runs. The host
// application replaces this with its crash reporting pipeline.
func reportStartupError(ctx context.Context, category string, err error) {
	slog.ErrorContext(ctx, "startup error reported", "category", category, "error", err)
}
