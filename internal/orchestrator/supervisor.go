package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"muniworks/prelude/internal/harness"
	"muniworks/prelude/internal/sequencer"
)

// ErrStartupInProgress is returned when RunStartup is called while a
// startup run is already active.
var ErrStartupInProgress = errors.New("startup already in progress")

// resolveGrace is how long a run waits, after its context dies, for the
// sequence to observe the cancellation and resolve, so the report
// reflects the terminal outcome instead of a snapshot.
const resolveGrace = 2 * time.Second

// sinkTimeout bounds report fan-out so a wedged sink cannot hold a
// finished run hostage.
const sinkTimeout = 5 * time.Second

// DatabasePreparer is satisfied by *clients.PostgresClient.
type DatabasePreparer interface {
	EnsureDatabase(ctx context.Context) error
	ValidateSchema(ctx context.Context) error
	Probe(ctx context.Context) ProbeResult
}

// CloudInitializer is satisfied by *clients.AzureClient.
type CloudInitializer interface {
	Initialize(ctx context.Context) error
	Probe(ctx context.Context) ProbeResult
}

// ReportSink receives the finished report of every startup run. The
// diagnostics package provides the NATS and Redis implementations.
type ReportSink interface {
	Name() string
	Record(ctx context.Context, report *StartupReport) error
	Probe(ctx context.Context) ProbeResult
}

// Config carries the harness timing for supervised runs.
type Config struct {
	ObservationWindow time.Duration
	FallbackClose     time.Duration
}

// Supervisor runs the full startup sequence behind the splash narrative
// and keeps the latest report for the API. At most one run is active at
// a time; each run gets a fresh sequencer and harness.
type Supervisor struct {
	db       DatabasePreparer
	cloud    CloudInitializer
	sinks    []ReportSink
	hooks    harness.Hooks
	reporter harness.ErrorReporter
	cfg      Config

	startupInProgress atomic.Bool
	lastReport        *StartupReport
	reportMu          sync.RWMutex
}

// New constructs a Supervisor. The concrete client and sink types
// satisfy the interfaces defined in this package.
func New(db DatabasePreparer, cloud CloudInitializer, sinks []ReportSink, hooks harness.Hooks, reporter harness.ErrorReporter, cfg Config) *Supervisor {
	return &Supervisor{
		db:       db,
		cloud:    cloud,
		sinks:    sinks,
		hooks:    hooks,
		reporter: reporter,
		cfg:      cfg,
	}
}

// RunStartup runs one complete startup: the three-step background
// sequence with the splash/main-window narrative around it, then fans
// the finished report out to the configured sinks. Step failures land
// in the report (StatusError), not in the error return, which is
// reserved for the in-progress guard and for the context dying before
// the sequence resolves.
func (s *Supervisor) RunStartup(ctx context.Context) (*StartupReport, error) {
	if !s.startupInProgress.CompareAndSwap(false, true) {
		return nil, ErrStartupInProgress
	}
	defer s.startupInProgress.Store(false)

	startedAt := time.Now().UTC()
	slog.InfoContext(ctx, "startup run started")

	seq := sequencer.New(s.db.EnsureDatabase, s.db.ValidateSchema, s.cloud.Initialize)
	h := harness.New(seq.Signal(), harness.Config{
		ObservationWindow: s.cfg.ObservationWindow,
		FallbackClose:     s.cfg.FallbackClose,
	}, s.hooks, s.reporter)

	// The sequence runs in the background; the narrative waits on it
	// only for the observation window. Errors surface through the
	// completion signal.
	go func() {
		_, _ = seq.Execute(ctx)
	}()

	// The narrative re-raises background failures it observed within the
	// window; those also arrive in the outcome below, so here they are
	// only logged.
	if err := h.Start(ctx); err != nil {
		slog.WarnContext(ctx, "startup narrative error", "error", err)
	}

	out, err := seq.Signal().Wait(ctx)
	if err != nil {
		// The context died mid-sequence. Give the sequence a beat to
		// observe the cancellation and resolve.
		graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveGrace)
		out, err = seq.Signal().Wait(graceCtx)
		cancel()
	}
	completedAt := time.Now().UTC()

	report := &StartupReport{
		StepOrder:   seq.StepOrder(),
		Events:      h.Events(),
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Host:        hostname(),
	}
	switch {
	case err != nil:
		// A step is ignoring its context; report what is known.
		report.Status = StatusError
		report.Error = "timed out awaiting background initialization"
	case out.State == sequencer.StateCompleted:
		report.Status = StatusOK
		report.Metrics = out.Metrics
	case out.State == sequencer.StateCancelled:
		report.Status = StatusCancelled
		if out.Err != nil {
			report.Error = out.Err.Error()
		}
	default:
		report.Status = StatusError
		if out.Err != nil {
			report.Error = out.Err.Error()
		}
	}

	s.reportMu.Lock()
	s.lastReport = report
	s.reportMu.Unlock()

	s.recordReport(ctx, report)

	if report.Status == StatusOK {
		slog.InfoContext(ctx, "startup run complete",
			"status", report.Status, "total_ms", report.Metrics[sequencer.MetricTotal])
	} else {
		slog.WarnContext(ctx, "startup run did not complete cleanly",
			"status", report.Status, "error", report.Error)
	}

	return report, nil
}

// recordReport fans the report out to every sink. Recording outlives a
// cancelled run (bounded by sinkTimeout) so aborted startups still reach
// the fleet diagnostics. Sink failures are logged, never fatal.
func (s *Supervisor) recordReport(ctx context.Context, report *StartupReport) {
	if len(s.sinks) == 0 {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	for _, sink := range s.sinks {
		if err := sink.Record(recordCtx, report); err != nil {
			slog.WarnContext(ctx, "startup report sink failed", "sink", sink.Name(), "error", err)
		}
	}
}

// RunDeepHealth concurrently probes every dependency the supervisor
// touches and returns a map of dependency name to ProbeResult.
func (s *Supervisor) RunDeepHealth(ctx context.Context) map[string]ProbeResult {
	results := make(map[string]ProbeResult, 2+len(s.sinks))
	var mu sync.Mutex
	var g errgroup.Group

	g.Go(func() error {
		probe := s.db.Probe(ctx)
		mu.Lock()
		results["database"] = probe
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		probe := s.cloud.Probe(ctx)
		mu.Lock()
		results["azure"] = probe
		mu.Unlock()
		return nil
	})

	for _, sink := range s.sinks {
		g.Go(func() error {
			probe := sink.Probe(ctx)
			mu.Lock()
			results[sink.Name()] = probe
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// IsStartupInProgress returns true while a startup run is active.
func (s *Supervisor) IsStartupInProgress() bool {
	return s.startupInProgress.Load()
}

// IsReady returns true if the last startup run completed with StatusOK.
func (s *Supervisor) IsReady() bool {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	return s.lastReport != nil && s.lastReport.Status == StatusOK
}

// LastReport returns the report of the most recent run, or nil when no
// run has finished yet.
func (s *Supervisor) LastReport() *StartupReport {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	return s.lastReport
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
