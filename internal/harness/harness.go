package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"muniworks/prelude/internal/sequencer"
)

// Default timing for the splash narrative when the caller supplies none.
const (
	DefaultObservationWindow = 3 * time.Second
	DefaultFallbackClose     = 10 * time.Second
)

// Event tags recorded in the harness event log.
const (
	EventSplashShown             = "splash_shown"
	EventBackgroundComplete      = "background_complete"
	EventBackgroundPending       = "background_pending"
	EventBackgroundCompleteAsync = "background_complete_async"
	EventBackgroundFailure       = "background_failure"
	EventBackgroundCancelled     = "background_cancelled"
	EventFallbackClose           = "fallback_close"
	EventSplashClosed            = "splash_closed"
)

// CategoryBackgroundInit tags background initialization failures handed
// to the error reporter.
const CategoryBackgroundInit = "BackgroundInitialization"

// Action is an injected UI callable. It returns once the corresponding
// visual action is logically done. Actions are expected to honor ctx.
type Action func(ctx context.Context) error

// Hooks carries the UI callables the harness drives. Nil members are
// replaced with no-ops at construction so partial wiring stays safe.
type Hooks struct {
	ShowSplash     Action
	ShowMainWindow Action
	CloseSplash    Action
}

// ErrorReporter receives background initialization failures together
// with a category tag.
type ErrorReporter interface {
	Report(ctx context.Context, category string, err error)
}

// ReporterFunc adapts a plain function to ErrorReporter.
type ReporterFunc func(ctx context.Context, category string, err error)

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, category string, err error) {
	f(ctx, category, err)
}

// Config bounds the two waits in the startup narrative.
type Config struct {
	// ObservationWindow is how long the splash waits for background
	// initialization before moving on without it.
	ObservationWindow time.Duration
	// FallbackClose bounds how long the splash stays up once the main
	// window has been asked to show.
	FallbackClose time.Duration
}

// Harness drives the splash -> main window narrative around one startup
// run. It observes the sequencer's completion signal for a bounded
// window and never blocks the narrative on background work, keeping an
// append-only event log of what the user would have seen. One harness
// serves one run; build a fresh one per startup attempt.
type Harness struct {
	cfg      Config
	hooks    Hooks
	signal   *sequencer.CompletionSignal
	reporter ErrorReporter

	mu     sync.Mutex
	events []string
}

// New builds a harness observing the given completion signal. Zero or
// negative durations in cfg fall back to the package defaults; a nil
// reporter disables failure forwarding.
func New(signal *sequencer.CompletionSignal, cfg Config, hooks Hooks, reporter ErrorReporter) *Harness {
	if cfg.ObservationWindow <= 0 {
		cfg.ObservationWindow = DefaultObservationWindow
	}
	if cfg.FallbackClose <= 0 {
		cfg.FallbackClose = DefaultFallbackClose
	}
	if hooks.ShowSplash == nil {
		hooks.ShowSplash = nopAction
	}
	if hooks.ShowMainWindow == nil {
		hooks.ShowMainWindow = nopAction
	}
	if hooks.CloseSplash == nil {
		hooks.CloseSplash = nopAction
	}
	return &Harness{
		cfg:      cfg,
		hooks:    hooks,
		signal:   signal,
		reporter: reporter,
	}
}

// Start runs the startup narrative: show the splash, observe the
// completion signal for the observation window, show the main window
// bounded by the fallback-close timeout, close the splash. The main
// window is shown in every failure and cancellation path. Start returns
// the background error when the failure was observed within the window
// (after the full UI flow ran); failures landing later are recorded and
// reported by the continuation and absorbed here.
func (h *Harness) Start(ctx context.Context) error {
	if err := h.hooks.ShowSplash(ctx); err != nil {
		return fmt.Errorf("showing splash: %w", err)
	}
	h.record(ctx, EventSplashShown)

	var bgErr error
	select {
	case <-h.signal.Done():
		out := h.signal.Outcome()
		switch out.State {
		case sequencer.StateCompleted:
			h.record(ctx, EventBackgroundComplete)
		case sequencer.StateFailed:
			h.record(ctx, EventBackgroundFailure)
			h.report(ctx, out.Err)
			bgErr = out.Err
		case sequencer.StateCancelled:
			h.record(ctx, EventBackgroundCancelled)
		}
	case <-time.After(h.cfg.ObservationWindow):
		h.record(ctx, EventBackgroundPending)
		go h.observeCompletion(ctx)
	case <-ctx.Done():
		h.closeSplash(context.WithoutCancel(ctx))
		return ctx.Err()
	}

	mainDone := make(chan error, 1)
	go func() {
		mainDone <- h.hooks.ShowMainWindow(ctx)
	}()
	select {
	case err := <-mainDone:
		if err != nil {
			slog.WarnContext(ctx, "main window hook failed", "error", err)
		}
	case <-time.After(h.cfg.FallbackClose):
		// Race semantics only: the hook keeps running, the splash
		// comes down regardless.
		h.record(ctx, EventFallbackClose)
	case <-ctx.Done():
		h.closeSplash(context.WithoutCancel(ctx))
		return ctx.Err()
	}

	h.closeSplash(ctx)
	return bgErr
}

// observeCompletion is the post-window continuation. It records the
// eventual outcome whenever the signal resolves, independent of the
// main narrative, and gives up only if ctx dies first.
func (h *Harness) observeCompletion(ctx context.Context) {
	select {
	case <-h.signal.Done():
		out := h.signal.Outcome()
		switch out.State {
		case sequencer.StateCompleted:
			h.record(ctx, EventBackgroundCompleteAsync)
		case sequencer.StateFailed:
			h.record(ctx, EventBackgroundFailure)
			h.report(ctx, out.Err)
		case sequencer.StateCancelled:
			h.record(ctx, EventBackgroundCancelled)
		}
	case <-ctx.Done():
	}
}

func (h *Harness) closeSplash(ctx context.Context) {
	if err := h.hooks.CloseSplash(ctx); err != nil {
		slog.WarnContext(ctx, "splash close hook failed", "error", err)
	}
	h.record(ctx, EventSplashClosed)
}

func (h *Harness) report(ctx context.Context, err error) {
	if h.reporter == nil {
		return
	}
	h.reporter.Report(ctx, CategoryBackgroundInit, err)
}

// record appends the event tag and mirrors it to the log.
func (h *Harness) record(ctx context.Context, event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	slog.InfoContext(ctx, "startup event", "event", event)
}

// Events returns a copy of the event log in record order.
func (h *Harness) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func nopAction(_ context.Context) error { return nil }
