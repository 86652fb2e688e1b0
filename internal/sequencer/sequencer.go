package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "muni-prelude"

// ErrAlreadyStarted is returned when Execute is called on a sequencer
// that has already run. A Sequencer is single-use; build a new one per
// startup attempt.
var ErrAlreadyStarted = errors.New("startup sequence already started")

// StepFunc is one unit of background initialization work. Actions are
// expected to honor ctx and return promptly once it is done; the
// sequencer never pre-empts a running action.
type StepFunc func(ctx context.Context) error

// Step pairs a named action with the metrics key its duration is
// recorded under.
type Step struct {
	Name      string
	MetricKey string
	Run       StepFunc
}

// Sequencer runs the fixed three-step background initialization sequence
// strictly in order and publishes the terminal outcome through a
// CompletionSignal that any number of observers can wait on.
type Sequencer struct {
	steps  []Step
	signal *CompletionSignal

	started atomic.Bool

	mu      sync.Mutex
	state   string
	order   []string
	metrics []StepMetric
}

// New builds a single-use sequencer over the three initialization
// actions in their fixed order: ensure_database, validate_schema,
// initialize_azure.
func New(ensureDatabase, validateSchema, initializeAzure StepFunc) *Sequencer {
	return &Sequencer{
		steps: []Step{
			{Name: StepEnsureDatabase, MetricKey: MetricEnsureDatabase, Run: ensureDatabase},
			{Name: StepValidateSchema, MetricKey: MetricValidateSchema, Run: validateSchema},
			{Name: StepInitializeAzure, MetricKey: MetricInitializeAzure, Run: initializeAzure},
		},
		signal: NewCompletionSignal(),
		state:  StatePending,
	}
}

// Signal returns the completion signal for this run. Waiting on it
// before Execute is called is valid.
func (s *Sequencer) Signal() *CompletionSignal {
	return s.signal
}

// Execute runs the steps in order, stopping at the first failure or
// observed cancellation. On success the returned Metrics holds one entry
// per step plus MetricTotal, and the same map instance travels in the
// signal's completed outcome. A step error is returned unchanged, never
// wrapped, with the identical error carried in the failed outcome. The
// signal resolves exactly once in every path.
func (s *Sequencer) Execute(ctx context.Context) (Metrics, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	s.setState(StateRunning)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "prelude.startup.sequence")
	defer span.End()

	slog.InfoContext(ctx, "startup sequence started")

	metrics := make(Metrics, len(s.steps)+1)
	start := time.Now()

	for _, step := range s.steps {
		elapsed, err := s.runStep(ctx, step)
		if err != nil {
			if isCancellation(err) {
				s.setState(StateCancelled)
				s.signal.Resolve(&Outcome{State: StateCancelled, Err: err})
				span.SetAttributes(attribute.String("startup.state", StateCancelled))
				slog.InfoContext(ctx, "startup sequence cancelled", "step", step.Name)
				return nil, err
			}
			s.setState(StateFailed)
			s.signal.Resolve(&Outcome{State: StateFailed, Err: err})
			span.SetAttributes(attribute.String("startup.failed_step", step.Name))
			span.SetStatus(codes.Error, "startup step failed")
			slog.WarnContext(ctx, "startup step failed", "step", step.Name, "error", err)
			return nil, err
		}
		metrics[step.MetricKey] = elapsed
		slog.InfoContext(ctx, "startup step complete", "step", step.Name, "duration_ms", elapsed)
	}

	metrics[MetricTotal] = msSince(start)
	s.setState(StateCompleted)
	s.signal.Resolve(&Outcome{State: StateCompleted, Metrics: metrics})
	span.SetStatus(codes.Ok, "")
	slog.InfoContext(ctx, "startup sequence complete", "total_ms", metrics[MetricTotal])
	return metrics, nil
}

// runStep records the step name, runs the action between two
// cancellation checks, and appends a StepMetric on success. The name is
// recorded before the action is invoked, so a step aborted by
// cancellation still appears in the order log while never-reached steps
// do not.
func (s *Sequencer) runStep(ctx context.Context, step Step) (float64, error) {
	s.appendOrder(step.Name)

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "prelude.startup.step."+step.Name)
	defer span.End()

	start := time.Now()
	if err := step.Run(ctx); err != nil {
		return 0, err
	}
	// A cancellation that lands while the action is finishing counts:
	// the step completed too late to be recorded.
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	elapsed := msSince(start)
	s.appendMetric(StepMetric{Name: step.Name, DurationMs: elapsed})
	return elapsed, nil
}

// StepOrder returns a copy of the step names recorded so far, in
// invocation order.
func (s *Sequencer) StepOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// StepMetrics returns a copy of the duration records for the steps that
// completed.
func (s *Sequencer) StepMetrics() []StepMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StepMetric(nil), s.metrics...)
}

// State reports the run state: pending, running, or a terminal state.
func (s *Sequencer) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Sequencer) appendOrder(name string) {
	s.mu.Lock()
	s.order = append(s.order, name)
	s.mu.Unlock()
}

func (s *Sequencer) appendMetric(m StepMetric) {
	s.mu.Lock()
	s.metrics = append(s.metrics, m)
	s.mu.Unlock()
}

// isCancellation reports whether err came from a cancelled or expired
// context rather than a failing step.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// msSince converts elapsed wall-clock time to fractional milliseconds.
func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
