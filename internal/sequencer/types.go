package sequencer

// Step names, in the fixed order the sequencer runs them.
const (
	StepEnsureDatabase  = "ensure_database"
	StepValidateSchema  = "validate_schema"
	StepInitializeAzure = "initialize_azure"
)

// Metrics keys. Each step records its wall-clock duration under its own
// key; MetricTotal covers the whole run including sequencing overhead,
// so it is always >= the sum of the per-step entries.
const (
	MetricEnsureDatabase  = "ensure_db_ms"
	MetricValidateSchema  = "validate_schema_ms"
	MetricInitializeAzure = "initialize_azure_ms"
	MetricTotal           = "total_ms"
)

// Run states. A sequencer moves pending -> running -> one terminal state.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)

// Metrics maps metric keys to durations in fractional milliseconds. A
// Metrics value published through a CompletionSignal is shared by every
// waiter and must be treated as read-only.
type Metrics map[string]float64

// StepMetric records one successfully completed step. Records are
// created the instant a step completes and are never mutated afterwards.
type StepMetric struct {
	Name       string  `json:"name"`
	DurationMs float64 `json:"durationMs"`
}

// Outcome is the terminal result published through a CompletionSignal.
// Exactly one shape occurs per run: StateCompleted with Metrics,
// StateCancelled, or StateFailed with the step's error in Err.
type Outcome struct {
	State   string
	Metrics Metrics
	Err     error
}
