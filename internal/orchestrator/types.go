package orchestrator

import "time"

// Status values used in StartupReport.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
	StatusInProgress = "in-progress"
)

// StartupReport is the aggregate record of one startup run: the outcome,
// the per-step timing metrics, the order the steps actually ran in, and
// the harness event narrative. A report is immutable once built.
type StartupReport struct {
	Status      string             `json:"status"` // "ok", "error", "cancelled"
	Error       string             `json:"error,omitempty"`
	StepOrder   []string           `json:"stepOrder"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Events      []string           `json:"events"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt time.Time          `json:"completedAt"`
	Host        string             `json:"host,omitempty"`
}

// ProbeResult is returned by RunDeepHealth for each dependency.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}
