package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusBuilding  = "building"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Procedure type constants.
const (
	ProcedureTraining  = "training"
	ProcedureInference = "inference"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusBuilding: true,
		StatusFailed:   true,
	},
	StatusBuilding: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final execution status.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// LogLine represents a single persisted log line from a function run.
type LogLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewID returns a sortable identifier for runs, jobs and experiments.
func NewID() string {
	return ulid.Make().String()
}

// Execution is the local record of one execute call.
type Execution struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Function    string     `json:"function"`
	Backend     string     `json:"backend"`
	Procedure   string     `json:"procedure"`
	CodeVersion string     `json:"code_version"`
	Binary      string     `json:"binary,omitempty"`
	Output      string     `json:"output,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
