package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when an execution status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when an immutable record already exists.
	ErrConflict = errors.New("record already exists")
)

// ExecutionStats holds aggregate local execution statistics.
type ExecutionStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByProcedure map[string]int `json:"count_by_procedure"`
	CountByBackend   map[string]int `json:"count_by_backend"`
	// FailuresByKind counts failed executions by error kind. Runs that
	// failed without a recorded kind are counted under "".
	FailuresByKind map[string]int `json:"failures_by_kind"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// ExecutionStore persists local executions and their log lines.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	UpdateExecutionStatus(ctx context.Context, id, status string) error
	UpdateExecution(ctx context.Context, e *model.Execution) error
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	InsertLogLine(ctx context.Context, executionID string, seq int, line string) error
	GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error)
}

// HubStore persists the platform state served by the reference hub. Projects
// are "owner/name" strings and experiments are "owner/name/number".
type HubStore interface {
	PutCodeVersion(ctx context.Context, cv *model.CodeVersion, archive []byte) error
	GetCodeVersion(ctx context.Context, project, digest string) (*model.CodeVersion, error)
	GetCodeArchive(ctx context.Context, project, digest string) ([]byte, error)

	CreateExperiment(ctx context.Context, project string) (*model.Experiment, error)
	GetExperiment(ctx context.Context, project string, number int) (*model.Experiment, error)
	DeleteExperiment(ctx context.Context, project string, number int) error

	PutArtifact(ctx context.Context, a *model.Artifact, archive []byte, overwrite bool) error
	GetArtifact(ctx context.Context, experiment, name string) (*model.Artifact, error)
	GetArtifactArchive(ctx context.Context, id string) ([]byte, error)
	ListArtifacts(ctx context.Context, experiment string) ([]*model.Artifact, error)

	GetModel(ctx context.Context, project, name string) (*model.Model, error)
	CreateModelVersion(ctx context.Context, v *model.ModelVersion, archive []byte) error
	GetModelVersion(ctx context.Context, project, name string, version uint32) (*model.ModelVersion, error)
	GetModelArchive(ctx context.Context, project, name string, version uint32) ([]byte, error)

	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, project, id string) (*model.Job, error)
}

// Store is the full persistence surface.
type Store interface {
	ExecutionStore
	HubStore
	Close() error
}
