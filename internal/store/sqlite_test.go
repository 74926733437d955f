package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestExecution() *model.Execution {
	return &model.Execution{
		ID:          model.NewID(),
		Status:      model.StatusPending,
		Function:    "train",
		Backend:     "ndarray",
		Procedure:   model.ProcedureTraining,
		CodeVersion: "abc123",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution()

	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("ID = %q, want %q", got.ID, e.ID)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusPending)
	}
	if got.Function != "train" || got.Backend != "ndarray" || got.CodeVersion != "abc123" {
		t.Errorf("got %+v", got)
	}
	if got.DurationMS != nil {
		t.Errorf("DurationMS = %v, want nil", *got.DurationMS)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetExecution error = %v, want ErrNotFound", err)
	}
}

func TestListExecutionsPaginationAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := makeTestExecution()
		e.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution[%d]: %v", i, err)
		}
	}

	page, total, err := s.ListExecutions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if page[0].CreatedAt.Before(page[1].CreatedAt) {
		t.Errorf("executions not in DESC order: %v before %v", page[0].CreatedAt, page[1].CreatedAt)
	}

	rest, _, err := s.ListExecutions(ctx, 10, 4)
	if err != nil {
		t.Fatalf("ListExecutions page 3: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("len(rest) = %d, want 1", len(rest))
	}
}

func TestListExecutionsEmpty(t *testing.T) {
	s := newTestStore(t)
	executions, total, err := s.ListExecutions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 0 || executions != nil {
		t.Errorf("got %d, %v; want 0, nil", total, executions)
	}
}

func TestUpdateExecutionStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution()
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	for _, status := range []string{model.StatusBuilding, model.StatusRunning, model.StatusSucceeded} {
		if err := s.UpdateExecutionStatus(ctx, e.ID, status); err != nil {
			t.Fatalf("-> %s: %v", status, err)
		}
	}

	got, _ := s.GetExecution(ctx, e.ID)
	if got.Status != model.StatusSucceeded {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusSucceeded)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil, expected it to be set when building")
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, expected it to be set for succeeded status")
	}
}

func TestUpdateExecutionStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
	}{
		{"pending→running", model.StatusPending, model.StatusRunning},
		{"pending→succeeded", model.StatusPending, model.StatusSucceeded},
		{"building→succeeded", model.StatusBuilding, model.StatusSucceeded},
		{"failed→running", model.StatusFailed, model.StatusRunning},
		{"succeeded→failed", model.StatusSucceeded, model.StatusFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := makeTestExecution()
			e.Status = tc.from
			if err := s.CreateExecution(ctx, e); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}
			err := s.UpdateExecutionStatus(ctx, e.ID, tc.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestUpdateExecutionStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateExecutionStatus(context.Background(), "nonexistent", model.StatusBuilding)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestUpdateExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution()
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	now := time.Now().UTC()
	e.Status = model.StatusBuilding
	e.StartedAt = &now
	if err := s.UpdateExecution(ctx, e); err != nil {
		t.Fatalf("UpdateExecution (building): %v", err)
	}

	e.Status = model.StatusFailed
	e.ErrorKind = "build_error"
	e.Error = "undefined: foo"
	durationMS := 150
	e.DurationMS = &durationMS
	finished := now.Add(150 * time.Millisecond)
	e.FinishedAt = &finished
	if err := s.UpdateExecution(ctx, e); err != nil {
		t.Fatalf("UpdateExecution (failed): %v", err)
	}

	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusFailed || got.ErrorKind != "build_error" || got.Error != "undefined: foo" {
		t.Errorf("got %+v", got)
	}
	if got.DurationMS == nil || *got.DurationMS != 150 {
		t.Errorf("DurationMS = %v, want 150", got.DurationMS)
	}

	e.Status = model.StatusRunning
	if err := s.UpdateExecution(ctx, e); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed→running: got %v, want ErrInvalidTransition", err)
	}
}

func TestGetExecutionStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := makeTestExecution()
		if i == 2 {
			e.Procedure = model.ProcedureInference
		}
		if i < 2 {
			d := 100 * (i + 1)
			e.DurationMS = &d
		}
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		if i == 0 {
			if err := s.UpdateExecutionStatus(ctx, e.ID, model.StatusFailed); err != nil {
				t.Fatalf("UpdateExecutionStatus: %v", err)
			}
		}
	}

	stats, err := s.GetExecutionStats(ctx)
	if err != nil {
		t.Fatalf("GetExecutionStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusPending] != 2 || stats.CountByStatus[model.StatusFailed] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByProcedure[model.ProcedureTraining] != 2 {
		t.Errorf("CountByProcedure = %v", stats.CountByProcedure)
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %v, want 150", stats.AvgDurationMS)
	}
	if stats.CountByBackend["ndarray"] != 3 {
		t.Errorf("CountByBackend = %v", stats.CountByBackend)
	}
	if len(stats.FailuresByKind) != 1 || stats.FailuresByKind[""] != 1 {
		t.Errorf("FailuresByKind = %v, want one failure without a kind", stats.FailuresByKind)
	}
}

func TestLogLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution()
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	for i, line := range []string{"epoch 1", "epoch 2", "done"} {
		if err := s.InsertLogLine(ctx, e.ID, i, line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}

	lines, err := s.GetLogLines(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	if lines[2].Line != "done" || lines[2].Seq != 2 {
		t.Errorf("lines[2] = %+v", lines[2])
	}
}
