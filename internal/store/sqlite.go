package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS executions (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    function     TEXT NOT NULL,
    backend      TEXT NOT NULL,
    procedure    TEXT NOT NULL,
    code_version TEXT NOT NULL,
    binary       TEXT,
    output       TEXT,
    error_kind   TEXT,
    error        TEXT,
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS log_lines (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL REFERENCES executions(id),
    seq          INTEGER NOT NULL,
    line         TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_log_lines_execution ON log_lines(execution_id, seq)`,
	`CREATE TABLE IF NOT EXISTS code_versions (
    project    TEXT NOT NULL,
    digest     TEXT NOT NULL,
    size       INTEGER NOT NULL,
    file_count INTEGER NOT NULL,
    functions  TEXT NOT NULL,
    archive    BLOB NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (project, digest)
)`,
	`CREATE TABLE IF NOT EXISTS experiments (
    project    TEXT NOT NULL,
    number     INTEGER NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (project, number)
)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
    id         TEXT PRIMARY KEY,
    experiment TEXT NOT NULL,
    name       TEXT NOT NULL,
    kind       TEXT NOT NULL,
    size       INTEGER NOT NULL,
    checksum   TEXT NOT NULL,
    files      TEXT NOT NULL,
    archive    BLOB NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE (experiment, name, kind)
)`,
	`CREATE TABLE IF NOT EXISTS models (
    project    TEXT NOT NULL,
    name       TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (project, name)
)`,
	`CREATE TABLE IF NOT EXISTS model_versions (
    project     TEXT NOT NULL,
    model       TEXT NOT NULL,
    version     INTEGER NOT NULL,
    description TEXT,
    size        INTEGER NOT NULL,
    checksum    TEXT NOT NULL,
    archive     BLOB NOT NULL,
    created_at  DATETIME NOT NULL,
    PRIMARY KEY (project, model, version)
)`,
	`CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    project        TEXT NOT NULL,
    provider_group TEXT NOT NULL,
    digest         TEXT NOT NULL,
    status         TEXT NOT NULL,
    payload        TEXT NOT NULL,
    created_at     DATETIME NOT NULL
)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// dsnParams apply to every pooled connection. Transactions begin IMMEDIATE
// so read-then-insert numbering (experiments, model versions) waits for the
// write lock instead of failing with SQLITE_BUSY on upgrade.
const dsnParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?"+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const executionColumns = `id, status, function, backend, procedure, code_version,
	binary, output, error_kind, error, duration_ms, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	var binary, output, errorKind, errMsg sql.NullString
	var duration sql.NullInt64
	if err := row.Scan(
		&e.ID, &e.Status, &e.Function, &e.Backend, &e.Procedure, &e.CodeVersion,
		&binary, &output, &errorKind, &errMsg, &duration,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	); err != nil {
		return nil, err
	}
	e.Binary = binary.String
	e.Output = output.String
	e.ErrorKind = errorKind.String
	e.Error = errMsg.String
	if duration.Valid {
		d := int(duration.Int64)
		e.DurationMS = &d
	}
	return e, nil
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Status, e.Function, e.Backend, e.Procedure, e.CodeVersion,
		e.Binary, e.Output, e.ErrorKind, e.Error, e.DurationMS,
		e.CreatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a page of executions ordered by created_at DESC,
// along with the total count of all executions.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// currentStatus reads the status of an execution inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read execution status: %w", err)
	}
	return status, nil
}

// UpdateExecutionStatus moves an execution to status. Entering building sets
// started_at; entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusBuilding:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return tx.Commit()
}

// UpdateExecution writes every mutable field of e. A status change must be a
// valid transition.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *model.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, e.ID)
	if err != nil {
		return err
	}
	if from != e.Status && !model.ValidTransition(from, e.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, e.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, binary = ?, output = ?, error_kind = ?, error = ?,
			duration_ms = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		e.Status, e.Binary, e.Output, e.ErrorKind, e.Error,
		e.DurationMS, e.StartedAt, e.FinishedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return tx.Commit()
}

// GetExecutionStats aggregates executions by status, procedure and backend,
// and failed executions by error kind.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus:    make(map[string]int),
		CountByProcedure: make(map[string]int),
		CountByBackend:   make(map[string]int),
		FailuresByKind:   make(map[string]int),
	}

	for _, g := range []struct {
		column, where string
		into          map[string]int
	}{
		{"status", "", stats.CountByStatus},
		{"procedure", "", stats.CountByProcedure},
		{"backend", "", stats.CountByBackend},
		{"error_kind", "WHERE status = 'failed'", stats.FailuresByKind},
	} {
		if err := s.countBy(ctx, g.column, g.where, g.into); err != nil {
			return nil, err
		}
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM executions WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column, where string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT COALESCE("+column+", ''), COUNT(*) FROM executions "+where+" GROUP BY 1")
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertLogLine appends a log line to an execution.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, executionID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (execution_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		executionID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the log lines of an execution in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, execution_id, seq, line, created_at FROM log_lines WHERE execution_id = ? ORDER BY seq",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
