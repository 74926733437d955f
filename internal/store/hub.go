package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// PutCodeVersion stores a code version and its archive. Code versions are
// content addressed, so storing the same digest twice is a conflict.
func (s *SQLiteStore) PutCodeVersion(ctx context.Context, cv *model.CodeVersion, archive []byte) error {
	functions, err := json.Marshal(cv.Functions)
	if err != nil {
		return fmt.Errorf("encode functions: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO code_versions (project, digest, size, file_count, functions, archive, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (project, digest) DO NOTHING`,
		cv.Project, cv.Digest, cv.Size, cv.FileCount, string(functions), archive, cv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert code version: %w", err)
	}
	return conflictIfUnchanged(res)
}

// GetCodeVersion returns code version metadata without the archive.
func (s *SQLiteStore) GetCodeVersion(ctx context.Context, project, digest string) (*model.CodeVersion, error) {
	cv := &model.CodeVersion{}
	var functions string
	err := s.db.QueryRowContext(ctx,
		`SELECT project, digest, size, file_count, functions, created_at
		FROM code_versions WHERE project = ? AND digest = ?`, project, digest,
	).Scan(&cv.Project, &cv.Digest, &cv.Size, &cv.FileCount, &functions, &cv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get code version: %w", err)
	}
	if err := json.Unmarshal([]byte(functions), &cv.Functions); err != nil {
		return nil, fmt.Errorf("decode functions: %w", err)
	}
	return cv, nil
}

// GetCodeArchive returns the sealed archive of a code version.
func (s *SQLiteStore) GetCodeArchive(ctx context.Context, project, digest string) ([]byte, error) {
	return s.blob(ctx, "SELECT archive FROM code_versions WHERE project = ? AND digest = ?", project, digest)
}

// CreateExperiment allocates the next experiment number of a project.
func (s *SQLiteStore) CreateExperiment(ctx context.Context, project string) (*model.Experiment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(number) FROM experiments WHERE project = ?", project,
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last experiment: %w", err)
	}

	e := &model.Experiment{Project: project, Number: int(last.Int64) + 1, CreatedAt: time.Now().UTC()}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO experiments (project, number, created_at) VALUES (?, ?, ?)",
		e.Project, e.Number, e.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert experiment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit experiment: %w", err)
	}
	return e, nil
}

// GetExperiment returns one experiment.
func (s *SQLiteStore) GetExperiment(ctx context.Context, project string, number int) (*model.Experiment, error) {
	e := &model.Experiment{}
	err := s.db.QueryRowContext(ctx,
		"SELECT project, number, created_at FROM experiments WHERE project = ? AND number = ?",
		project, number,
	).Scan(&e.Project, &e.Number, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	return e, nil
}

// DeleteExperiment removes an experiment and its artifacts.
func (s *SQLiteStore) DeleteExperiment(ctx context.Context, project string, number int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM experiments WHERE project = ? AND number = ?", project, number)
	if err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}

	experiment := fmt.Sprintf("%s/%d", project, number)
	if _, err := tx.ExecContext(ctx, "DELETE FROM artifacts WHERE experiment = ?", experiment); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return tx.Commit()
}

const artifactColumns = "id, experiment, name, kind, size, checksum, files, created_at"

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	a := &model.Artifact{}
	var files string
	if err := row.Scan(&a.ID, &a.Experiment, &a.Name, &a.Kind, &a.Size, &a.Checksum, &files, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &a.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return a, nil
}

// PutArtifact stores an artifact. An artifact with the same experiment, name
// and kind is a conflict unless overwrite is set, in which case it is
// replaced.
func (s *SQLiteStore) PutArtifact(ctx context.Context, a *model.Artifact, archive []byte, overwrite bool) error {
	files, err := json.Marshal(a.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if overwrite {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM artifacts WHERE experiment = ? AND name = ? AND kind = ?",
			a.Experiment, a.Name, a.Kind,
		); err != nil {
			return fmt.Errorf("replace artifact: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`, archive) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (experiment, name, kind) DO NOTHING`,
		a.ID, a.Experiment, a.Name, a.Kind, a.Size, a.Checksum, string(files), a.CreatedAt, archive,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	if err := conflictIfUnchanged(res); err != nil {
		return err
	}
	return tx.Commit()
}

// GetArtifact returns the newest artifact with the given name.
func (s *SQLiteStore) GetArtifact(ctx context.Context, experiment, name string) (*model.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE experiment = ? AND name = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, experiment, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// GetArtifactArchive returns the sealed archive of an artifact.
func (s *SQLiteStore) GetArtifactArchive(ctx context.Context, id string) ([]byte, error) {
	return s.blob(ctx, "SELECT archive FROM artifacts WHERE id = ?", id)
}

// ListArtifacts returns the artifacts of an experiment, oldest first.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, experiment string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE experiment = ? ORDER BY created_at, id`, experiment)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []*model.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}

// GetModel returns a model with its latest version.
func (s *SQLiteStore) GetModel(ctx context.Context, project, name string) (*model.Model, error) {
	m := &model.Model{}
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT m.project, m.name, m.created_at, MAX(v.version), COUNT(v.version)
		FROM models m LEFT JOIN model_versions v ON v.project = m.project AND v.model = m.name
		WHERE m.project = ? AND m.name = ?
		GROUP BY m.project, m.name, m.created_at`, project, name,
	).Scan(&m.Project, &m.Name, &m.CreatedAt, &latest, &m.VersionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	m.LatestVersion = uint32(latest.Int64)
	return m, nil
}

// CreateModelVersion appends a version to a model, creating the model on
// first publish. The assigned number is written back to v.Version.
func (s *SQLiteStore) CreateModelVersion(ctx context.Context, v *model.ModelVersion, archive []byte) error {
	project := v.Owner + "/" + v.Project

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO models (project, name, created_at) VALUES (?, ?, ?) ON CONFLICT (project, name) DO NOTHING",
		project, v.Model, v.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert model: %w", err)
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(version) FROM model_versions WHERE project = ? AND model = ?", project, v.Model,
	).Scan(&last); err != nil {
		return fmt.Errorf("read last version: %w", err)
	}
	next := uint32(last.Int64) + 1

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO model_versions (project, model, version, description, size, checksum, archive, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		project, v.Model, next, v.Description, v.Size, v.Checksum, archive, v.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert model version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit model version: %w", err)
	}
	v.Version = next
	return nil
}

// GetModelVersion returns the metadata of one version.
func (s *SQLiteStore) GetModelVersion(ctx context.Context, project, name string, version uint32) (*model.ModelVersion, error) {
	v := &model.ModelVersion{}
	var full string
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT project, model, version, description, size, checksum, created_at
		FROM model_versions WHERE project = ? AND model = ? AND version = ?`, project, name, version,
	).Scan(&full, &v.Model, &v.Version, &description, &v.Size, &v.Checksum, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model version: %w", err)
	}
	v.Owner, v.Project, _ = strings.Cut(full, "/")
	v.Description = description.String
	return v, nil
}

// GetModelArchive returns the sealed archive of one version.
func (s *SQLiteStore) GetModelArchive(ctx context.Context, project, name string, version uint32) ([]byte, error) {
	return s.blob(ctx,
		"SELECT archive FROM model_versions WHERE project = ? AND model = ? AND version = ?",
		project, name, version)
}

// CreateJob records a submitted job.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, project, provider_group, digest, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Project, j.ProviderGroup, j.Digest, j.Status, string(j.Payload), j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job of a project.
func (s *SQLiteStore) GetJob(ctx context.Context, project, id string) (*model.Job, error) {
	j := &model.Job{}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project, provider_group, digest, status, payload, created_at
		FROM jobs WHERE project = ? AND id = ?`, project, id,
	).Scan(&j.ID, &j.Project, &j.ProviderGroup, &j.Digest, &j.Status, &payload, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.Payload = json.RawMessage(payload)
	return j, nil
}

func (s *SQLiteStore) blob(ctx context.Context, query string, args ...any) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return data, nil
}

func conflictIfUnchanged(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
