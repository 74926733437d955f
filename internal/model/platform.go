package model

import (
	"encoding/json"
	"time"
)

// Job status constants. The hub only records jobs; providers move them on.
const JobStatusQueued = "queued"

// CodeVersion describes one packaged project source tree.
type CodeVersion struct {
	Digest    string     `json:"digest"`
	Project   string     `json:"project"`
	Size      int64      `json:"size"`
	FileCount int        `json:"file_count"`
	Functions []Function `json:"functions,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Function is the metadata of a registered function recorded with a code version.
type Function struct {
	Name         string `json:"name"`
	Procedure    string `json:"procedure"`
	ConfigSchema string `json:"config_schema,omitempty"`
}

// Experiment is a numbered experiment within a project.
type Experiment struct {
	Project   string    `json:"project"`
	Number    int       `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactFile is one file of an uploaded artifact.
type ArtifactFile struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Artifact is an experiment-scoped bundle.
type Artifact struct {
	ID         string         `json:"id"`
	Experiment string         `json:"experiment"`
	Name       string         `json:"name"`
	Kind       string         `json:"kind"`
	Size       int64          `json:"size"`
	Checksum   string         `json:"checksum"`
	Files      []ArtifactFile `json:"files"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Model is a named model within a project.
type Model struct {
	Project       string    `json:"project"`
	Name          string    `json:"name"`
	LatestVersion uint32    `json:"latest_version"`
	VersionCount  int       `json:"version_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// ModelVersion is one immutable published version of a model.
type ModelVersion struct {
	Owner       string    `json:"owner"`
	Project     string    `json:"project"`
	Model       string    `json:"model"`
	Version     uint32    `json:"version"`
	Description string    `json:"description,omitempty"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// Job is a recorded remote job submission.
type Job struct {
	ID            string          `json:"id"`
	Project       string          `json:"project"`
	ProviderGroup string          `json:"provider_group"`
	Digest        string          `json:"digest"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// JobDescription is the provider-facing description of a submitted job. It
// is carried as the job payload and read back by the compute provider.
type JobDescription struct {
	Function   string `json:"function"`
	Backend    string `json:"backend"`
	Procedure  string `json:"procedure"`
	ConfigPath string `json:"config_path,omitempty"`

	// Overrides are [key, JSON value] pairs in application order.
	Overrides   [][2]string `json:"overrides,omitempty"`
	Digest      string      `json:"digest"`
	Namespace   string      `json:"namespace"`
	Project     string      `json:"project"`
	APIEndpoint string      `json:"api_endpoint"`
	Key         string      `json:"key,omitempty"`
	Experiment  int         `json:"experiment,omitempty"`
}

// ProjectPath returns the project the job belongs to.
func (d JobDescription) ProjectPath() ProjectPath {
	return ProjectPath{Owner: d.Namespace, Name: d.Project}
}
