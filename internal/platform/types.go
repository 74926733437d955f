package platform

import (
	"encoding/json"

	"github.com/seantiz/kiln/internal/model"
)

// Headers carrying metadata next to binary bodies.
const (
	HeaderFunctions   = "X-Kiln-Functions"
	HeaderManifest    = "X-Kiln-Manifest"
	HeaderDescription = "X-Kiln-Description"
	HeaderAPIKey      = "X-Kiln-Api-Key"
)

// ContentTypeBundle is the media type of sealed bundle archives.
const ContentTypeBundle = "application/x-kiln-bundle"

// JobRequest is the body of a job submission. Job is the provider-facing job
// description and is passed through untouched.
type JobRequest struct {
	ProviderGroup string          `json:"provider_group"`
	Digest        string          `json:"digest"`
	Job           json.RawMessage `json:"job"`
}

// ArtifactUpload carries the metadata of an artifact upload.
type ArtifactUpload struct {
	Name      string               `json:"name"`
	Kind      string               `json:"kind"`
	Overwrite bool                 `json:"overwrite"`
	Files     []model.ArtifactFile `json:"files"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

type listArtifactsResponse struct {
	Artifacts []*model.Artifact `json:"artifacts"`
}

type listFunctionsResponse struct {
	Functions []model.Function `json:"functions"`
}
