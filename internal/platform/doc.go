// Package platform is the HTTP client for the kiln platform API: code
// versions, jobs, experiments, artifacts and model versions.
//
// The client performs no retries. Failed calls are returned to the caller
// wrapped in the kiln error taxonomy (404 → ErrNotFound, 409 → ErrConflict,
// network failures and 5xx → ErrTransport), and content-addressed uploads
// are idempotent so a caller-side retry is safe.
package platform
