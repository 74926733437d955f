package bundle

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
)

var (
	// ErrFileNotFound is returned by a Source when the requested path is not in the bundle.
	ErrFileNotFound = errors.New("file not found in bundle")

	// ErrDuplicatePath is returned when a path is added to a bundle twice.
	ErrDuplicatePath = errors.New("duplicate path in bundle")

	// ErrInvalidPath is returned for empty paths or paths escaping the bundle root.
	ErrInvalidPath = errors.New("invalid bundle path")
)

// Sink consumes bundle entries and commits them to a destination.
type Sink interface {
	PutFile(path string, r io.Reader) error
	PutBytes(path string, data []byte) error
}

// Source produces bundle entries on demand.
type Source interface {
	Open(path string) (io.ReadCloser, error)
	List() ([]string, error)
}

// Encoder writes a value into a bundle.
type Encoder interface {
	EncodeBundle(sink Sink) error
}

// Decoder reconstructs a value from a bundle.
type Decoder interface {
	DecodeBundle(src Source) error
}

// Entry describes one file of a bundle.
type Entry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Kind string `json:"kind"`
}

// NormalizePath converts p to the canonical bundle form: forward slashes, no
// leading slash, no "." segments. Paths that are empty or climb out of the
// bundle root are rejected.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// ContentKind returns the media type inferred from the path's extension.
func ContentKind(p string) string {
	if kind := mime.TypeByExtension(path.Ext(p)); kind != "" {
		return kind
	}
	return "application/octet-stream"
}

// ReadFile reads a whole entry from src.
func ReadFile(src Source, p string) ([]byte, error) {
	rc, err := src.Open(p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}
