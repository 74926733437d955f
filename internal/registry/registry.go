// Package registry downloads and publishes immutable model versions.
//
// Version numbers are assigned by the platform. The client treats the number
// it gets back as authoritative and never computes one itself.
package registry

import (
	"bytes"
	"context"
	"fmt"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
)

// Client is the subset of the platform API the registry needs.
type Client interface {
	GetModel(ctx context.Context, m model.ModelPath) (*model.Model, error)
	GetModelVersion(ctx context.Context, m model.ModelPath, version uint32) (*model.ModelVersion, error)
	DownloadModelVersion(ctx context.Context, m model.ModelPath, version uint32) ([]byte, error)
	PublishModelVersion(ctx context.Context, m model.ModelPath, description string, archive []byte) (*model.ModelVersion, error)
}

var _ Client = (*platform.Client)(nil)

// Registry resolves model versions. It borrows the client.
type Registry struct {
	client Client
}

// New creates a registry over c.
func New(c Client) *Registry {
	return &Registry{client: c}
}

// Info returns the model's summary, including its latest version.
func (r *Registry) Info(ctx context.Context, m model.ModelPath) (*model.Model, error) {
	return r.client.GetModel(ctx, m)
}

// resolve returns version, or the latest published version when version is
// nil. "Latest" is a snapshot taken at call time.
func (r *Registry) resolve(ctx context.Context, m model.ModelPath, version *uint32) (uint32, error) {
	if version != nil {
		return *version, nil
	}
	info, err := r.client.GetModel(ctx, m)
	if err != nil {
		return 0, err
	}
	if info.LatestVersion == 0 {
		return 0, fmt.Errorf("%w: model %s has no published versions", kiln.ErrNotFound, m)
	}
	return info.LatestVersion, nil
}

// Fetch returns the metadata of a version; nil means latest.
func (r *Registry) Fetch(ctx context.Context, m model.ModelPath, version *uint32) (*model.ModelVersion, error) {
	v, err := r.resolve(ctx, m, version)
	if err != nil {
		return nil, err
	}
	return r.client.GetModelVersion(ctx, m, v)
}

// Download fetches a version's bundle; nil means latest. The returned
// reader holds the complete bundle in memory.
func (r *Registry) Download(ctx context.Context, m model.ModelPath, version *uint32) (*bundle.MemoryReader, *model.ModelVersion, error) {
	info, err := r.Fetch(ctx, m, version)
	if err != nil {
		return nil, nil, err
	}
	data, err := r.client.DownloadModelVersion(ctx, m, info.Version)
	if err != nil {
		return nil, nil, err
	}
	if info.Checksum != "" {
		if sum, _ := bundle.Checksum(data); sum != info.Checksum {
			return nil, nil, fmt.Errorf("%w: model %s version %d checksum mismatch", kiln.ErrDecode, m, info.Version)
		}
	}
	br, err := bundle.ReadArchive(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: model %s version %d: %v", kiln.ErrDecode, m, info.Version, err)
	}
	return br, info, nil
}

// DownloadInto fetches a version and decodes it into dec.
func (r *Registry) DownloadInto(ctx context.Context, m model.ModelPath, version *uint32, dec bundle.Decoder) (*model.ModelVersion, error) {
	br, info, err := r.Download(ctx, m, version)
	if err != nil {
		return nil, err
	}
	if err := dec.DecodeBundle(br); err != nil {
		return nil, fmt.Errorf("decode model %s version %d: %w", m, info.Version, err)
	}
	return info, nil
}

// Publish encodes enc and appends it as a new version of the model.
func (r *Registry) Publish(ctx context.Context, m model.ModelPath, enc bundle.Encoder, description string) (*model.ModelVersion, error) {
	sink := bundle.NewMemorySink()
	if err := enc.EncodeBundle(sink); err != nil {
		return nil, fmt.Errorf("encode model %s: %w", m, err)
	}
	var archive bytes.Buffer
	if err := bundle.WriteArchive(&archive, sink.Reader()); err != nil {
		return nil, fmt.Errorf("seal model %s: %w", m, err)
	}
	return r.client.PublishModelVersion(ctx, m, description, archive.Bytes())
}

// Scope binds a registry to one model.
type Scope struct {
	registry *Registry
	path     model.ModelPath
}

// Model returns a scope for the model at m.
func (r *Registry) Model(m model.ModelPath) *Scope {
	return &Scope{registry: r, path: m}
}

// Path returns the model path the scope is bound to.
func (s *Scope) Path() model.ModelPath { return s.path }

// Download fetches a version of the scoped model; nil means latest.
func (s *Scope) Download(ctx context.Context, version *uint32) (*bundle.MemoryReader, *model.ModelVersion, error) {
	return s.registry.Download(ctx, s.path, version)
}

// Fetch returns the metadata of a version of the scoped model.
func (s *Scope) Fetch(ctx context.Context, version *uint32) (*model.ModelVersion, error) {
	return s.registry.Fetch(ctx, s.path, version)
}

// Publish appends a new version to the scoped model.
func (s *Scope) Publish(ctx context.Context, enc bundle.Encoder, description string) (*model.ModelVersion, error) {
	return s.registry.Publish(ctx, s.path, enc, description)
}

// Info returns the scoped model's summary.
func (s *Scope) Info(ctx context.Context) (*model.Model, error) {
	return s.registry.Info(ctx, s.path)
}
