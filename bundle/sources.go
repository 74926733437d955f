package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
)

// Sources accumulates bundle entries before they are written to a sink.
// Adding a path twice fails immediately rather than when the bundle is sealed.
type Sources struct {
	entries []sourceEntry
	seen    map[string]struct{}
}

type sourceEntry struct {
	path string
	size int64
	open func() (io.ReadCloser, error)
}

var _ Encoder = (*Sources)(nil)

// NewSources creates an empty builder.
func NewSources() *Sources {
	return &Sources{seen: make(map[string]struct{})}
}

func (s *Sources) claim(p string) (string, error) {
	norm, err := NormalizePath(p)
	if err != nil {
		return "", err
	}
	if _, dup := s.seen[norm]; dup {
		return "", fmt.Errorf("%w: %s", ErrDuplicatePath, norm)
	}
	s.seen[norm] = struct{}{}
	return norm, nil
}

// AddBytes adds an in-memory entry. data is copied.
func (s *Sources) AddBytes(p string, data []byte) error {
	norm, err := s.claim(p)
	if err != nil {
		return err
	}
	data = bytes.Clone(data)
	s.entries = append(s.entries, sourceEntry{
		path: norm,
		size: int64(len(data)),
		open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	})
	return nil
}

// AddFile adds a file from disk. The file is opened lazily when the bundle is
// written, so it must still exist at that point.
func (s *Sources) AddFile(p, fsPath string) error {
	info, err := os.Stat(fsPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", fsPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", fsPath)
	}
	norm, err := s.claim(p)
	if err != nil {
		return err
	}
	s.entries = append(s.entries, sourceEntry{
		path: norm,
		size: info.Size(),
		open: func() (io.ReadCloser, error) { return os.Open(fsPath) },
	})
	return nil
}

// AddJSON adds v marshalled as JSON.
func (s *Sources) AddJSON(p string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", p, err)
	}
	return s.AddBytes(p, data)
}

// Add encodes enc and adds every file it produces under the directory p.
// Either all of the encoder's files are added or none are.
func (s *Sources) Add(p string, enc Encoder) error {
	prefix, err := NormalizePath(p)
	if err != nil {
		return err
	}
	sink := NewMemorySink()
	if err := enc.EncodeBundle(sink); err != nil {
		return fmt.Errorf("encode %s: %w", prefix, err)
	}
	r := sink.Reader()
	names, _ := r.List()
	for _, name := range names {
		if _, dup := s.seen[path.Join(prefix, name)]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, path.Join(prefix, name))
		}
	}
	for _, name := range names {
		data, _ := r.Bytes(name)
		if err := s.AddBytes(path.Join(prefix, name), data); err != nil {
			return err
		}
	}
	return nil
}

// Paths returns the added paths in insertion order.
func (s *Sources) Paths() []string {
	paths := make([]string, len(s.entries))
	for i, e := range s.entries {
		paths[i] = e.path
	}
	return paths
}

// Len returns the number of entries.
func (s *Sources) Len() int { return len(s.entries) }

// Size returns the total size of all entries as known when they were added.
func (s *Sources) Size() int64 {
	var n int64
	for _, e := range s.entries {
		n += e.size
	}
	return n
}

// EncodeBundle writes every entry to sink in insertion order.
func (s *Sources) EncodeBundle(sink Sink) error {
	for _, e := range s.entries {
		if err := putEntry(sink, e); err != nil {
			return err
		}
	}
	return nil
}

func putEntry(sink Sink, e sourceEntry) error {
	rc, err := e.open()
	if err != nil {
		return fmt.Errorf("open %s: %w", e.path, err)
	}
	defer rc.Close()
	if err := sink.PutFile(e.path, rc); err != nil {
		return fmt.Errorf("put %s: %w", e.path, err)
	}
	return nil
}

// Copy writes every entry of src to sink in listing order.
func Copy(sink Sink, src Source) error {
	paths, err := src.List()
	if err != nil {
		return fmt.Errorf("list source: %w", err)
	}
	for _, p := range paths {
		if err := putEntry(sink, sourceEntry{path: p, open: func() (io.ReadCloser, error) { return src.Open(p) }}); err != nil {
			return err
		}
	}
	return nil
}
