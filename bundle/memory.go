package bundle

import (
	"bytes"
	"fmt"
	"io"
	"sort"
)

// MemoryReader holds a complete bundle in process memory. Reads return the
// exact bytes stored for a path without any transformation.
type MemoryReader struct {
	files map[string][]byte
}

var _ Source = (*MemoryReader)(nil)

// NewMemoryReader builds a reader over a copy of files. Keys are normalized;
// two keys normalizing to the same path are rejected.
func NewMemoryReader(files map[string][]byte) (*MemoryReader, error) {
	m := &MemoryReader{files: make(map[string][]byte, len(files))}
	for p, data := range files {
		norm, err := NormalizePath(p)
		if err != nil {
			return nil, err
		}
		if _, dup := m.files[norm]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, norm)
		}
		m.files[norm] = bytes.Clone(data)
	}
	return m, nil
}

// Open returns a reader over the bytes stored at p.
func (m *MemoryReader) Open(p string) (io.ReadCloser, error) {
	data, err := m.Bytes(p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Bytes returns a copy of the bytes stored at p.
func (m *MemoryReader) Bytes(p string) ([]byte, error) {
	norm, err := NormalizePath(p)
	if err != nil {
		return nil, err
	}
	data, ok := m.files[norm]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, norm)
	}
	return bytes.Clone(data), nil
}

// List returns all paths in lexical order.
func (m *MemoryReader) List() ([]string, error) {
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Entries returns the metadata of every file in lexical path order.
func (m *MemoryReader) Entries() []Entry {
	paths, _ := m.List()
	entries := make([]Entry, len(paths))
	for i, p := range paths {
		entries[i] = Entry{Path: p, Size: int64(len(m.files[p])), Kind: ContentKind(p)}
	}
	return entries
}

// Len returns the number of files.
func (m *MemoryReader) Len() int { return len(m.files) }

// Size returns the total payload size in bytes.
func (m *MemoryReader) Size() int64 {
	var n int64
	for _, data := range m.files {
		n += int64(len(data))
	}
	return n
}

// MemorySink collects entries in memory.
type MemorySink struct {
	files map[string][]byte
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string][]byte)}
}

// PutFile stores the full contents of r under p.
func (s *MemorySink) PutFile(p string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	return s.put(p, data)
}

// PutBytes stores a copy of data under p.
func (s *MemorySink) PutBytes(p string, data []byte) error {
	return s.put(p, bytes.Clone(data))
}

func (s *MemorySink) put(p string, data []byte) error {
	norm, err := NormalizePath(p)
	if err != nil {
		return err
	}
	if _, dup := s.files[norm]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, norm)
	}
	s.files[norm] = data
	return nil
}

// Reader seals the collected entries into a MemoryReader. The sink may keep
// being used; the reader does not observe later writes.
func (s *MemorySink) Reader() *MemoryReader {
	files := make(map[string][]byte, len(s.files))
	for p, data := range s.files {
		files[p] = bytes.Clone(data)
	}
	return &MemoryReader{files: files}
}
