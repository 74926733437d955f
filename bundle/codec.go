package bundle

import (
	"encoding/json"
	"fmt"

	"github.com/seantiz/kiln"
)

const (
	defaultBytesName = "data.bin"
	defaultJSONName  = "value.json"
)

// Bytes is a single opaque payload stored under Name (data.bin by default).
type Bytes struct {
	Name string
	Data []byte
}

func (b *Bytes) name() string {
	if b.Name == "" {
		return defaultBytesName
	}
	return b.Name
}

// EncodeBundle implements Encoder.
func (b *Bytes) EncodeBundle(sink Sink) error {
	return sink.PutBytes(b.name(), b.Data)
}

// DecodeBundle implements Decoder.
func (b *Bytes) DecodeBundle(src Source) error {
	data, err := ReadFile(src, b.name())
	if err != nil {
		return fmt.Errorf("%w: %w", kiln.ErrDecode, err)
	}
	b.Data = data
	return nil
}

// JSON stores a value as a single JSON document under Name (value.json by default).
type JSON[T any] struct {
	Name  string
	Value T
}

func (j *JSON[T]) name() string {
	if j.Name == "" {
		return defaultJSONName
	}
	return j.Name
}

// EncodeBundle implements Encoder.
func (j *JSON[T]) EncodeBundle(sink Sink) error {
	data, err := json.Marshal(j.Value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", j.name(), err)
	}
	return sink.PutBytes(j.name(), data)
}

// DecodeBundle implements Decoder.
func (j *JSON[T]) DecodeBundle(src Source) error {
	data, err := ReadFile(src, j.name())
	if err != nil {
		return fmt.Errorf("%w: %w", kiln.ErrDecode, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %s: %v", kiln.ErrDecode, j.name(), err)
	}
	j.Value = v
	return nil
}

// Files is a set of files keyed by bundle path.
type Files map[string][]byte

// EncodeBundle implements Encoder.
func (f Files) EncodeBundle(sink Sink) error {
	r, err := NewMemoryReader(f)
	if err != nil {
		return err
	}
	return Copy(sink, r)
}

// DecodeBundle implements Decoder. The map must be non-nil; existing entries
// are replaced by the bundle contents.
func (f Files) DecodeBundle(src Source) error {
	if f == nil {
		return fmt.Errorf("%w: nil Files target", kiln.ErrDecode)
	}
	paths, err := src.List()
	if err != nil {
		return fmt.Errorf("%w: %w", kiln.ErrDecode, err)
	}
	clear(f)
	for _, p := range paths {
		data, err := ReadFile(src, p)
		if err != nil {
			return fmt.Errorf("%w: %w", kiln.ErrDecode, err)
		}
		f[p] = data
	}
	return nil
}
