package bundle

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// DirSink writes entries into a staging directory and moves it into place on
// Commit. Until then the destination is untouched, so a failed or abandoned
// write leaves nothing behind.
type DirSink struct {
	dest      string
	staging   string
	seen      map[string]struct{}
	committed bool
}

var _ Sink = (*DirSink)(nil)

// NewDirSink stages a new bundle for dest. The staging directory is created
// next to dest so the final rename stays on one filesystem.
func NewDirSink(dest string) (*DirSink, error) {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	staging, err := os.MkdirTemp(parent, ".kiln-stage-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &DirSink{dest: dest, staging: staging, seen: make(map[string]struct{})}, nil
}

// PutFile copies r into the staged file p.
func (d *DirSink) PutFile(p string, r io.Reader) error {
	if d.committed {
		return fmt.Errorf("bundle %s already committed", d.dest)
	}
	norm, err := NormalizePath(p)
	if err != nil {
		return err
	}
	if _, dup := d.seen[norm]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, norm)
	}

	target := filepath.Join(d.staging, filepath.FromSlash(norm))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", norm, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", norm, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", norm, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", norm, err)
	}
	d.seen[norm] = struct{}{}
	return nil
}

// PutBytes writes data into the staged file p.
func (d *DirSink) PutBytes(p string, data []byte) error {
	return d.PutFile(p, bytes.NewReader(data))
}

// Commit moves the staged directory to its destination. The destination must
// not exist or must be an empty directory.
func (d *DirSink) Commit() error {
	if d.committed {
		return nil
	}
	if err := os.Rename(d.staging, d.dest); err != nil {
		return fmt.Errorf("commit bundle to %s: %w", d.dest, err)
	}
	d.committed = true
	return nil
}

// Abort discards the staged entries. It is a no-op after a successful Commit,
// so it can always be deferred.
func (d *DirSink) Abort() error {
	if d.committed {
		return nil
	}
	return os.RemoveAll(d.staging)
}

// DirSource reads a bundle laid out as plain files under a directory.
type DirSource struct {
	root string
}

var _ Source = (*DirSource)(nil)

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// Open opens the file p under the root.
func (d *DirSource) Open(p string) (io.ReadCloser, error) {
	norm, err := NormalizePath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.root, filepath.FromSlash(norm)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, norm)
		}
		return nil, fmt.Errorf("open %s: %w", norm, err)
	}
	return f, nil
}

// List returns the slash-separated paths of all regular files under the root.
func (d *DirSource) List() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", d.root, err)
	}
	sort.Strings(paths)
	return paths, nil
}
