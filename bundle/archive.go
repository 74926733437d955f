package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// archiveEpoch is stamped on every archive entry so that identical inputs
// always produce identical archive bytes.
var archiveEpoch = time.Unix(0, 0).UTC()

// WriteArchive seals src into a gzip-compressed tar stream written to w.
// Entries are written in listing order with fixed metadata.
func WriteArchive(w io.Writer, src Source) error {
	paths, err := src.List()
	if err != nil {
		return fmt.Errorf("list source: %w", err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, p := range paths {
		data, err := ReadFile(src, p)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:     p,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  archiveEpoch,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", p, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write entry %s: %w", p, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

// ReadArchive reads a stream produced by WriteArchive into memory.
// Entries whose names escape the archive root are rejected.
func ReadArchive(r io.Reader) (*MemoryReader, error) {
	sink := NewMemorySink()
	if err := readArchive(r, sink); err != nil {
		return nil, err
	}
	return sink.Reader(), nil
}

// ExtractArchive unpacks an archive into dest. The destination only appears
// once every entry has been written.
func ExtractArchive(r io.Reader, dest string) error {
	sink, err := NewDirSink(dest)
	if err != nil {
		return err
	}
	defer sink.Abort()

	if err := readArchive(r, sink); err != nil {
		return err
	}
	return sink.Commit()
}

func readArchive(r io.Reader, sink Sink) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeReg:
			if err := sink.PutFile(hdr.Name, tr); err != nil {
				return err
			}
		case tar.TypeDir:
		default:
			return fmt.Errorf("unsupported archive entry %q (type %c)", hdr.Name, hdr.Typeflag)
		}
	}
}
