package bundle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Digest computes the content address of src: a SHA-256 over every
// (path, content) pair in lexical path order, each field length-prefixed so
// that no two distinct bundles share a digest input.
func Digest(src Source) (string, error) {
	paths, err := src.List()
	if err != nil {
		return "", fmt.Errorf("list source: %w", err)
	}

	h := sha256.New()
	for _, p := range paths {
		writeField(h, []byte(p))

		rc, err := src.Open(p)
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read %s: %w", p, err)
		}
		writeField(h, data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// ValidDigest reports whether s has the form Digest produces: 64 lowercase
// hex characters.
func ValidDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Checksum returns the hex SHA-256 and the length of data.
func Checksum(data []byte) (string, int64) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data))
}
