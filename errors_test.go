package kiln_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/seantiz/kiln"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "internal"},
		{"direct", kiln.ErrBuild, "build_error"},
		{"wrapped", fmt.Errorf("resolve %q: %w", "train", kiln.ErrUnknownFunction), "unknown_function"},
		{"double wrapped", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", kiln.ErrConflict)), "conflict"},
		{"code version wins over not found", fmt.Errorf("%w: %w", kiln.ErrUnknownCodeVersion, kiln.ErrNotFound), "unknown_code_version"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := kiln.Kind(tc.err); got != tc.want {
				t.Errorf("Kind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFromKind(t *testing.T) {
	for _, err := range []error{kiln.ErrRun, kiln.ErrDecode, kiln.ErrTransport, kiln.ErrInvalidOverride} {
		if got := kiln.FromKind(kiln.Kind(err)); got != err {
			t.Errorf("FromKind(Kind(%v)) = %v, want %v", err, got, err)
		}
	}
	if got := kiln.FromKind("nope"); got != nil {
		t.Errorf("FromKind(nope) = %v, want nil", got)
	}
}
