package kiln

import "errors"

var (
	ErrUnknownFunction    = errors.New("unknown function")
	ErrDuplicateFunction  = errors.New("duplicate function")
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrInvalidOverride    = errors.New("invalid override")
	ErrBuild              = errors.New("build failed")
	ErrRun                = errors.New("run failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrUnknownCodeVersion = errors.New("unknown code version")
	ErrDecode             = errors.New("decode error")
	ErrTransport          = errors.New("transport error")
	ErrInvalidConfig      = errors.New("invalid config")
)

// kinds is ordered so that the most specific classification wins when an
// error wraps several sentinels.
var kinds = []struct {
	err  error
	name string
}{
	{ErrUnknownCodeVersion, "unknown_code_version"},
	{ErrUnknownFunction, "unknown_function"},
	{ErrDuplicateFunction, "duplicate_function"},
	{ErrUnsupportedBackend, "unsupported_backend"},
	{ErrInvalidOverride, "invalid_override"},
	{ErrInvalidConfig, "invalid_config"},
	{ErrBuild, "build_error"},
	{ErrRun, "run_error"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrDecode, "decode_error"},
	{ErrTransport, "transport_error"},
}

// Kind returns the taxonomy name of err, or "internal" when err does not wrap
// any kiln sentinel.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// FromKind is the inverse of Kind. It returns nil for unknown names.
func FromKind(name string) error {
	for _, k := range kinds {
		if k.name == name {
			return k.err
		}
	}
	return nil
}
