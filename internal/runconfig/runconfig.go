// Package runconfig merges a function's default config, config files and
// command-line overrides into the JSON document handed to the function.
package runconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/seantiz/kiln"
)

const delim = "."

// Override replaces the value at a dotted config path.
type Override struct {
	Key   string
	Value any
}

func (o Override) String() string {
	data, err := json.Marshal(o.Value)
	if err != nil {
		return o.Key + "=" + fmt.Sprint(o.Value)
	}
	return o.Key + "=" + string(data)
}

// ParseOverride parses "key=value". The value is decoded as JSON when it is
// valid JSON and kept as a string otherwise, so lr=0.1 is a number and
// name=resnet is a string.
func ParseOverride(s string) (Override, error) {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return Override{}, fmt.Errorf("%w: %q: want key=value", kiln.ErrInvalidOverride, s)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	return Override{Key: key, Value: v}, nil
}

// ParseOverrides parses every entry of args, reporting all malformed ones.
func ParseOverrides(args []string) ([]Override, error) {
	out := make([]Override, 0, len(args))
	var merr *multierror.Error
	for _, a := range args {
		o, err := ParseOverride(a)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		out = append(out, o)
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// Options controls how config files are merged.
type Options struct {
	// Strict rejects file keys that are absent from the defaults. It has no
	// effect when there are no defaults. Overrides are always strict.
	Strict bool
}

// Resolve loads defaults, then each file in order, then applies overrides
// last-wins. It returns the merged config as a JSON object.
func Resolve(defaults map[string]any, files []string, overrides []Override, opts Options) (json.RawMessage, error) {
	k := koanf.New(delim)

	base, err := copyMap(defaults)
	if err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", kiln.ErrInvalidConfig, err)
	}
	if err := k.Load(confmap.Provider(base, ""), nil); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", kiln.ErrInvalidConfig, err)
	}
	known := k.Copy()

	for _, path := range files {
		fk := koanf.New(delim)
		if err := fk.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", kiln.ErrInvalidConfig, path, err)
		}
		if opts.Strict && len(defaults) > 0 {
			if err := checkKnown(known, fk, path); err != nil {
				return nil, err
			}
		}
		if err := k.Merge(fk); err != nil {
			return nil, fmt.Errorf("%w: merge %s: %v", kiln.ErrInvalidConfig, path, err)
		}
	}

	if err := Apply(k, overrides); err != nil {
		return nil, err
	}

	data, err := json.Marshal(k.Raw())
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", kiln.ErrInvalidConfig, err)
	}
	return data, nil
}

// Apply validates every override against k and then applies them in order.
// Nothing is applied when any override is invalid.
func Apply(k *koanf.Koanf, overrides []Override) error {
	var merr *multierror.Error
	for _, o := range overrides {
		if err := validate(k, o); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", kiln.ErrInvalidOverride, err)
	}
	for _, o := range overrides {
		if err := k.Set(o.Key, o.Value); err != nil {
			return fmt.Errorf("%w: %s: %v", kiln.ErrInvalidOverride, o.Key, err)
		}
	}
	return nil
}

func validate(k *koanf.Koanf, o Override) error {
	if !k.Exists(o.Key) {
		return fmt.Errorf("unknown key %q", o.Key)
	}
	current := k.Get(o.Key)
	if current == nil {
		return nil
	}
	want, got := typeOf(current), typeOf(o.Value)
	if want != got {
		return fmt.Errorf("key %q: want %s, got %s", o.Key, want, got)
	}
	return nil
}

func checkKnown(known, fk *koanf.Koanf, path string) error {
	var unknown []string
	for _, key := range fk.Keys() {
		if !known.Exists(key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("%w: %s: unknown keys %s", kiln.ErrInvalidConfig, path, strings.Join(unknown, ", "))
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// copyMap deep-copies m through JSON so koanf never aliases caller maps and
// numbers share one representation.
func copyMap(m map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(m) == 0 {
		return out, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
