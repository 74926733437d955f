package function

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/bundle"
)

// ProcedureType classifies a function as training or inference.
type ProcedureType string

const (
	Training  ProcedureType = "training"
	Inference ProcedureType = "inference"
)

// ParseProcedure parses a procedure type name.
func ParseProcedure(s string) (ProcedureType, error) {
	switch ProcedureType(s) {
	case Training, Inference:
		return ProcedureType(s), nil
	default:
		return "", fmt.Errorf("unknown procedure type %q", s)
	}
}

// DeviceClass restricts the devices a function may run on.
type DeviceClass string

const (
	AnyDevice DeviceClass = ""
	CPUOnly   DeviceClass = "cpu_only"
	GPUOnly   DeviceClass = "gpu_only"
)

// Constraints are checked against a backend's capabilities before anything
// is generated or built.
type Constraints struct {
	Device           DeviceClass `json:"device,omitempty"`
	RequiresAutodiff bool        `json:"requires_autodiff,omitempty"`
}

// Artifact kinds accepted by Artifacts.Upload.
const (
	ArtifactModel = "model"
	ArtifactLog   = "log"
	ArtifactOther = "other"
)

// Artifacts lets a running function persist bundles for its experiment.
type Artifacts interface {
	Upload(ctx context.Context, name, kind string, enc bundle.Encoder) error
}

// Input is what a function receives when invoked.
type Input struct {
	Function  string
	Backend   string
	Procedure ProcedureType
	RunID     string
	Config    json.RawMessage
	Logger    *slog.Logger
	Artifacts Artifacts
}

// DecodeConfig unmarshals the merged configuration into v.
func (in *Input) DecodeConfig(v any) error {
	if len(in.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Config, v); err != nil {
		return fmt.Errorf("%w: config: %v", kiln.ErrDecode, err)
	}
	return nil
}

// Func is a registered training or inference function. The returned string
// is a short textual summary reported in the ExecutionResult.
type Func func(ctx context.Context, in *Input) (string, error)

// Descriptor describes one registered function. Func is only set inside the
// program that compiled the function in; descriptors obtained through
// discovery carry metadata only.
type Descriptor struct {
	Name         string         `json:"name"`
	Procedure    ProcedureType  `json:"procedure"`
	ConfigSchema string         `json:"config_schema,omitempty"`
	Description  string         `json:"description,omitempty"`
	Constraints  Constraints    `json:"constraints"`
	Defaults     map[string]any `json:"defaults,omitempty"`
	Func         Func           `json:"-"`
}

// Option customizes a Descriptor built by Train or Infer.
type Option func(*Descriptor)

// Train describes a training function.
func Train(name string, fn Func, opts ...Option) Descriptor {
	return newDescriptor(name, Training, fn, opts)
}

// Infer describes an inference function.
func Infer(name string, fn Func, opts ...Option) Descriptor {
	return newDescriptor(name, Inference, fn, opts)
}

func newDescriptor(name string, proc ProcedureType, fn Func, opts []Option) Descriptor {
	d := Descriptor{Name: name, Procedure: proc, Func: fn}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithSchema sets the configuration schema identifier.
func WithSchema(id string) Option {
	return func(d *Descriptor) { d.ConfigSchema = id }
}

// WithDescription sets a human readable description.
func WithDescription(s string) Option {
	return func(d *Descriptor) { d.Description = s }
}

// WithDefaults sets the default configuration. Its keys define the schema
// that overrides and strict config loading are validated against.
func WithDefaults(defaults map[string]any) Option {
	return func(d *Descriptor) { d.Defaults = defaults }
}

// WithAutodiff marks the function as needing gradient support.
func WithAutodiff() Option {
	return func(d *Descriptor) { d.Constraints.RequiresAutodiff = true }
}

// OnCPU restricts the function to CPU backends.
func OnCPU() Option {
	return func(d *Descriptor) { d.Constraints.Device = CPUOnly }
}

// OnGPU restricts the function to GPU backends.
func OnGPU() Option {
	return func(d *Descriptor) { d.Constraints.Device = GPUOnly }
}
