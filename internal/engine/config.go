package engine

import (
	"fmt"

	"github.com/seantiz/kiln/function"
	"github.com/seantiz/kiln/internal/codegen"
	"github.com/seantiz/kiln/internal/runconfig"
)

// LocalExecutionConfig describes one local execution. It is immutable; build
// it with NewLocalExecution.
type LocalExecutionConfig struct {
	function    string
	backend     string
	procedure   function.ProcedureType
	codeVersion string
	configPaths []string
	overrides   []runconfig.Override
	strict      bool
	project     codegen.ProjectInfo
	runID       string
	artifactDir string
	platform    *function.PlatformTarget
}

// Function returns the function name.
func (c LocalExecutionConfig) Function() string { return c.function }

// Backend returns the requested backend name; empty means the default.
func (c LocalExecutionConfig) Backend() string { return c.backend }

// Procedure returns the procedure type.
func (c LocalExecutionConfig) Procedure() function.ProcedureType { return c.procedure }

// CodeVersion returns the code version stamp.
func (c LocalExecutionConfig) CodeVersion() string { return c.codeVersion }

// RunID returns the preassigned run ID, if any.
func (c LocalExecutionConfig) RunID() string { return c.runID }

// ConfigPaths returns the config files in merge order.
func (c LocalExecutionConfig) ConfigPaths() []string {
	return append([]string(nil), c.configPaths...)
}

// PlatformTarget returns the experiment binding, or nil for local artifacts.
func (c LocalExecutionConfig) PlatformTarget() *function.PlatformTarget { return c.platform }

// Overrides returns a copy of the config overrides in application order.
func (c LocalExecutionConfig) Overrides() []runconfig.Override {
	return append([]runconfig.Override(nil), c.overrides...)
}

// LocalExecutionBuilder assembles a LocalExecutionConfig.
type LocalExecutionBuilder struct {
	cfg LocalExecutionConfig
}

// NewLocalExecution starts a config for running fn as procedure.
func NewLocalExecution(fn string, procedure function.ProcedureType) *LocalExecutionBuilder {
	return &LocalExecutionBuilder{cfg: LocalExecutionConfig{function: fn, procedure: procedure}}
}

// Backend pins a backend by name, including "auto".
func (b *LocalExecutionBuilder) Backend(name string) *LocalExecutionBuilder {
	b.cfg.backend = name
	return b
}

// CodeVersion stamps the generated program with a code version.
func (b *LocalExecutionBuilder) CodeVersion(v string) *LocalExecutionBuilder {
	b.cfg.codeVersion = v
	return b
}

// ConfigFile adds a config file. Later files override earlier ones.
func (b *LocalExecutionBuilder) ConfigFile(path string) *LocalExecutionBuilder {
	b.cfg.configPaths = append(b.cfg.configPaths, path)
	return b
}

// Override appends overrides, applied after every config file.
func (b *LocalExecutionBuilder) Override(o ...runconfig.Override) *LocalExecutionBuilder {
	b.cfg.overrides = append(b.cfg.overrides, o...)
	return b
}

// StrictConfig rejects config file keys missing from the function's defaults.
func (b *LocalExecutionBuilder) StrictConfig() *LocalExecutionBuilder {
	b.cfg.strict = true
	return b
}

// Project points at the user's module.
func (b *LocalExecutionBuilder) Project(info codegen.ProjectInfo) *LocalExecutionBuilder {
	b.cfg.project = info
	return b
}

// RunID preassigns the execution ID, so callers can subscribe to logs first.
func (b *LocalExecutionBuilder) RunID(id string) *LocalExecutionBuilder {
	b.cfg.runID = id
	return b
}

// ArtifactDir makes artifact uploads land on the local filesystem.
func (b *LocalExecutionBuilder) ArtifactDir(dir string) *LocalExecutionBuilder {
	b.cfg.artifactDir = dir
	return b
}

// Platform binds artifact uploads to an experiment on the platform.
func (b *LocalExecutionBuilder) Platform(target function.PlatformTarget) *LocalExecutionBuilder {
	b.cfg.platform = &target
	return b
}

// Build validates and returns the config.
func (b *LocalExecutionBuilder) Build() (LocalExecutionConfig, error) {
	c := b.cfg
	if c.function == "" {
		return LocalExecutionConfig{}, fmt.Errorf("function name is required")
	}
	if _, err := function.ParseProcedure(string(c.procedure)); err != nil {
		return LocalExecutionConfig{}, err
	}
	if c.project.Dir == "" || c.project.FunctionsPackage == "" || c.project.ModulePath == "" {
		return LocalExecutionConfig{}, fmt.Errorf("project module path, functions package and dir are required")
	}
	if c.platform != nil && c.platform.Endpoint == "" {
		return LocalExecutionConfig{}, fmt.Errorf("platform endpoint is required when binding to an experiment")
	}
	c.configPaths = append([]string(nil), c.configPaths...)
	c.overrides = append([]runconfig.Override(nil), c.overrides...)
	return c, nil
}
