// Package submit packages a project, publishes it as a code version and
// submits jobs that run a function from that code version on a remote
// compute provider.
package submit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/function"
	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
	"github.com/seantiz/kiln/internal/runconfig"
)

// Platform is the subset of the platform API used for submission.
type Platform interface {
	HasCodeVersion(ctx context.Context, p model.ProjectPath, digest string) (bool, error)
	UploadCodeVersion(ctx context.Context, p model.ProjectPath, digest string, functions []model.Function, archive []byte) (*model.CodeVersion, error)
	GetCodeVersion(ctx context.Context, p model.ProjectPath, digest string) (*model.CodeVersion, error)
	SubmitJob(ctx context.Context, p model.ProjectPath, req platform.JobRequest) (*model.Job, error)
}

var _ Platform = (*platform.Client)(nil)

// Publisher uploads packages as code versions.
type Publisher struct {
	platform Platform
}

// NewPublisher creates a publisher over p.
func NewPublisher(p Platform) *Publisher {
	return &Publisher{platform: p}
}

// Publish makes pkg available as a code version of project. Nothing is
// uploaded when the digest already exists. The returned bool reports whether
// an upload happened.
func (pub *Publisher) Publish(ctx context.Context, project model.ProjectPath, pkg *Package, functions []model.Function) (*model.CodeVersion, bool, error) {
	exists, err := pub.platform.HasCodeVersion(ctx, project, pkg.Digest)
	if err != nil {
		return nil, false, err
	}
	if exists {
		cv, err := pub.platform.GetCodeVersion(ctx, project, pkg.Digest)
		if err != nil {
			return nil, false, err
		}
		return cv, false, nil
	}
	cv, err := pub.platform.UploadCodeVersion(ctx, project, pkg.Digest, functions, pkg.Archive)
	if err != nil {
		return nil, false, err
	}
	return cv, true, nil
}

// FunctionMetadata converts discovered descriptors into code version metadata.
func FunctionMetadata(descs []function.Descriptor) []model.Function {
	out := make([]model.Function, 0, len(descs))
	for _, d := range descs {
		out = append(out, model.Function{Name: d.Name, Procedure: string(d.Procedure), ConfigSchema: d.ConfigSchema})
	}
	return out
}

// JobSubmissionConfig describes a remote run. It is immutable; build it with
// NewJobSubmission.
type JobSubmissionConfig struct {
	function      string
	backend       string
	procedure     function.ProcedureType
	codeVersion   string
	configPath    string
	overrides     []runconfig.Override
	encoded       [][2]string
	providerGroup string
	project       model.ProjectPath
	apiKey        string
	endpoint      string
	experiment    int
}

// Project returns the project the job runs in.
func (c JobSubmissionConfig) Project() model.ProjectPath { return c.project }

// CodeVersion returns the digest the job runs.
func (c JobSubmissionConfig) CodeVersion() string { return c.codeVersion }

// Description returns the provider-facing job description.
func (c JobSubmissionConfig) Description() model.JobDescription {
	overrides := make([][2]string, len(c.encoded))
	copy(overrides, c.encoded)
	return model.JobDescription{
		Function:    c.function,
		Backend:     c.backend,
		Procedure:   string(c.procedure),
		ConfigPath:  c.configPath,
		Overrides:   overrides,
		Digest:      c.codeVersion,
		Namespace:   c.project.Owner,
		Project:     c.project.Name,
		APIEndpoint: c.endpoint,
		Key:         c.apiKey,
		Experiment:  c.experiment,
	}
}

// JobSubmissionBuilder assembles a JobSubmissionConfig.
type JobSubmissionBuilder struct {
	cfg JobSubmissionConfig
}

// NewJobSubmission starts a config for running fn as procedure.
func NewJobSubmission(fn string, procedure function.ProcedureType) *JobSubmissionBuilder {
	return &JobSubmissionBuilder{cfg: JobSubmissionConfig{function: fn, procedure: procedure}}
}

// Backend pins a backend by name.
func (b *JobSubmissionBuilder) Backend(name string) *JobSubmissionBuilder {
	b.cfg.backend = name
	return b
}

// CodeVersion sets the digest of the code version to run.
func (b *JobSubmissionBuilder) CodeVersion(digest string) *JobSubmissionBuilder {
	b.cfg.codeVersion = digest
	return b
}

// ConfigFile sets the config file, relative to the project root.
func (b *JobSubmissionBuilder) ConfigFile(path string) *JobSubmissionBuilder {
	b.cfg.configPath = path
	return b
}

// Override appends config overrides.
func (b *JobSubmissionBuilder) Override(o ...runconfig.Override) *JobSubmissionBuilder {
	b.cfg.overrides = append(b.cfg.overrides, o...)
	return b
}

// ProviderGroup names the compute providers allowed to take the job.
func (b *JobSubmissionBuilder) ProviderGroup(name string) *JobSubmissionBuilder {
	b.cfg.providerGroup = name
	return b
}

// Project sets the owning project.
func (b *JobSubmissionBuilder) Project(p model.ProjectPath) *JobSubmissionBuilder {
	b.cfg.project = p
	return b
}

// Credentials sets the platform endpoint and API key the job uses.
func (b *JobSubmissionBuilder) Credentials(endpoint, apiKey string) *JobSubmissionBuilder {
	b.cfg.endpoint = endpoint
	b.cfg.apiKey = apiKey
	return b
}

// Experiment binds the job's artifacts to an experiment.
func (b *JobSubmissionBuilder) Experiment(n int) *JobSubmissionBuilder {
	b.cfg.experiment = n
	return b
}

// Build validates and returns the config. Backend names are checked here;
// backend capabilities are checked by the provider, which knows the
// function's constraints.
func (b *JobSubmissionBuilder) Build() (JobSubmissionConfig, error) {
	c := b.cfg
	if c.function == "" {
		return JobSubmissionConfig{}, fmt.Errorf("function name is required")
	}
	if _, err := function.ParseProcedure(string(c.procedure)); err != nil {
		return JobSubmissionConfig{}, err
	}
	if c.codeVersion == "" {
		return JobSubmissionConfig{}, fmt.Errorf("%w: code version is required", kiln.ErrUnknownCodeVersion)
	}
	if c.providerGroup == "" {
		return JobSubmissionConfig{}, fmt.Errorf("provider group is required")
	}
	if c.project.Owner == "" || c.project.Name == "" {
		return JobSubmissionConfig{}, fmt.Errorf("project is required")
	}
	if c.endpoint == "" {
		return JobSubmissionConfig{}, fmt.Errorf("api endpoint is required")
	}
	if c.backend != "" && c.backend != backend.Auto {
		if _, err := backend.DefaultRegistry().Lookup(c.backend); err != nil {
			return JobSubmissionConfig{}, err
		}
	}
	c.overrides = append([]runconfig.Override(nil), c.overrides...)
	c.encoded = make([][2]string, 0, len(c.overrides))
	for _, o := range c.overrides {
		if o.Key == "" {
			return JobSubmissionConfig{}, fmt.Errorf("%w: empty key", kiln.ErrInvalidOverride)
		}
		value, err := json.Marshal(o.Value)
		if err != nil {
			return JobSubmissionConfig{}, fmt.Errorf("%w: %s: %v", kiln.ErrInvalidOverride, o.Key, err)
		}
		c.encoded = append(c.encoded, [2]string{o.Key, string(value)})
	}
	return c, nil
}

// Client submits jobs.
type Client struct {
	platform Platform
}

// NewClient creates a submission client over p.
func NewClient(p Platform) *Client {
	return &Client{platform: p}
}

// SubmitJob checks that the code version exists and submits the job,
// returning its ID. A missing code version fails with
// kiln.ErrUnknownCodeVersion before anything is submitted.
func (c *Client) SubmitJob(ctx context.Context, cfg JobSubmissionConfig) (string, error) {
	cv, err := c.platform.GetCodeVersion(ctx, cfg.project, cfg.codeVersion)
	if err != nil {
		if kiln.Kind(err) == "not_found" {
			return "", fmt.Errorf("%w: %s in %s", kiln.ErrUnknownCodeVersion, cfg.codeVersion, cfg.project)
		}
		return "", err
	}
	if len(cv.Functions) > 0 && !hasFunction(cv.Functions, cfg.function, cfg.procedure) {
		return "", fmt.Errorf("%w: %q (%s) is not registered in code version %s", kiln.ErrUnknownFunction, cfg.function, cfg.procedure, cfg.codeVersion)
	}

	payload, err := json.Marshal(cfg.Description())
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	job, err := c.platform.SubmitJob(ctx, cfg.project, platform.JobRequest{
		ProviderGroup: cfg.providerGroup,
		Digest:        cfg.codeVersion,
		Job:           payload,
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func hasFunction(fns []model.Function, name string, procedure function.ProcedureType) bool {
	for _, f := range fns {
		if f.Name == name && f.Procedure == string(procedure) {
			return true
		}
	}
	return false
}
