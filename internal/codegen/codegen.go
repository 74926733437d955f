// Package codegen renders the small Go program that links a user's functions
// package against one backend and drives a single function.
//
// Generation is pure: the same request always yields the same bytes, so the
// output fingerprint doubles as the build cache key.
package codegen

import (
	"bytes"
	"embed"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/cespare/xxhash/v2"

	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/function"
	"github.com/seantiz/kiln/internal/backend"
)

// KilnModule is the import path generated programs depend on.
const KilnModule = "github.com/seantiz/kiln"

// FingerprintFile is written next to the generated sources.
const FingerprintFile = ".kiln-fingerprint"

const defaultGoVersion = "1.25"

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// ProjectInfo locates the user's code.
type ProjectInfo struct {
	// ModulePath is the user's Go module path.
	ModulePath string
	// FunctionsPackage is the import path of the package exposing Register.
	FunctionsPackage string
	// Dir is the absolute directory of the user's module.
	Dir string
	// RegisterFunc names the registration func; "Register" when empty.
	RegisterFunc string
}

// Request is the input of Generate.
type Request struct {
	Descriptor  function.Descriptor
	Backend     backend.Capabilities
	Procedure   function.ProcedureType
	Project     ProjectInfo
	KilnVersion string
	CodeVersion string
	GoVersion   string

	// KilnDir, when set, replaces the kiln module with a local checkout.
	KilnDir string
}

// Project is a generated program ready to be written and built.
type Project struct {
	Files map[string][]byte
	// Tags are passed to the build to select the backend.
	Tags   []string
	Target function.Target
}

var _ bundle.Encoder = (*Project)(nil)

type templateData struct {
	Module           string
	GoVersion        string
	KilnModule       string
	KilnVersion      string
	KilnDir          string
	UserModule       string
	UserDir          string
	FunctionsPackage string
	RegisterFunc     string
	Function         string
	Backend          string
	Procedure        string
	CodeVersion      string
}

// Generate renders the program that runs req.Descriptor on req.Backend. It
// fails with kiln.ErrUnsupportedBackend when the backend cannot serve the
// function.
func Generate(req Request) (*Project, error) {
	if req.Procedure == "" {
		req.Procedure = req.Descriptor.Procedure
	}
	if req.Procedure != req.Descriptor.Procedure {
		return nil, fmt.Errorf("function %q is %s, not %s", req.Descriptor.Name, req.Descriptor.Procedure, req.Procedure)
	}
	if err := backend.Check(req.Backend, req.Procedure, req.Descriptor.Constraints); err != nil {
		return nil, fmt.Errorf("function %q: %w", req.Descriptor.Name, err)
	}

	data, err := newTemplateData(req.Project, req.KilnVersion, req.KilnDir, req.CodeVersion, req.GoVersion)
	if err != nil {
		return nil, err
	}
	data.Module = "kiln.local/" + sanitize(req.Descriptor.Name) + "-" + req.Backend.Name
	data.Function = req.Descriptor.Name
	data.Backend = req.Backend.Name
	data.Procedure = procedureConst(req.Procedure)

	files, err := render(data)
	if err != nil {
		return nil, err
	}
	return &Project{
		Files: files,
		Tags:  append([]string(nil), req.Backend.BuildTags...),
		Target: function.Target{
			Function:    req.Descriptor.Name,
			Backend:     req.Backend.Name,
			Procedure:   req.Procedure,
			CodeVersion: req.CodeVersion,
		},
	}, nil
}

// GenerateDescribe renders a program that only lists the registered
// functions. It is not pinned to a function or backend.
func GenerateDescribe(info ProjectInfo, kilnVersion, kilnDir, codeVersion string) (*Project, error) {
	data, err := newTemplateData(info, kilnVersion, kilnDir, codeVersion, "")
	if err != nil {
		return nil, err
	}
	data.Module = "kiln.local/describe"

	files, err := render(data)
	if err != nil {
		return nil, err
	}
	return &Project{Files: files, Target: function.Target{CodeVersion: codeVersion}}, nil
}

func newTemplateData(info ProjectInfo, kilnVersion, kilnDir, codeVersion, goVersion string) (templateData, error) {
	if info.ModulePath == "" || info.FunctionsPackage == "" || info.Dir == "" {
		return templateData{}, fmt.Errorf("project info needs module path, functions package and dir")
	}
	if info.FunctionsPackage != info.ModulePath && !strings.HasPrefix(info.FunctionsPackage, info.ModulePath+"/") {
		return templateData{}, fmt.Errorf("functions package %s is outside module %s", info.FunctionsPackage, info.ModulePath)
	}
	if kilnVersion == "" {
		kilnVersion = "v0.0.0"
	}
	if goVersion == "" {
		goVersion = defaultGoVersion
	}
	register := info.RegisterFunc
	if register == "" {
		register = "Register"
	}
	return templateData{
		GoVersion:        goVersion,
		KilnModule:       KilnModule,
		KilnVersion:      kilnVersion,
		KilnDir:          kilnDir,
		UserModule:       info.ModulePath,
		UserDir:          info.Dir,
		FunctionsPackage: info.FunctionsPackage,
		RegisterFunc:     register,
		CodeVersion:      codeVersion,
	}, nil
}

func render(data templateData) (map[string][]byte, error) {
	var mod bytes.Buffer
	if err := templates.ExecuteTemplate(&mod, "go.mod.tmpl", data); err != nil {
		return nil, fmt.Errorf("render go.mod: %w", err)
	}

	var src bytes.Buffer
	if err := templates.ExecuteTemplate(&src, "main.go.tmpl", data); err != nil {
		return nil, fmt.Errorf("render main.go: %w", err)
	}
	formatted, err := format.Source(src.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format main.go: %w", err)
	}

	return map[string][]byte{
		"go.mod":  mod.Bytes(),
		"main.go": formatted,
	}, nil
}

func procedureConst(p function.ProcedureType) string {
	if p == function.Training {
		return "Training"
	}
	return "Inference"
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "fn"
	}
	return b.String()
}

// Paths returns the generated file paths in sorted order.
func (p *Project) Paths() []string {
	paths := make([]string, 0, len(p.Files))
	for name := range p.Files {
		paths = append(paths, name)
	}
	sort.Strings(paths)
	return paths
}

// Fingerprint hashes the generated tree and build tags.
func (p *Project) Fingerprint() string {
	h := xxhash.New()
	for _, name := range p.Paths() {
		h.WriteString(name)
		h.Write([]byte{0})
		h.WriteString(strconv.Itoa(len(p.Files[name])))
		h.Write([]byte{0})
		h.Write(p.Files[name])
	}
	for _, tag := range p.Tags {
		h.WriteString("tag:" + tag)
		h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// EncodeBundle implements bundle.Encoder.
func (p *Project) EncodeBundle(sink bundle.Sink) error {
	for _, name := range p.Paths() {
		if err := sink.PutBytes(name, p.Files[name]); err != nil {
			return err
		}
	}
	return nil
}

// WriteTo writes the project into dir, replacing whatever is there. It
// reports false without touching dir when dir already holds a project with
// the same fingerprint.
func (p *Project) WriteTo(dir string) (bool, error) {
	fp := p.Fingerprint()
	if existing, err := os.ReadFile(filepath.Join(dir, FingerprintFile)); err == nil && strings.TrimSpace(string(existing)) == fp {
		return false, nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("clear %s: %w", dir, err)
	}
	sink, err := bundle.NewDirSink(dir)
	if err != nil {
		return false, err
	}
	defer sink.Abort()

	if err := p.EncodeBundle(sink); err != nil {
		return false, fmt.Errorf("write generated project: %w", err)
	}
	if err := sink.PutBytes(FingerprintFile, []byte(fp+"\n")); err != nil {
		return false, err
	}
	if err := sink.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
