// Package project reads kiln.yaml, the file that marks the root of a kiln
// project and names it on the platform.
package project

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/internal/codegen"
	"github.com/seantiz/kiln/internal/model"
)

// FileName is the project file name.
const FileName = "kiln.yaml"

// ErrNoProject is returned when no kiln.yaml exists in a directory or any
// of its parents.
var ErrNoProject = errors.New("no " + FileName + " found")

// Project is the parsed content of kiln.yaml.
type Project struct {
	Owner string `yaml:"owner"`
	Name  string `yaml:"name"`
	// Module defaults to the module path declared in go.mod.
	Module string `yaml:"module,omitempty"`
	// FunctionsPackage defaults to <module>/functions.
	FunctionsPackage string `yaml:"functions_package,omitempty"`
	// Exclude lists extra glob patterns left out of packaged code versions.
	Exclude []string `yaml:"exclude,omitempty"`

	// Dir is the directory holding kiln.yaml.
	Dir string `yaml:"-"`
}

// Load reads kiln.yaml from dir.
func Load(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	data, err := os.ReadFile(filepath.Join(abs, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrNoProject, abs)
		}
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}

	var p Project
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", kiln.ErrInvalidConfig, FileName, err)
	}
	p.Dir = abs

	if p.Module == "" {
		mod, err := modulePath(filepath.Join(abs, "go.mod"))
		if err != nil {
			return nil, err
		}
		p.Module = mod
	}
	if p.FunctionsPackage == "" {
		p.FunctionsPackage = p.Module + "/functions"
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Find loads the nearest kiln.yaml at or above start.
func Find(start string) (*Project, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("%w in %s or any parent", ErrNoProject, start)
		}
		dir = parent
	}
}

func (p *Project) validate() error {
	if p.Owner == "" || p.Name == "" {
		return fmt.Errorf("%w: %s needs owner and name", kiln.ErrInvalidConfig, FileName)
	}
	if strings.Contains(p.Owner, "/") || strings.Contains(p.Name, "/") {
		return fmt.Errorf("%w: owner and name must not contain '/'", kiln.ErrInvalidConfig)
	}
	if p.FunctionsPackage != p.Module && !strings.HasPrefix(p.FunctionsPackage, p.Module+"/") {
		return fmt.Errorf("%w: functions_package %s is outside module %s", kiln.ErrInvalidConfig, p.FunctionsPackage, p.Module)
	}
	return nil
}

// Path returns the platform path of the project.
func (p *Project) Path() model.ProjectPath {
	return model.ProjectPath{Owner: p.Owner, Name: p.Name}
}

// Info returns what the code generator needs to link against the project.
func (p *Project) Info() codegen.ProjectInfo {
	return codegen.ProjectInfo{
		ModulePath:       p.Module,
		FunctionsPackage: p.FunctionsPackage,
		Dir:              p.Dir,
	}
}

// modulePath reads the module directive of a go.mod file.
func modulePath(gomod string) (string, error) {
	f, err := os.Open(gomod)
	if err != nil {
		return "", fmt.Errorf("%w: %s has no module and go.mod is unreadable: %v", kiln.ErrInvalidConfig, FileName, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "module"); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
			mod := strings.Trim(strings.TrimSpace(rest), `"`)
			if mod != "" {
				return mod, nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read go.mod: %w", err)
	}
	return "", fmt.Errorf("%w: no module directive in %s", kiln.ErrInvalidConfig, gomod)
}
