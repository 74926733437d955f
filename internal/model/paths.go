package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ProjectPath identifies a project on the platform as owner/name.
type ProjectPath struct {
	Owner string `json:"owner" yaml:"owner"`
	Name  string `json:"name" yaml:"name"`
}

// ParseProjectPath parses "owner/name".
func ParseProjectPath(s string) (ProjectPath, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return ProjectPath{}, fmt.Errorf("invalid project path %q: want owner/name", s)
	}
	return ProjectPath{Owner: owner, Name: name}, nil
}

func (p ProjectPath) String() string { return p.Owner + "/" + p.Name }

// IsZero reports whether p has neither owner nor name.
func (p ProjectPath) IsZero() bool { return p.Owner == "" && p.Name == "" }

// ExperimentPath identifies one experiment of a project.
type ExperimentPath struct {
	Project ProjectPath `json:"project"`
	Number  int         `json:"number"`
}

func (e ExperimentPath) String() string {
	return e.Project.String() + "/" + strconv.Itoa(e.Number)
}

// ModelPath identifies a model of a project as owner/project/model.
type ModelPath struct {
	Project ProjectPath `json:"project"`
	Name    string      `json:"name"`
}

// ParseModelPath parses "owner/project/model".
func ParseModelPath(s string) (ModelPath, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ModelPath{}, fmt.Errorf("invalid model path %q: want owner/project/model", s)
	}
	return ModelPath{Project: ProjectPath{Owner: parts[0], Name: parts[1]}, Name: parts[2]}, nil
}

func (m ModelPath) String() string { return m.Project.String() + "/" + m.Name }
