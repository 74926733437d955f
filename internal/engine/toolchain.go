package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/seantiz/kiln"
)

// Toolchain builds and runs generated programs.
type Toolchain interface {
	Build(ctx context.Context, dir, out string, tags []string) error
	Run(ctx context.Context, bin string, args []string, stdin io.Reader, stdout, stderr io.Writer) error
}

// GoToolchain drives the go command.
type GoToolchain struct {
	// GoBin is the go binary; "go" from PATH when empty.
	GoBin string
	// Env is appended to the current environment for builds.
	Env []string
}

var _ Toolchain = GoToolchain{}

func (g GoToolchain) goBin() string {
	if g.GoBin == "" {
		return "go"
	}
	return g.GoBin
}

// Build compiles the module in dir to out. Compiler output is returned inside
// a kiln.ErrBuild error.
func (g GoToolchain) Build(ctx context.Context, dir, out string, tags []string) error {
	args := []string{"build", "-mod=mod", "-o", out}
	if len(tags) > 0 {
		args = append(args, "-tags", strings.Join(tags, ","))
	}
	args = append(args, ".")

	cmd := exec.CommandContext(ctx, g.goBin(), args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), g.Env...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(output.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: %s", kiln.ErrBuild, msg)
	}
	return nil
}

// Run executes a built program.
func (g GoToolchain) Run(ctx context.Context, bin string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
