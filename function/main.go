package function

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/seantiz/kiln"
)

// Program modes, selected by the first command-line argument.
const (
	ModeRun      = "run"
	ModeDescribe = "describe"
)

// Target is what a generated program was built for. Empty fields accept
// any value from the invocation.
type Target struct {
	Function    string
	Backend     string
	Procedure   ProcedureType
	CodeVersion string
}

// Main is the entry point of generated programs. It runs the registration
// phase, then either describes the registered functions or executes the
// invocation read from stdin, and returns the process exit code.
//
// Frames are written to the original stdout; os.Stdout is redirected to
// stderr so that stray prints from user code end up as log lines.
func Main(target Target, register ...func(*Registry)) int {
	frames := os.Stdout
	os.Stdout = os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Run(ctx, target, os.Args[1:], os.Stdin, frames, os.Stderr, register...)
}

// Run is Main with explicit arguments and streams.
func Run(ctx context.Context, target Target, args []string, stdin io.Reader, stdout, stderr io.Writer, register ...func(*Registry)) int {
	mode := ModeRun
	if len(args) > 0 {
		mode = args[0]
	}

	reg, regErr := bootstrap(register)

	switch mode {
	case ModeDescribe:
		if regErr != nil {
			fmt.Fprintf(stderr, "kiln: %v\n", regErr)
			// A failed describe prints a result object instead of the array.
			_ = json.NewEncoder(stdout).Encode(Failed(regErr))
			return 2
		}
		if err := json.NewEncoder(stdout).Encode(reg.Functions()); err != nil {
			fmt.Fprintf(stderr, "kiln: encode descriptors: %v\n", err)
			return 1
		}
		return 0

	case ModeRun:
		out := &frameWriter{w: stdout, stderr: stderr}
		if regErr != nil {
			out.result(Failed(regErr))
			return 1
		}

		var inv Invocation
		if err := json.NewDecoder(stdin).Decode(&inv); err != nil {
			out.result(Failed(fmt.Errorf("%w: invocation: %v", kiln.ErrDecode, err)))
			return 1
		}

		res := invoke(ctx, target, reg, inv, out)
		if !out.result(res) || !res.Success {
			return 1
		}
		return 0

	default:
		fmt.Fprintf(stderr, "kiln: unknown mode %q\n", mode)
		return 2
	}
}

// bootstrap turns a registration panic into an error so that it can be
// reported through the normal result channel.
func bootstrap(register []func(*Registry)) (reg *Registry, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("registration: %w", e)
				return
			}
			err = fmt.Errorf("registration: %v", r)
		}
	}()
	return Bootstrap(register...), nil
}

func invoke(ctx context.Context, target Target, reg *Registry, inv Invocation, out *frameWriter) ExecutionResult {
	if target.Backend != "" && inv.Backend != target.Backend {
		return Failed(fmt.Errorf("%w: program built for %s, invoked with %s", kiln.ErrUnsupportedBackend, target.Backend, inv.Backend))
	}
	if target.Function != "" && inv.Function != target.Function {
		return Failed(fmt.Errorf("%w: program built for %q, invoked with %q", kiln.ErrUnknownFunction, target.Function, inv.Function))
	}

	d, err := reg.Resolve(inv.Function)
	if err != nil {
		return Failed(err)
	}
	if inv.Procedure != "" && d.Procedure != inv.Procedure {
		return Failed(fmt.Errorf("%w: %q is a %s function", kiln.ErrUnknownFunction, d.Name, d.Procedure))
	}
	if d.Func == nil {
		return Failed(fmt.Errorf("%w: %q has no callable", kiln.ErrUnknownFunction, d.Name))
	}

	arts, err := newArtifacts(inv)
	if err != nil {
		return Failed(err)
	}

	in := &Input{
		Function:  d.Name,
		Backend:   inv.Backend,
		Procedure: d.Procedure,
		RunID:     inv.RunID,
		Config:    inv.Config,
		Logger:    slog.New(slog.NewTextHandler(&lineWriter{out: out}, nil)).With("function", d.Name, "run_id", inv.RunID),
		Artifacts: arts,
	}

	output, err := call(ctx, d.Func, in)
	if err != nil {
		if kiln.Kind(err) == "internal" {
			err = fmt.Errorf("%w: %w", kiln.ErrRun, err)
		}
		return Failed(err)
	}
	return ExecutionResult{Success: true, Output: output}
}

// call runs fn, converting a panic in user code into a run error.
func call(ctx context.Context, fn Func, in *Input) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", kiln.ErrRun, r)
		}
	}()
	return fn(ctx, in)
}

// frameWriter serializes frames from the function's logger and the final
// result onto one stream.
type frameWriter struct {
	mu     sync.Mutex
	w      io.Writer
	stderr io.Writer
}

func (f *frameWriter) log(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = WriteMessage(f.w, Message{Type: MsgTypeLog, Line: line})
}

// result writes the final frame and reports whether res itself went out.
// When it cannot be written, for example because the output exceeds
// MaxMessageSize, a failed result naming the cause is sent in its place.
func (f *frameWriter) result(res ExecutionResult) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := WriteMessage(f.w, Message{Type: MsgTypeResult, Result: &res})
	if err == nil {
		return true
	}
	fmt.Fprintf(f.stderr, "kiln: write result: %v\n", err)
	fallback := Failed(fmt.Errorf("%w: write result: %v", kiln.ErrRun, err))
	if err := WriteMessage(f.w, Message{Type: MsgTypeResult, Result: &fallback}); err != nil {
		fmt.Fprintf(f.stderr, "kiln: write result: %v\n", err)
	}
	return false
}

// lineWriter turns each written line into a log frame.
type lineWriter struct {
	out *frameWriter
}

func (l *lineWriter) Write(p []byte) (int, error) {
	for line := range strings.SplitSeq(strings.TrimRight(string(p), "\n"), "\n") {
		l.out.log(line)
	}
	return len(p), nil
}
