package function

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/kiln"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types written by Main on stdout.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Message is the envelope for every frame a generated program emits. Log
// frames stream while the function runs; exactly one result frame ends the
// stream.
type Message struct {
	Type   string           `json:"type"`
	Line   string           `json:"line,omitempty"`
	Result *ExecutionResult `json:"result,omitempty"`
}

// Invocation is the configuration blob a generated program reads on stdin.
type Invocation struct {
	Function    string          `json:"function"`
	Backend     string          `json:"backend"`
	Procedure   ProcedureType   `json:"procedure"`
	RunID       string          `json:"run_id"`
	Config      json.RawMessage `json:"config,omitempty"`
	ArtifactDir string          `json:"artifact_dir,omitempty"`
	Platform    *PlatformTarget `json:"platform,omitempty"`
}

// PlatformTarget binds a run to a platform experiment so that artifacts are
// uploaded instead of written to ArtifactDir.
type PlatformTarget struct {
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"api_key,omitempty"`
	Owner      string `json:"owner"`
	Project    string `json:"project"`
	Experiment int    `json:"experiment"`
}

// ErrorInfo is the structured error carried by a failed ExecutionResult.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Err converts the info back into an error wrapping the matching kiln
// sentinel, defaulting to kiln.ErrRun.
func (e *ErrorInfo) Err() error {
	if e == nil {
		return nil
	}
	sentinel := kiln.FromKind(e.Kind)
	if sentinel == nil {
		sentinel = kiln.ErrRun
	}
	return fmt.Errorf("%w: %s", sentinel, e.Message)
}

// ExecutionResult is the outcome of one function invocation.
type ExecutionResult struct {
	Success bool       `json:"success"`
	Output  string     `json:"output,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// Failed builds an unsuccessful result from err.
func Failed(err error) ExecutionResult {
	return ExecutionResult{
		Success: false,
		Error:   &ErrorInfo{Kind: kiln.Kind(err), Message: err.Error()},
	}
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
// A clean end of stream before the length prefix is reported as io.EOF.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
