package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"guided-audio-stream/shared"
)

// stderrTail bounds how much encoder output is kept for diagnostics.
const stderrTail = 4096

// CommandResult is the captured outcome of one process run.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// CommandLog records one encoder invocation for diagnostics.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stderr   string   `json:"stderr"`
}

// NewCommandLog keeps only the tail of stderr.
func NewCommandLog(name string, args []string, res CommandResult) CommandLog {
	tail := res.Stderr
	if len(tail) > stderrTail {
		tail = tail[len(tail)-stderrTail:]
	}
	return CommandLog{
		Command:  name,
		Args:     append([]string(nil), args...),
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimSpace(tail),
	}
}

// Encoding stages.
const (
	StageSetup    = "setup"
	StageEncode   = "encode"
	StageMonitor  = "monitor"
	StageTimeout  = "timeout"
	StageConcat   = "concat"
	StageRender   = "render"
	StageNoOutput = "no_output"
)

// EncodingError is a stage-aware encoder failure. SegmentsCompleted reports
// how far the attempt got before failing.
type EncodingError struct {
	Stage             string     `json:"stage"`
	Message           string     `json:"message"`
	CommandLog        CommandLog `json:"command_log"`
	SegmentsCompleted int        `json:"segments_completed"`
	Err               error      `json:"-"`
}

func (e *EncodingError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s (segments=%d)", e.Stage, e.Message, e.SegmentsCompleted)
	}
	return fmt.Sprintf(
		"%s: %s (cmd=%s exit=%d segments=%d)",
		e.Stage,
		e.Message,
		e.CommandLog.Command,
		e.CommandLog.ExitCode,
		e.SegmentsCompleted,
	)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *EncodingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches shared.ErrEncodingTool.
func (e *EncodingError) Is(target error) bool { return target == shared.ErrEncodingTool }
