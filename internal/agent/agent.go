// Package agent runs a task's resolved command as an external process and
// parses the line protocol executors use to report progress, ask for a
// decision, and deliver review and test verdicts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExecutionTimeout is returned when the executor outlives its deadline.
var ErrExecutionTimeout = errors.New("execution timeout")

// ExecutionFailure is a non-zero exit, or a process that never started.
type ExecutionFailure struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionFailure) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("executor exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("executor exited with code %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("executor exited with code %d", e.ExitCode)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// Request contains everything an executor needs to work on a task.
type Request struct {
	TaskID      string
	Command     []string // resolved argv; the instruction is appended as the last arg
	Instruction string
	WorkDir     string
	Timeout     time.Duration
	// OnLine, if set, receives every stdout line as it is produced.
	OnLine func(line string)
}

// Response is what we get back from an executor.
type Response struct {
	Output   string // stdout
	ExitCode int    // 0 = success, -1 = killed or never started
	Duration time.Duration
}

// Executor is the opaque collaborator that runs a command. A non-nil
// Response is returned whenever the process ran, even on error, since
// partial output is still worth recording.
type Executor interface {
	Run(ctx context.Context, req Request) (*Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Response, error)

func (f ExecutorFunc) Run(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
