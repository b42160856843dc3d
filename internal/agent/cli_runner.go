package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Wait keeps draining output after the process
// group is killed. Descendants that escaped the group can hold the pipe open.
const waitDelay = 2 * time.Second

// maxLineSize bounds a pending partial line before it is emitted as is.
const maxLineSize = 1 << 20

// CLIRunner spawns the task's command (claude, ollama, ...) and passes
// the instruction as the final argument.
type CLIRunner struct {
	defaultTimeout time.Duration
}

// NewCLIRunner creates a runner that spawns CLI processes. defaultTimeout
// applies when a request carries none.
func NewCLIRunner(defaultTimeout time.Duration) *CLIRunner {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &CLIRunner{defaultTimeout: defaultTimeout}
}

// Run spawns the process.
//
// For Command=["claude", "--print", "--model", "haiku"] the full
// invocation is: claude --print --model haiku "the instruction".
// Stdout is streamed line by line to req.OnLine and captured.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	if len(req.Command) == 0 {
		return nil, &ExecutionFailure{ExitCode: -1, Err: errors.New("empty command")}
	}
	start := time.Now()

	args := make([]string, 0, len(req.Command))
	args = append(args, req.Command[1:]...)
	if req.Instruction != "" {
		args = append(args, req.Instruction)
	}

	timeout := r.defaultTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command[0], args...)
	cmd.Dir = req.WorkDir
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	stdout := &lineWriter{onLine: req.OnLine}
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return &Response{ExitCode: -1, Duration: time.Since(start)}, &ExecutionFailure{ExitCode: -1, Err: err}
	}
	err := cmd.Wait()
	stdout.flush()

	resp := &Response{
		Output:   stdout.buf.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			resp.ExitCode = -1
			return resp, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.ExitCode = -1
		}
		return resp, &ExecutionFailure{
			ExitCode: resp.ExitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	resp.ExitCode = 0
	return resp, nil
}

// lineWriter captures stdout and hands each complete line to onLine.
type lineWriter struct {
	buf     bytes.Buffer
	partial []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > maxLineSize {
		w.emit(w.partial)
		w.partial = nil
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	if w.onLine != nil {
		w.onLine(strings.TrimSuffix(string(line), "\r"))
	}
}

// CLIAvailable checks if the CLI command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
