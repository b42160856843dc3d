package scheduler

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/imkarma/forge/internal/agent"
	"github.com/imkarma/forge/internal/store"
)

// TestSignal is the external "tests pass" input to the validation gate.
// testTask is the item's completed test-phase task, or nil.
type TestSignal interface {
	Check(ctx context.Context, testTask *store.Task) (pass bool, detail string, err error)
}

// OutputSignal reads the TESTS: PASS|FAIL line of the test task output.
type OutputSignal struct{}

func (OutputSignal) Check(_ context.Context, testTask *store.Task) (bool, string, error) {
	if testTask == nil || testTask.Output == nil {
		return false, "no test run recorded", nil
	}
	pass, found := agent.ParseTestResult(*testTask.Output)
	if !found {
		return false, "test output has no TESTS: PASS|FAIL line", nil
	}
	if !pass {
		return false, tail(*testTask.Output, 1500), nil
	}
	return true, "", nil
}

// CommandSignal runs a shell command; exit status 0 means the tests pass.
type CommandSignal struct {
	Command string
	Dir     string
	Timeout time.Duration
}

func (c CommandSignal) Check(ctx context.Context, _ *store.Task) (bool, string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return true, "", nil
	}
	if ctx.Err() != nil {
		return false, "test command timed out: " + c.Command, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, tail(string(out), 1500), nil
	}
	return false, "", err
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
