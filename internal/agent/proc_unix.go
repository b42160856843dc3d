//go:build unix

package agent

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the command in its own process group and makes
// context cancellation kill the whole group, so shells and the children
// they spawn die together.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
