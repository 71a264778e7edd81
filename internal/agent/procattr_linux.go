//go:build linux

package agent

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr configures the child so the kernel reaps it if we crash and
// terminal signals don't propagate directly.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}
