//go:build !linux

package agent

import "os/exec"

func setSysProcAttr(cmd *exec.Cmd) {}
