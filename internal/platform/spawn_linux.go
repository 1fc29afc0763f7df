//go:build linux

package platform

import (
	"os/exec"
	"syscall"
)

// PrepareCommand isolates the child in its own process group and asks the
// kernel to SIGTERM it if this supervisor dies first, so an unconditional kill
// of the supervisor cannot orphan the child.
func PrepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
