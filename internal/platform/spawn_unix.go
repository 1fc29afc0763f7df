//go:build !windows && !linux

package platform

import (
	"os/exec"
	"syscall"
)

// PrepareCommand isolates the child in its own process group. Parent-death
// signaling is Linux-only; elsewhere the stale sweep covers orphaned children.
func PrepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
