//go:build windows

package platform

import (
	"os/exec"
	"syscall"
)

// PrepareCommand puts the child in its own console process group so a ctrl-c
// aimed at the supervisor is relayed deliberately instead of fanned out by
// the console.
func PrepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
