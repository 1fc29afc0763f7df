// Package warden supervises invocations of the codex CLI. Each supervised run
// spawns codex as a child process, captures its output into a per-run log
// file, and records tracked runs in a shared-memory registry so that sibling
// warden processes can observe and wait on them.
package warden

import (
	"github.com/loykin/warden/internal/registry"
	"github.com/loykin/warden/internal/supervisor"
	"github.com/loykin/warden/internal/waitmode"
)

// Supervise runs codex with args under supervision and returns its exit code.
// A run whose first argument is "exec" (any case) is tracked in the shared
// registry until a waiting consumer acknowledges its completion.
func Supervise(args []string) (int, error) {
	reg, err := registry.Connect()
	if err != nil {
		return 0, err
	}
	defer func() { _ = reg.Close() }()
	return supervisor.Execute(reg, args)
}

// Wait blocks until no tracked run is left in the running state, printing
// completions as they are observed and a summary report at the end.
func Wait() error {
	reg, err := registry.Connect()
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()
	return waitmode.Run(reg)
}
