package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/warden"
	"github.com/loykin/warden/internal/config"
)

// dispatch picks one of the three entry behaviors: a bare invocation probes
// the codex version, a single "wait" argument enters wait mode, and anything
// else supervises a codex run with the arguments passed through untouched.
func dispatch(args []string) error {
	switch {
	case len(args) == 0:
		return verifyTool()
	case isWaitInvocation(args):
		return warden.Wait()
	default:
		code, err := warden.Supervise(args)
		if err != nil {
			return err
		}
		exitCode = code
		return nil
	}
}

func isWaitInvocation(args []string) bool {
	return len(args) == 1 && strings.EqualFold(args[0], "wait")
}

// verifyTool confirms codex is installed and runnable by asking its version.
func verifyTool() error {
	out, err := exec.Command(config.CodexBin, "--version").Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return fmt.Errorf("%s --version failed: %s", config.CodexBin, strings.TrimSpace(string(ee.Stderr)))
		}
		return fmt.Errorf("%s is not available: %w", config.CodexBin, err)
	}
	_, _ = os.Stdout.Write(out)
	return nil
}
