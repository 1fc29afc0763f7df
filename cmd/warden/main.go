package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Only the low byte survives process exit on POSIX systems.
	os.Exit(exitCode & 0xff)
}

// exitCode carries the child's exit status from the command handler to main.
var exitCode int

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "warden [codex arguments...]",
		Short: "Supervise codex invocations and coordinate them across processes",
		Long: `warden wraps the codex CLI. Every argument is passed through to codex
verbatim; runs starting with "exec" are tracked in a shared registry so that
"warden wait" can block until all of them have finished.`,
		// The child owns the entire argument vector, flags included.
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(_ *cobra.Command, args []string) error {
			return dispatch(args)
		},
	}
	return root
}
