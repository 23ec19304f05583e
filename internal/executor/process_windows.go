//go:build windows

package executor

import (
	"os"
	"os/exec"
)

// configureProcess keeps the default kill-on-cancel behaviour on Windows.
func configureProcess(_ *exec.Cmd) {}

func exitCode(state *os.ProcessState) int {
	return state.ExitCode()
}
