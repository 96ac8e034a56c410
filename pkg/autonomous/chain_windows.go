//go:build windows

package autonomous

import (
	"os"
	"os/exec"
)

func detachProcess(cmd *exec.Cmd) {}

// signalZero approximates the unix liveness probe: FindProcess succeeding is
// the best Windows offers without extra syscalls.
func signalZero(proc *os.Process) error {
	return nil
}
