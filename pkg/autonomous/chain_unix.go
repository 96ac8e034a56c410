//go:build unix

package autonomous

import (
	"os"
	"os/exec"
	"syscall"
)

// detachProcess puts the child in a new session group so it survives the
// daemon and never shares our controlling terminal.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// signalZero probes process liveness without delivering a signal.
func signalZero(proc *os.Process) error {
	return proc.Signal(syscall.Signal(0))
}
