package autonomous

import (
	"context"
	"os"
	"os/exec"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var chainLog = logger.New("autonomous:chain")

// ChainRequest describes the next session to spawn.
type ChainRequest struct {
	CLI          string // "claude", "gemini", "codex"
	Prompt       string
	SystemPrompt string
	WorkingDir   string
}

// Chainer spawns detached CLI processes for session chaining. The child runs
// in its own session group with stdio on /dev/null; its pid is returned so
// the lifecycle manager can observe exit.
type Chainer struct{}

// commandFor maps a CLI family to its canonical headless invocation.
func commandFor(req ChainRequest) ([]string, error) {
	switch req.CLI {
	case "claude":
		argv := []string{"claude", "-p", req.Prompt}
		if req.SystemPrompt != "" {
			argv = append(argv, "--append-system-prompt", req.SystemPrompt)
		}
		return argv, nil
	case "gemini":
		return []string{"gemini", "--prompt", req.Prompt}, nil
	case "codex":
		return []string{"codex", "exec", req.Prompt}, nil
	}
	return nil, errkind.New(errkind.InvalidInput, "unknown CLI family %q", req.CLI)
}

// StartSession launches the child and detaches from it. The child's own
// session_start hook event is what begins the next workflow.
func (c *Chainer) StartSession(ctx context.Context, req ChainRequest) (int, error) {
	if req.Prompt == "" {
		return 0, errkind.New(errkind.InvalidInput, "chain prompt is required")
	}
	argv, err := commandFor(req)
	if err != nil {
		return 0, err
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, errkind.Wrap(errkind.ActionError, err, "open /dev/null")
	}
	defer devnull.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return 0, errkind.Wrap(errkind.ActionError, err, "spawn chained session")
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		chainLog.Printf("warn: release chained process: %v", err)
	}
	chainLog.Printf("Spawned chained %s session (pid=%d cwd=%s)", req.CLI, pid, req.WorkingDir)
	return pid, nil
}

// ProcessAlive reports whether a recorded pid still refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return signalZero(proc) == nil
}
