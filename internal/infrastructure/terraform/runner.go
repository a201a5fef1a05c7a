// Package terraform runs the provisioning CLI and inspects the
// infrastructure root it operates on.
package terraform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"pipelineops/internal/domain/repository"
)

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	// WaitDelay bounds how long output pipes held open by grandchildren
	// (provider plugins) may delay Run after the process exits or is killed.
	WaitDelay time.Duration
}

var _ repository.CommandRunner = (*ExecRunner)(nil)

func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: 5 * time.Second}
}

// Run starts the command and waits for it. When ctx ends first the process is
// killed and ctx.Err() is returned along with whatever output was captured.
func (r *ExecRunner) Run(ctx context.Context, c repository.Command) (repository.CommandResult, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.WaitDelay

	if err := cmd.Start(); err != nil {
		return repository.CommandResult{ExitCode: -1}, fmt.Errorf("start %s: %w", c.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return repository.CommandResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, ctx.Err()
	case err := <-done:
		res := repository.CommandResult{
			ExitCode: cmd.ProcessState.ExitCode(),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return res, fmt.Errorf("wait %s: %w", c.Name, err)
		}
		return res, nil
	}
}
