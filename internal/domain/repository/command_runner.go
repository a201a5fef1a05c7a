package repository

import "context"

type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandRunner runs an external process to completion. A non-zero exit is
// reported through CommandResult.ExitCode, not as an error; the error is
// reserved for failing to start the process or context expiry.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}
