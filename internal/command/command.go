package command

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyCommand is returned when a Command has no program to run.
var ErrEmptyCommand = errors.New("empty command")

// Output is the result of a finished Command.
type Output struct {
	Stdout string
	Stderr string
}

// String returns the trimmed stdout.
func (o Output) String() string {
	return strings.TrimSpace(o.Stdout)
}

// Command is a task payload that runs an external program.
// It satisfies scheduler.Payload.
type Command struct {
	Args  []string // Program followed by its arguments
	Dir   string   // Working directory ("" = current)
	Env   []string // Extra KEY=VALUE pairs appended to the inherited environment
	Procs *ProcessManager
}

// Run executes the command, tracking it in Procs while it runs.
// A non-zero exit status is returned as an error wrapping *exec.ExitError.
func (c *Command) Run(ctx context.Context) (any, error) {
	if len(c.Args) == 0 || c.Args[0] == "" {
		return nil, ErrEmptyCommand
	}

	cmd := newCommand(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	stdout, stderr, err := executeCommand(cmd, c.Procs)
	out := Output{Stdout: string(stdout), Stderr: string(stderr)}
	if err != nil {
		if ctx.Err() != nil {
			return out, errors.Join(ctx.Err(), err)
		}
		return out, err
	}
	return out, nil
}

// String renders the command line.
func (c *Command) String() string {
	return strings.Join(c.Args, " ")
}
