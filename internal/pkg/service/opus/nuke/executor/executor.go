// Package executor runs the action line of a command as an external process.
package executor

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/google/shlex"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// Executor runs one action, the cancellation of the ctx kills the action.
type Executor interface {
	Execute(ctx context.Context, command, folder string) (output string, err error)
}

// Process executes the action line as a process without a shell.
type Process struct {
	logger log.Logger
}

func NewProcess(logger log.Logger) *Process {
	return &Process{logger: logger.WithComponent("executor")}
}

// Execute splits the action line using shell-like rules and runs it in the folder, if it is not empty.
// The combined output is returned, an error is returned if the process cannot be started or its exit code is not zero.
func (e *Process) Execute(ctx context.Context, command, folder string) (string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return "", errors.PrefixErrorf(err, `cannot parse command "%s"`, command)
	}
	if len(args) == 0 {
		return "", errors.New("command is empty")
	}

	e.logger.Debugf(ctx, `running command "%s" in "%s"`, command, folder)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) // nolint:gosec
	cmd.Dir = folder
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		// nolint: errorlint
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out.String(), errors.Errorf(`command "%s" failed with exit code "%d"`, command, exitErr.ExitCode())
		}
		return out.String(), errors.PrefixErrorf(err, `command "%s" failed`, command)
	}
	return out.String(), nil
}
