package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner is the interface for running commands.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error)
}

// ExecCommandRunner uses os/exec. Commands inherit the caller's environment.
type ExecCommandRunner struct{}

// Run runs a command.
func (ExecCommandRunner) Run(ctx context.Context, dir, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.Stdin = stdin

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		err = &ExitError{
			Tool:     name,
			Args:     args,
			Stderr:   errBuf.String(),
			ExitCode: exitErr.ExitCode(),
			Err:      err,
		}
	} else if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%s: %w", name, ctx.Err())
	}

	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Invocation records one finished tool call.
type Invocation struct {
	Tool     string
	Args     []string
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// CommandLine renders the invocation for logs and guidance messages.
func (i *Invocation) CommandLine() string {
	return strings.TrimSpace(i.Tool + " " + strings.Join(i.Args, " "))
}

// Executor runs one external tool. Calls are bounded only by the context.
type Executor struct {
	runner CommandRunner
	binary string
	dir    string
}

// NewExecutor creates an executor for binary, running in dir.
func NewExecutor(binary, dir string) *Executor {
	return NewExecutorWithRunner(binary, dir, ExecCommandRunner{})
}

// NewExecutorWithRunner creates an executor with a custom runner.
func NewExecutorWithRunner(binary, dir string, runner CommandRunner) *Executor {
	return &Executor{
		runner: runner,
		binary: binary,
		dir:    dir,
	}
}

// Binary returns the tool name or path the executor runs.
func (e *Executor) Binary() string {
	return e.binary
}

// Dir returns the working directory of the tool.
func (e *Executor) Dir() string {
	return e.dir
}

// Execute runs the tool with args and blocks until it exits.
func (e *Executor) Execute(ctx context.Context, args []string, stdin io.Reader) (*Invocation, error) {
	inv := &Invocation{Tool: e.binary, Args: args}

	slog.Debug("Running tool", "command", inv.CommandLine(), "dir", e.dir)

	start := time.Now()
	stdout, stderr, err := e.runner.Run(ctx, e.dir, e.binary, args, stdin)
	inv.Stdout, inv.Stderr, inv.Duration = stdout, stderr, time.Since(start)

	if err != nil {
		slog.Debug("Tool failed", "command", inv.CommandLine(), "duration", inv.Duration, "error", err)
		return inv, err
	}

	slog.Debug("Tool finished", "command", inv.CommandLine(), "duration", inv.Duration)
	return inv, nil
}
