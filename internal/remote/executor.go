package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Result is the outcome of one command: captured output and exit status.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// ExecOptions are per-command options for Execute.
type ExecOptions struct {
	// Cwd, if set, prefixes the command with "cd <Cwd> &&". A failed cd shows
	// up only as a non-zero exit and the shell's stderr.
	Cwd string
	// Stdin is streamed to the command and then closed.
	Stdin io.Reader
}

// Executor runs one-shot commands on fresh channels.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor that obtains connections from registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Registry returns the registry the executor draws connections from.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs command to completion on workspaceID. Concurrent calls on the
// same workspace run on independent channels with no ordering guarantee.
func (e *Executor) Execute(ctx context.Context, workspaceID string, cfg TransportConfig, command string, opts ExecOptions) (Result, error) {
	conn, err := e.registry.Get(ctx, workspaceID, cfg)
	if err != nil {
		return Result{}, err
	}
	return Run(ctx, conn, ComposeCommand(command, opts.Cwd), opts.Stdin)
}

// ComposeCommand prefixes command with a cd into cwd when cwd is set.
func ComposeCommand(command, cwd string) string {
	if cwd == "" {
		return command
	}
	return fmt.Sprintf("cd %s && %s", Quote(cwd), command)
}

// Run executes command on a new channel of conn.
func Run(ctx context.Context, conn *Connection, command string, stdin io.Reader) (Result, error) {
	workspaceID := conn.WorkspaceID
	fail := func(op string, err error) (Result, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return Result{}, &ExecutionError{WorkspaceID: workspaceID, Op: op, Err: err}
	}

	ch, err := conn.NewChannel(ctx)
	if err != nil {
		slog.Error("SSH exec error", "workspaceId", workspaceID, "error", err)
		return fail("open channel", err)
	}
	defer ch.Close()

	// Closing the channel unblocks the requests and readers below on
	// cancellation.
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	stdout, err := ch.StdoutPipe()
	if err != nil {
		return fail("stdout pipe", err)
	}
	stderr, err := ch.StderrPipe()
	if err != nil {
		return fail("stderr pipe", err)
	}
	var stdinPipe io.WriteCloser
	if stdin != nil {
		if stdinPipe, err = ch.StdinPipe(); err != nil {
			return fail("stdin pipe", err)
		}
	}

	if err := ch.Start(command); err != nil {
		return fail("start command", err)
	}

	if stdinPipe != nil {
		go func() {
			_, _ = io.Copy(stdinPipe, stdin)
			_ = stdinPipe.Close()
		}()
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&outBuf, stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&errBuf, stderr)
	}()
	wg.Wait()

	waitErr := ch.Wait()
	if ctx.Err() != nil {
		return fail("exec", ctx.Err())
	}

	result := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		slog.Error("SSH stream error", "workspaceId", workspaceID, "error", waitErr)
		return fail("exec", waitErr)
	}
	return result, nil
}
