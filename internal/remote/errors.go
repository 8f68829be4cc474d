package remote

import (
	"context"
	"errors"
	"fmt"
)

// ConnectionError reports a transport or authentication failure while
// establishing a connection to a workspace.
type ConnectionError struct {
	WorkspaceID string
	Err         error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to workspace %s: %v", e.WorkspaceID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a channel-level failure. A command that ran and
// exited non-zero is not an ExecutionError.
type ExecutionError struct {
	WorkspaceID string
	Op          string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s on workspace %s: %v", e.Op, e.WorkspaceID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the operation on a fresh
// connection. Cancellation by the caller is not retryable.
func (e *ExecutionError) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// IsRetryable reports whether err is an ExecutionError the caller may retry.
func IsRetryable(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Retryable()
}
