package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// RunCommand runs command in the task's persistent shell, so working
// directory and environment changes carry over to later commands. The
// command line and its output are mirrored to the task's terminal.
func (t *Tools) RunCommand(ctx context.Context, command string) (string, error) {
	sc, err := task(ctx)
	if err != nil {
		return "", err
	}
	if command == "" {
		return "", fmt.Errorf("command is required")
	}
	slog.Info("Agent called terminal tool", "taskId", sc.TaskID, "command", command)

	term := sc.Terminal()
	_, _ = io.WriteString(term, "$ "+command+"\n")

	sh, err := sc.Shell(ctx, t.openShell(sc))
	if err != nil {
		slog.Error("Terminal tool failed to open shell", "taskId", sc.TaskID, "error", err)
		return "", fmt.Errorf("terminal command failed: %w", err)
	}

	runCtx, cancel := t.withTimeout(ctx)
	defer cancel()
	res, err := sh.Run(runCtx, command)
	if err != nil {
		slog.Error("Terminal tool failed", "taskId", sc.TaskID, "error", err)
		return "", fmt.Errorf("terminal command failed: %w", err)
	}

	if res.Stdout != "" {
		_, _ = io.WriteString(term, res.Stdout+"\n")
	}
	if res.Stderr != "" {
		_, _ = io.WriteString(term, res.Stderr+"\n")
	}

	slog.Info("Terminal tool executed", "taskId", sc.TaskID, "exitCode", res.ExitCode)
	return fmt.Sprintf("Command executed.\nSTDOUT:\n%s\nSTDERR:\n%s\nExit Code: %d", res.Stdout, res.Stderr, res.ExitCode), nil
}
