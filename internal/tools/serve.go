package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/workspace/relay-agent/internal/remote"
)

const serverLogPath = "/tmp/relay-server.log"

// ServeParams are the arguments of Serve.
type ServeParams struct {
	Port  int    `json:"port"`
	Run   string `json:"run"`
	Build string `json:"build,omitempty"`
}

// Serve builds the project, starts it in the background and exposes port
// under a public URL. Failures past the build step are reported in the
// returned text, since the server may already be running.
func (t *Tools) Serve(ctx context.Context, p ServeParams) (string, error) {
	sc, err := task(ctx)
	if err != nil {
		return "", err
	}
	if p.Run == "" {
		return "", fmt.Errorf("run command is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return "", fmt.Errorf("port must be between 1 and 65535, got %d", p.Port)
	}
	slog.Info("Agent is serving", "taskId", sc.TaskID, "port", p.Port)

	sc.SetCommands(p.Run, p.Build)

	if p.Build != "" {
		slog.Info("Running build", "taskId", sc.TaskID, "build", p.Build)
		res, err := t.exec(ctx, sc, p.Build, remote.ExecOptions{})
		if err != nil {
			return fmt.Sprintf("Build failed: %v", err), nil
		}
		if res.ExitCode != 0 {
			out := res.Stderr
			if out == "" {
				out = res.Stdout
			}
			return fmt.Sprintf("Build failed (exit %d):\n%s", res.ExitCode, trimOutput(out)), nil
		}
	}

	slog.Info("Starting server", "taskId", sc.TaskID, "run", p.Run)
	start := fmt.Sprintf("nohup %s > %s 2>&1 & echo $!", p.Run, serverLogPath)
	res, err := t.exec(ctx, sc, start, remote.ExecOptions{})
	if err != nil {
		return fmt.Sprintf("Failed to start server: %v", err), nil
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("Failed to start server (exit %d): %s", res.ExitCode, trimOutput(res.Stderr)), nil
	}
	pid := strings.TrimSpace(res.Stdout)
	slog.Info("Server started", "taskId", sc.TaskID, "pid", pid)

	if t.routes == nil {
		return fmt.Sprintf("Server started (PID %s) but no route provider is configured", pid), nil
	}
	url, err := t.routes.CreateRoute(ctx, sc.WorkspaceID, p.Port)
	if err != nil {
		slog.Error("Failed to create route", "taskId", sc.TaskID, "error", err)
		return fmt.Sprintf("Server started (PID %s) but failed to expose port: %v", pid, err), nil
	}

	slog.Info("Port exposed", "taskId", sc.TaskID, "port", p.Port, "url", url)
	return fmt.Sprintf("Server started (PID %s) and exposed at %s", pid, url), nil
}
