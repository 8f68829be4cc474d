// Package tools implements the operations an orchestrating agent performs
// inside a workspace. Every tool resolves its task from the
// session.Context carried by ctx and runs in the task's working directory.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/workspace/relay-agent/internal/remote"
	"github.com/workspace/relay-agent/internal/session"
	"github.com/workspace/relay-agent/internal/shell"
)

// RouteCreator exposes a workspace port under a public URL.
type RouteCreator interface {
	CreateRoute(ctx context.Context, workspaceID string, port int) (string, error)
}

// Config configures the tool set.
type Config struct {
	Executor *remote.Executor
	// Routes is optional; without it Serve cannot publish a URL.
	Routes RouteCreator
	// Term requests a PTY for persistent shells when set.
	Term           string
	TranscriptSize int
	// CommandTimeout bounds each command; zero means no bound.
	CommandTimeout time.Duration
}

// Tools runs agent tool calls against workspaces.
type Tools struct {
	executor       *remote.Executor
	routes         RouteCreator
	term           string
	transcriptSize int
	commandTimeout time.Duration
}

// New creates the tool set.
func New(cfg Config) *Tools {
	return &Tools{
		executor:       cfg.Executor,
		routes:         cfg.Routes,
		term:           cfg.Term,
		transcriptSize: cfg.TranscriptSize,
		commandTimeout: cfg.CommandTimeout,
	}
}

// Names lists the tools Invoke understands.
func Names() []string {
	return []string{
		"read", "write", "edit", "searchFiles", "searchText",
		"runCommand", "describeProject", "todoRead", "todoWrite", "serve",
	}
}

// Invoke decodes JSON arguments and runs the named tool.
func (t *Tools) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	decode := func(v any) error {
		if err := json.Unmarshal(args, v); err != nil {
			return fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		return nil
	}

	switch name {
	case "read":
		var p struct {
			Path string `json:"path"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return t.Read(ctx, p.Path)
	case "write":
		var p struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return t.Write(ctx, p.Path, p.Content)
	case "edit":
		var p struct {
			Path       string `json:"path"`
			OldContent string `json:"oldContent"`
			NewContent string `json:"newContent"`
			ReplaceAll bool   `json:"replaceAll"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return t.Edit(ctx, p.Path, p.OldContent, p.NewContent, p.ReplaceAll)
	case "searchFiles":
		var p struct {
			Pattern string `json:"pattern"`
			Path    string `json:"path"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return t.SearchFiles(ctx, p.Pattern, p.Path)
	case "searchText":
		var p SearchTextParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return t.SearchText(ctx, p)
	case "runCommand":
		var p struct {
			Command string `json:"command"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return t.RunCommand(ctx, p.Command)
	case "describeProject":
		var p struct {
			Description string `json:"description"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return t.DescribeProject(ctx, p.Description)
	case "todoRead":
		return t.TodoRead(ctx)
	case "todoWrite":
		var p struct {
			Todo []session.TodoItem `json:"todo"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return t.TodoWrite(ctx, p.Todo)
	case "serve":
		var p ServeParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return t.Serve(ctx, p)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// task resolves the task context and records activity on it.
func task(ctx context.Context) (*session.Context, error) {
	sc, err := session.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	sc.Touch()
	return sc, nil
}

// withTimeout applies the configured command timeout.
func (t *Tools) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.commandTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.commandTimeout)
}

// exec runs a one-shot command in the task's working directory.
func (t *Tools) exec(ctx context.Context, sc *session.Context, command string, opts remote.ExecOptions) (remote.Result, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	if opts.Cwd == "" {
		opts.Cwd = sc.WorkingDir
	}
	return t.executor.Execute(ctx, sc.WorkspaceID, sc.Transport, command, opts)
}

// openShell returns the opener used for the task's persistent shell.
func (t *Tools) openShell(sc *session.Context) session.OpenFunc {
	return func(ctx context.Context) (*shell.Session, error) {
		conn, err := t.executor.Registry().Get(ctx, sc.WorkspaceID, sc.Transport)
		if err != nil {
			return nil, err
		}
		return shell.Open(ctx, conn, shell.Options{
			WorkspaceID:    sc.WorkspaceID,
			WorkingDir:     sc.WorkingDir,
			Term:           t.term,
			TranscriptSize: t.transcriptSize,
			OnActivity:     conn.Touch,
		})
	}
}

// commandFailure turns a non-zero exit into an error carrying stderr.
func commandFailure(what string, res remote.Result) error {
	if res.Stderr != "" {
		return fmt.Errorf("%s: %s", what, trimOutput(res.Stderr))
	}
	return fmt.Errorf("%s: exit code %d", what, res.ExitCode)
}
