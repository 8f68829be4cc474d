// Package session holds the per-task state shared by the tools of one agent
// task: the target workspace, its working directory, the task's persistent
// shell and the notes the agent records as it works.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/relay-agent/internal/remote"
	"github.com/workspace/relay-agent/internal/shell"
)

// ErrNotConfigured is returned when a tool runs outside of any task.
var ErrNotConfigured = errors.New("session context not configured")

type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

type TodoPriority string

const (
	PriorityLow    TodoPriority = "low"
	PriorityMedium TodoPriority = "medium"
	PriorityHigh   TodoPriority = "high"
)

// TodoItem is one entry of the agent's task list.
type TodoItem struct {
	Description string       `json:"description"`
	Status      TodoStatus   `json:"status"`
	Priority    TodoPriority `json:"priority"`
}

// Validate checks the item's description and enum fields.
func (t TodoItem) Validate() error {
	if t.Description == "" {
		return errors.New("todo description is required")
	}
	switch t.Status {
	case TodoPending, TodoInProgress, TodoCompleted:
	default:
		return fmt.Errorf("invalid todo status %q", t.Status)
	}
	switch t.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return fmt.Errorf("invalid todo priority %q", t.Priority)
	}
	return nil
}

// State is a point-in-time snapshot of a task's recorded state.
type State struct {
	TaskID             string     `json:"taskId"`
	WorkspaceID        string     `json:"workspaceId"`
	WorkingDir         string     `json:"workingDir"`
	ProjectDescription string     `json:"projectDescription,omitempty"`
	Todo               []TodoItem `json:"todo"`
	RunCommand         string     `json:"runCommand,omitempty"`
	BuildCommand       string     `json:"buildCommand,omitempty"`
	ShellOpen          bool       `json:"shellOpen"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// OpenFunc opens a new persistent shell for a context.
type OpenFunc func(ctx context.Context) (*shell.Session, error)

// Context is the state of one task. It is created when the task starts and
// is never shared between concurrent tasks.
type Context struct {
	TaskID      string
	WorkspaceID string
	Transport   remote.TransportConfig
	WorkingDir  string
	CreatedAt   time.Time

	terminal   io.Writer
	lastActive atomic.Int64

	shellMu sync.Mutex
	shell   *shell.Session

	mu                 sync.Mutex
	projectDescription string
	todo               []TodoItem
	runCommand         string
	buildCommand       string
	updatedAt          time.Time
}

// New creates a context for one task. A nil terminal discards live output.
func New(taskID, workspaceID string, transport remote.TransportConfig, workingDir string, terminal io.Writer) *Context {
	if terminal == nil {
		terminal = io.Discard
	}
	now := time.Now().UTC()
	c := &Context{
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		Transport:   transport,
		WorkingDir:  workingDir,
		CreatedAt:   now,
		terminal:    terminal,
		updatedAt:   now,
	}
	c.Touch()
	return c
}

type contextKey struct{}

// WithContext returns a copy of ctx that carries sc.
func WithContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the task context carried by ctx.
func FromContext(ctx context.Context) (*Context, error) {
	sc, ok := ctx.Value(contextKey{}).(*Context)
	if !ok || sc == nil {
		return nil, ErrNotConfigured
	}
	return sc, nil
}

// Shell returns the task's persistent shell, opening it with open on first
// use. A shell is only replaced once it is no longer usable.
func (c *Context) Shell(ctx context.Context, open OpenFunc) (*shell.Session, error) {
	c.shellMu.Lock()
	defer c.shellMu.Unlock()

	if c.shell != nil && c.shell.Usable() {
		return c.shell, nil
	}
	s, err := open(ctx)
	if err != nil {
		return nil, err
	}
	c.shell = s
	return s, nil
}

// Terminal returns the writer receiving the task's live terminal output.
func (c *Context) Terminal() io.Writer {
	return c.terminal
}

// Touch records activity on the task.
func (c *Context) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// IdleTime returns how long the task has been inactive.
func (c *Context) IdleTime() time.Duration {
	return time.Since(time.Unix(0, c.lastActive.Load()))
}

func (c *Context) ProjectDescription() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectDescription
}

func (c *Context) SetProjectDescription(description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectDescription = description
	c.updatedAt = time.Now().UTC()
}

// Todo returns a copy of the task list, or nil if none was written.
func (c *Context) Todo() []TodoItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.todo == nil {
		return nil
	}
	out := make([]TodoItem, len(c.todo))
	copy(out, c.todo)
	return out
}

// SetTodo replaces the task list after validating every item.
func (c *Context) SetTodo(items []TodoItem) error {
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("todo item %d: %w", i, err)
		}
	}
	stored := make([]TodoItem, len(items))
	copy(stored, items)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.todo = stored
	c.updatedAt = time.Now().UTC()
	return nil
}

// Commands returns the recorded run and build commands.
func (c *Context) Commands() (run, build string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCommand, c.buildCommand
}

func (c *Context) SetCommands(run, build string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCommand = run
	c.buildCommand = build
	c.updatedAt = time.Now().UTC()
}

// State returns a snapshot of the task.
func (c *Context) State() State {
	c.shellMu.Lock()
	shellOpen := c.shell != nil && c.shell.Usable()
	c.shellMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	todo := make([]TodoItem, len(c.todo))
	copy(todo, c.todo)
	return State{
		TaskID:             c.TaskID,
		WorkspaceID:        c.WorkspaceID,
		WorkingDir:         c.WorkingDir,
		ProjectDescription: c.projectDescription,
		Todo:               todo,
		RunCommand:         c.runCommand,
		BuildCommand:       c.buildCommand,
		ShellOpen:          shellOpen,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.updatedAt,
	}
}

// restore loads recorded fields from a previous snapshot.
func (c *Context) restore(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectDescription = st.ProjectDescription
	if st.Todo != nil {
		c.todo = append([]TodoItem(nil), st.Todo...)
	}
	c.runCommand = st.RunCommand
	c.buildCommand = st.BuildCommand
	if !st.CreatedAt.IsZero() {
		c.CreatedAt = st.CreatedAt
	}
}

// Close tears down the task's shell, if any.
func (c *Context) Close() error {
	c.shellMu.Lock()
	defer c.shellMu.Unlock()
	if c.shell == nil {
		return nil
	}
	err := c.shell.Close()
	c.shell = nil
	return err
}
