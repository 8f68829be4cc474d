package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/relay-agent/internal/remote"
)

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// StateSaver persists task snapshots. Implementations must be safe for
// concurrent use.
type StateSaver interface {
	SaveTaskState(State) error
}

// StartOptions describe a new task.
type StartOptions struct {
	WorkspaceID string
	Transport   remote.TransportConfig
	WorkingDir  string
	// Terminal receives live output of the task's commands.
	Terminal io.Writer
	// Resume, if set, seeds the task with a previously saved snapshot and
	// keeps its task id.
	Resume *State
}

// Manager owns the contexts of all running tasks.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Context
	saver StateSaver
}

// NewManager creates a manager. saver may be nil.
func NewManager(saver StateSaver) *Manager {
	return &Manager{
		tasks: make(map[string]*Context),
		saver: saver,
	}
}

// Start creates the context for a new task.
func (m *Manager) Start(opts StartOptions) (*Context, error) {
	if opts.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace ID is required")
	}
	if opts.WorkingDir == "" {
		return nil, fmt.Errorf("working directory is required")
	}

	taskID := uuid.NewString()
	if opts.Resume != nil {
		if opts.Resume.TaskID == "" {
			return nil, fmt.Errorf("resumed task has no ID")
		}
		taskID = opts.Resume.TaskID
	}

	sc := New(taskID, opts.WorkspaceID, opts.Transport, opts.WorkingDir, opts.Terminal)
	if opts.Resume != nil {
		sc.restore(*opts.Resume)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[taskID]; exists {
		return nil, fmt.Errorf("task already running: %s", taskID)
	}
	m.tasks[taskID] = sc

	slog.Info("Task started", "taskId", taskID, "workspaceId", opts.WorkspaceID, "workDir", opts.WorkingDir, "resumed", opts.Resume != nil)
	return sc, nil
}

// Get returns the context of a running task.
func (m *Manager) Get(taskID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.tasks[taskID]
	return sc, ok
}

// End stops a task: its shell is closed and its final state saved.
func (m *Manager) End(taskID string) (State, error) {
	m.mu.Lock()
	sc, ok := m.tasks[taskID]
	if ok {
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()

	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return m.finish(sc, "ended"), nil
}

// List returns snapshots of all running tasks, oldest first.
func (m *Manager) List() []State {
	m.mu.RLock()
	contexts := make([]*Context, 0, len(m.tasks))
	for _, sc := range m.tasks {
		contexts = append(contexts, sc)
	}
	m.mu.RUnlock()

	states := make([]State, 0, len(contexts))
	for _, sc := range contexts {
		states = append(states, sc.State())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states
}

// ByWorkspace returns the running tasks that target workspaceID.
func (m *Manager) ByWorkspace(workspaceID string) []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Context
	for _, sc := range m.tasks {
		if sc.WorkspaceID == workspaceID {
			out = append(out, sc)
		}
	}
	return out
}

// CloseIdle ends tasks inactive for longer than maxIdle and returns how many
// were ended.
func (m *Manager) CloseIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}

	m.mu.Lock()
	var idle []*Context
	for id, sc := range m.tasks {
		if sc.IdleTime() > maxIdle {
			idle = append(idle, sc)
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()

	for _, sc := range idle {
		m.finish(sc, "idle")
	}
	return len(idle)
}

// CloseAll ends every running task.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Context, 0, len(m.tasks))
	for id, sc := range m.tasks {
		all = append(all, sc)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	for _, sc := range all {
		m.finish(sc, "shutdown")
	}
}

// Count returns the number of running tasks.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func (m *Manager) finish(sc *Context, reason string) State {
	if err := sc.Close(); err != nil {
		slog.Warn("Failed to close task shell", "taskId", sc.TaskID, "error", err)
	}
	st := sc.State()
	if m.saver != nil {
		if err := m.saver.SaveTaskState(st); err != nil {
			slog.Error("Failed to save task state", "taskId", sc.TaskID, "error", err)
		}
	}
	slog.Info("Task ended", "taskId", sc.TaskID, "workspaceId", sc.WorkspaceID, "reason", reason)
	return st
}
