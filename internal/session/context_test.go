package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/workspace/relay-agent/internal/remote"
	"github.com/workspace/relay-agent/internal/shell"
	"github.com/workspace/relay-agent/internal/sshtest"
)

func TestFromContextOutsideTask(t *testing.T) {
	t.Parallel()

	if _, err := FromContext(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestWithContextRoundTrip(t *testing.T) {
	t.Parallel()

	sc := New("task-1", "vm-1", remote.TransportConfig{}, "/home/relay/app", nil)
	got, err := FromContext(WithContext(context.Background(), sc))
	if err != nil {
		t.Fatalf("FromContext: %v", err)
	}
	if got != sc {
		t.Fatal("expected the same context back")
	}
}

func TestTasksOnSameWorkspaceAreIndependent(t *testing.T) {
	t.Parallel()

	a := New("task-a", "vm-1", remote.TransportConfig{}, "/app", nil)
	b := New("task-b", "vm-1", remote.TransportConfig{}, "/app", nil)

	a.SetProjectDescription("a web app")
	if err := a.SetTodo([]TodoItem{{Description: "write tests", Status: TodoPending, Priority: PriorityHigh}}); err != nil {
		t.Fatalf("SetTodo: %v", err)
	}

	if b.ProjectDescription() != "" {
		t.Fatalf("expected task b to have no description, got %q", b.ProjectDescription())
	}
	if b.Todo() != nil {
		t.Fatalf("expected task b to have no todo list, got %v", b.Todo())
	}
}

func TestTodoReturnsCopy(t *testing.T) {
	t.Parallel()

	sc := New("task-1", "vm-1", remote.TransportConfig{}, "/app", nil)
	items := []TodoItem{{Description: "one", Status: TodoPending, Priority: PriorityLow}}
	if err := sc.SetTodo(items); err != nil {
		t.Fatalf("SetTodo: %v", err)
	}
	items[0].Description = "mutated input"

	got := sc.Todo()
	got[0].Description = "mutated output"

	if sc.Todo()[0].Description != "one" {
		t.Fatalf("expected stored todo unchanged, got %q", sc.Todo()[0].Description)
	}
}

func TestSetTodoValidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item TodoItem
	}{
		{name: "empty description", item: TodoItem{Status: TodoPending, Priority: PriorityLow}},
		{name: "bad status", item: TodoItem{Description: "x", Status: "done", Priority: PriorityLow}},
		{name: "bad priority", item: TodoItem{Description: "x", Status: TodoCompleted, Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := New("task-1", "vm-1", remote.TransportConfig{}, "/app", nil)
			if err := sc.SetTodo([]TodoItem{tt.item}); err == nil {
				t.Fatal("expected validation error")
			}
			if sc.Todo() != nil {
				t.Fatal("expected invalid list not stored")
			}
		})
	}
}

func TestStateSnapshot(t *testing.T) {
	t.Parallel()

	sc := New("task-1", "vm-1", remote.TransportConfig{}, "/app", nil)
	sc.SetCommands("npm start", "npm run build")
	sc.SetProjectDescription("shop")

	st := sc.State()
	if st.TaskID != "task-1" || st.WorkspaceID != "vm-1" || st.WorkingDir != "/app" {
		t.Fatalf("unexpected identity fields: %+v", st)
	}
	if st.RunCommand != "npm start" || st.BuildCommand != "npm run build" {
		t.Fatalf("unexpected commands: %+v", st)
	}
	if st.ProjectDescription != "shop" {
		t.Fatalf("expected description shop, got %q", st.ProjectDescription)
	}
	if st.ShellOpen {
		t.Fatal("expected no shell open")
	}
}

func newShellOpener(t *testing.T) (OpenFunc, *int) {
	t.Helper()
	srv := sshtest.Start(t)
	registry := remote.NewRegistry(remote.RegistryConfig{})
	t.Cleanup(registry.DisconnectAll)
	cfg := remote.TransportConfig{Host: srv.Host(), Port: srv.Port(), Username: sshtest.Username, PrivateKey: srv.PrivateKey()}

	opened := 0
	open := func(ctx context.Context) (*shell.Session, error) {
		opened++
		conn, err := registry.Get(ctx, "vm-1", cfg)
		if err != nil {
			return nil, err
		}
		return shell.Open(ctx, conn, shell.Options{})
	}
	return open, &opened
}

func TestShellIsOpenedOnceAndReused(t *testing.T) {
	open, opened := newShellOpener(t)
	sc := New("task-1", "vm-1", remote.TransportConfig{}, "/", nil)
	defer sc.Close()

	first, err := sc.Shell(context.Background(), open)
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}
	second, err := sc.Shell(context.Background(), open)
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}
	if first != second {
		t.Fatal("expected the usable shell to be reused")
	}
	if *opened != 1 {
		t.Fatalf("expected 1 open, got %d", *opened)
	}
	if !sc.State().ShellOpen {
		t.Fatal("expected state to report an open shell")
	}
}

func TestTimedOutShellIsReplaced(t *testing.T) {
	open, opened := newShellOpener(t)
	sc := New("task-1", "vm-1", remote.TransportConfig{}, "/", nil)
	defer sc.Close()

	first, err := sc.Shell(context.Background(), open)
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := first.Run(ctx, "sleep 5"); err == nil {
		t.Fatal("expected timeout error")
	}

	second, err := sc.Shell(context.Background(), open)
	if err != nil {
		t.Fatalf("Shell after timeout: %v", err)
	}
	if second == first {
		t.Fatal("expected a fresh shell after the previous one broke")
	}
	if *opened != 2 {
		t.Fatalf("expected 2 opens, got %d", *opened)
	}

	res, err := second.Run(context.Background(), "echo fresh")
	if err != nil {
		t.Fatalf("Run on fresh shell: %v", err)
	}
	if res.Stdout != "fresh" {
		t.Fatalf("expected %q, got %q", "fresh", res.Stdout)
	}
}

func TestCloseTearsDownShell(t *testing.T) {
	open, _ := newShellOpener(t)
	sc := New("task-1", "vm-1", remote.TransportConfig{}, "/", nil)

	s, err := sc.Shell(context.Background(), open)
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Usable() {
		t.Fatal("expected shell closed with its context")
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
