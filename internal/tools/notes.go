package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/workspace/relay-agent/internal/session"
)

// DescribeProject records a short description of the project.
func (t *Tools) DescribeProject(ctx context.Context, description string) (string, error) {
	sc, err := task(ctx)
	if err != nil {
		return "", err
	}
	sc.SetProjectDescription(description)
	return fmt.Sprintf("Project described as %s", description), nil
}

// TodoRead returns the task list as JSON.
func (t *Tools) TodoRead(ctx context.Context) (string, error) {
	sc, err := task(ctx)
	if err != nil {
		return "", err
	}
	slog.Info("Agent is reading todo list", "taskId", sc.TaskID)

	todo := sc.Todo()
	if todo == nil {
		return "No todo list found", nil
	}
	data, err := json.Marshal(todo)
	if err != nil {
		return "", fmt.Errorf("encode todo list: %w", err)
	}
	return string(data), nil
}

// TodoWrite replaces the task list.
func (t *Tools) TodoWrite(ctx context.Context, items []session.TodoItem) (string, error) {
	sc, err := task(ctx)
	if err != nil {
		return "", err
	}
	slog.Info("Agent is writing todo list", "taskId", sc.TaskID, "items", len(items))

	if err := sc.SetTodo(items); err != nil {
		return "", err
	}
	return fmt.Sprintf("Todo list updated with %d items", len(items)), nil
}
