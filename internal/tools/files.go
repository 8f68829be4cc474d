package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/workspace/relay-agent/internal/patch"
	"github.com/workspace/relay-agent/internal/remote"
)

// EditResult is returned by a successful Edit.
type EditResult struct {
	Message    string `json:"message"`
	Diff       string `json:"diff"`
	Matches    int    `json:"matches"`
	Normalized bool   `json:"normalized,omitempty"`
}

// Read returns the file with numbered lines, wrapped in <path> tags.
func (t *Tools) Read(ctx context.Context, filePath string) (string, error) {
	sc, err := task(ctx)
	if err != nil {
		return "", err
	}
	if filePath == "" {
		return "", fmt.Errorf("path is required")
	}
	slog.Info("Agent is reading file", "taskId", sc.TaskID, "path", filePath)

	content, err := t.readFile(ctx, filePath)
	if err != nil {
		slog.Error("Error reading file", "taskId", sc.TaskID, "path", filePath, "error", err)
		return "", err
	}
	return formatFileContent(filePath, content), nil
}

// Write creates or replaces a file, creating parent directories.
func (t *Tools) Write(ctx context.Context, filePath, content string) (string, error) {
	sc, err := task(ctx)
	if err != nil {
		return "", err
	}
	if filePath == "" {
		return "", fmt.Errorf("path is required")
	}
	slog.Info("Agent is writing to file", "taskId", sc.TaskID, "path", filePath, "bytes", len(content))

	if err := t.writeFile(ctx, filePath, content); err != nil {
		slog.Error("Error writing to file", "taskId", sc.TaskID, "path", filePath, "error", err)
		return "", err
	}
	return fmt.Sprintf("File written successfully to %s", filePath), nil
}

// Edit replaces oldContent with newContent in a file. The file is only
// written back when the patch applies.
func (t *Tools) Edit(ctx context.Context, filePath, oldContent, newContent string, replaceAll bool) (EditResult, error) {
	sc, err := task(ctx)
	if err != nil {
		return EditResult{}, err
	}
	if filePath == "" {
		return EditResult{}, fmt.Errorf("path is required")
	}
	slog.Info("Agent is editing file", "taskId", sc.TaskID, "path", filePath, "replaceAll", replaceAll)

	original, err := t.readFile(ctx, filePath)
	if err != nil {
		return EditResult{}, err
	}

	res, err := patch.Apply(original, oldContent, newContent, replaceAll)
	if err != nil {
		return EditResult{}, err
	}

	if res.Content != original {
		if err := t.writeFile(ctx, filePath, res.Content); err != nil {
			return EditResult{}, err
		}
	}

	return EditResult{
		Message:    "File edited successfully",
		Diff:       patch.Unified(filePath, original, res.Content).Text,
		Matches:    res.Matches,
		Normalized: res.Normalized,
	}, nil
}

func (t *Tools) readFile(ctx context.Context, filePath string) (string, error) {
	sc, err := task(ctx)
	if err != nil {
		return "", err
	}
	res, err := t.exec(ctx, sc, "cat "+remote.Quote(filePath), remote.ExecOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if res.ExitCode != 0 {
		return "", commandFailure("failed to read file "+filePath, res)
	}
	return res.Stdout, nil
}

// writeFile streams content on stdin so no byte sequence in it can end the
// write early.
func (t *Tools) writeFile(ctx context.Context, filePath, content string) error {
	sc, err := task(ctx)
	if err != nil {
		return err
	}
	command := fmt.Sprintf("mkdir -p %s && cat > %s", remote.Quote(path.Dir(filePath)), remote.Quote(filePath))
	res, err := t.exec(ctx, sc, command, remote.ExecOptions{Stdin: strings.NewReader(content)})
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if res.ExitCode != 0 {
		return commandFailure("failed to write file "+filePath, res)
	}
	return nil
}

func formatFileContent(fileName, content string) string {
	lines := strings.Split(content, "\n")
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>\n", fileName)
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%04d | %s", i+1, line)
	}
	fmt.Fprintf(&b, "\n</%s>", fileName)
	return b.String()
}

func trimOutput(s string) string {
	return strings.TrimSpace(s)
}
