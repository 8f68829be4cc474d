package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/workspace/relay-agent/internal/remote"
)

const (
	maxListedFiles        = 100
	defaultMaxTextResults = 100
)

// ripgrep exits 1 when nothing matched.
const rgNoMatches = 1

var matchLine = regexp.MustCompile(`^(.+?):(\d+):(.+)$`)

// SearchTextParams are the arguments of SearchText.
type SearchTextParams struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path,omitempty"`
	Include    string `json:"include,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// TextMatch is one matching line.
type TextMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// SearchTextResult is returned by SearchText.
type SearchTextResult struct {
	Matches      []TextMatch `json:"matches"`
	TotalMatches int         `json:"totalMatches"`
	Message      string      `json:"message"`
}

// SearchFiles lists files matching a glob pattern under dir, or under the
// working directory when dir is empty.
func (t *Tools) SearchFiles(ctx context.Context, pattern, dir string) (string, error) {
	sc, err := task(ctx)
	if err != nil {
		return "", err
	}
	if pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	slog.Info("Agent is searching for files", "taskId", sc.TaskID, "pattern", pattern, "path", dir)

	command := "rg --files --glob " + remote.Quote(pattern)
	if dir != "" {
		command += " " + remote.Quote(dir)
	}
	res, err := t.exec(ctx, sc, command, remote.ExecOptions{})
	if err != nil {
		return "", fmt.Errorf("error searching for files: %w", err)
	}
	if res.ExitCode != 0 && res.ExitCode != rgNoMatches {
		return "", commandFailure("error searching for files", res)
	}
	return formatFileList(res.Stdout), nil
}

// SearchText searches file contents for a regular expression with ripgrep.
func (t *Tools) SearchText(ctx context.Context, p SearchTextParams) (SearchTextResult, error) {
	sc, err := task(ctx)
	if err != nil {
		return SearchTextResult{}, err
	}
	if p.Pattern == "" {
		return SearchTextResult{}, fmt.Errorf("pattern is required")
	}
	maxResults := p.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxTextResults
	}
	slog.Info("Agent is searching text", "taskId", sc.TaskID, "pattern", p.Pattern, "path", p.Path, "include", p.Include)

	args := []string{"rg", "--color", "never", "--line-number", "--with-filename", "--max-count", strconv.Itoa(maxResults)}
	if p.Include != "" {
		args = append(args, "--glob", remote.Quote(p.Include))
	}
	args = append(args, "-e", remote.Quote(p.Pattern))
	if p.Path != "" {
		args = append(args, remote.Quote(p.Path))
	}

	res, err := t.exec(ctx, sc, strings.Join(args, " "), remote.ExecOptions{})
	if err != nil {
		return SearchTextResult{}, fmt.Errorf("error searching text: %w", err)
	}
	if res.ExitCode != 0 && res.ExitCode != rgNoMatches {
		return SearchTextResult{}, commandFailure("error searching text", res)
	}
	if res.Stderr != "" {
		slog.Warn("Search stderr", "taskId", sc.TaskID, "stderr", trimOutput(res.Stderr))
	}

	matches := parseMatches(res.Stdout, maxResults)
	result := SearchTextResult{
		Matches:      matches,
		TotalMatches: len(matches),
		Message:      "No matches found",
	}
	if len(matches) > 0 {
		result.Message = fmt.Sprintf("Found %d matches", len(matches))
	}
	return result, nil
}

func formatFileList(stdout string) string {
	var files []string
	for _, f := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if f != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return "No files found"
	}
	if len(files) <= maxListedFiles {
		return strings.Join(files, "\n")
	}
	return strings.Join(files[:maxListedFiles], "\n") +
		fmt.Sprintf("\n\nResults are truncated (showing %d of %d files), consider being more specific", maxListedFiles, len(files))
}

// parseMatches reads "file:line:content" records. --max-count is per file,
// so the total is capped here as well.
func parseMatches(stdout string, limit int) []TextMatch {
	matches := []TextMatch{}
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		m := matchLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		matches = append(matches, TextMatch{File: strings.TrimPrefix(m[1], "./"), Line: n, Content: m[3]})
		if len(matches) == limit {
			break
		}
	}
	return matches
}
