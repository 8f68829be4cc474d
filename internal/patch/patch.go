// Package patch locates a block of lines inside file content and replaces
// it, first by exact comparison and then, if nothing matched, with
// whitespace-insensitive comparison. It never touches storage.
package patch

import (
	"fmt"
	"strings"
)

// NoMatchError reports that the old block occurs nowhere in the content.
type NoMatchError struct{}

func (e *NoMatchError) Error() string {
	return "could not find a match for the provided old content; provide the exact text including whitespace"
}

// AmbiguousMatchError reports several matches when only one was allowed.
type AmbiguousMatchError struct {
	Count int
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("found %d matches but replaceAll is false; include more context or set replaceAll", e.Count)
}

// LineMatch is an inclusive range of line indices.
type LineMatch struct {
	Start int
	End   int
}

// Result is the outcome of a successful Apply.
type Result struct {
	Content string
	// Matches is the number of occurrences found.
	Matches int
	// Replaced is the number of occurrences substituted.
	Replaced int
	// Normalized is true when matching had to ignore whitespace differences.
	Normalized bool
	Diff       Diff
}

// Apply replaces oldBlock with newBlock in content. With replaceAll false,
// more than one occurrence is an *AmbiguousMatchError. An empty oldBlock is
// one empty line and matches blank lines.
func Apply(content, oldBlock, newBlock string, replaceAll bool) (Result, error) {
	fileLines := strings.Split(content, "\n")
	oldLines := strings.Split(oldBlock, "\n")
	newLines := strings.Split(newBlock, "\n")

	normalized := false
	matches := FindLineMatches(fileLines, oldLines, false)
	if len(matches) == 0 {
		matches = FindLineMatches(fileLines, oldLines, true)
		normalized = true
	}
	if len(matches) == 0 {
		return Result{}, &NoMatchError{}
	}
	if len(matches) > 1 && !replaceAll {
		return Result{}, &AmbiguousMatchError{Count: len(matches)}
	}

	out, replaced := replace(fileLines, matches, newLines, replaceAll)
	updated := strings.Join(out, "\n")
	return Result{
		Content:    updated,
		Matches:    len(matches),
		Replaced:   replaced,
		Normalized: normalized,
		Diff:       Unified("", content, updated),
	}, nil
}

// FindLineMatches returns every window of fileLines equal to oldLines, in
// ascending order of start. With normalize set, lines are compared after
// collapsing whitespace runs and trimming.
func FindLineMatches(fileLines, oldLines []string, normalize bool) []LineMatch {
	if len(oldLines) == 0 || len(oldLines) > len(fileLines) {
		return nil
	}

	norm := func(s string) string { return s }
	if normalize {
		norm = normalizeLine
	}
	want := make([]string, len(oldLines))
	for i, l := range oldLines {
		want[i] = norm(l)
	}

	var matches []LineMatch
	for i := 0; i+len(want) <= len(fileLines); i++ {
		ok := true
		for j := range want {
			if norm(fileLines[i+j]) != want[j] {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, LineMatch{Start: i, End: i + len(want) - 1})
		}
	}
	return matches
}

func normalizeLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// replace substitutes matches from the last to the first so earlier indices
// stay valid. A match overlapping one already replaced is skipped.
func replace(lines []string, matches []LineMatch, newLines []string, all bool) ([]string, int) {
	out := append([]string(nil), lines...)
	targets := matches[:1]
	if all {
		targets = matches
	}

	replaced := 0
	limit := len(out)
	for i := len(targets) - 1; i >= 0; i-- {
		m := targets[i]
		if m.End >= limit {
			continue
		}
		tail := append([]string(nil), out[m.End+1:]...)
		out = append(append(out[:m.Start], newLines...), tail...)
		limit = m.Start
		replaced++
	}
	return out, replaced
}
