package patch

import (
	"fmt"
	"strings"
	"testing"
)

func TestUnifiedIdentical(t *testing.T) {
	t.Parallel()

	d := Unified("main.go", "same\n", "same\n")
	if d.Hunks != 0 || d.Text != "" {
		t.Fatalf("expected empty diff, got %+v", d)
	}
}

func TestUnifiedHeaderAndHunk(t *testing.T) {
	t.Parallel()

	d := Unified("app/main.go", "a\nb\nc\n", "a\nB\nc\n")
	want := "--- app/main.go\n+++ app/main.go\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n"
	if d.Text != want {
		t.Fatalf("unexpected diff:\n%s\nwant:\n%s", d.Text, want)
	}
	if d.Hunks != 1 {
		t.Fatalf("expected 1 hunk, got %d", d.Hunks)
	}
}

func TestUnifiedSeparatesDistantChanges(t *testing.T) {
	t.Parallel()

	var oldLines, newLines []string
	for i := 0; i < 30; i++ {
		line := string(rune('a'+i%26)) + "\n"
		oldLines = append(oldLines, line)
		switch i {
		case 2, 25:
			newLines = append(newLines, "changed\n")
		default:
			newLines = append(newLines, line)
		}
	}

	d := Unified("", strings.Join(oldLines, ""), strings.Join(newLines, ""))
	if d.Hunks != 2 {
		t.Fatalf("expected 2 hunks, got %d:\n%s", d.Hunks, d.Text)
	}
	if strings.HasPrefix(d.Text, "---") {
		t.Fatal("expected no file header without a path")
	}
	if !strings.HasPrefix(d.Text, "@@ -1,6 +1,6 @@\n") {
		t.Fatalf("unexpected first hunk header in:\n%s", d.Text)
	}
}

func TestUnifiedMergesNearbyChanges(t *testing.T) {
	t.Parallel()

	old := "1\n2\n3\n4\n5\n6\n7\n8\n"
	updated := "1\nX\n3\n4\n5\n6\nY\n8\n"
	if d := Unified("", old, updated); d.Hunks != 1 {
		t.Fatalf("expected changes within context to share a hunk, got %d", d.Hunks)
	}
}

func TestUnifiedMissingTrailingNewline(t *testing.T) {
	t.Parallel()

	d := Unified("", "a\nb", "a\nb\n")
	if !strings.Contains(d.Text, "-b\n\\ No newline at end of file\n+b\n") {
		t.Fatalf("expected no-newline marker, got:\n%s", d.Text)
	}
}

func TestUnifiedInsertIntoEmpty(t *testing.T) {
	t.Parallel()

	d := Unified("", "", "hello\n")
	if !strings.HasPrefix(d.Text, "@@ -0,0 +1,1 @@\n+hello\n") {
		t.Fatalf("unexpected diff:\n%s", d.Text)
	}
}

func TestUnifiedLargeFileKeepsLineIdentity(t *testing.T) {
	t.Parallel()

	for _, n := range []int{100, 300, 3000} {
		lines := make([]string, n)
		for i := range lines {
			lines[i] = fmt.Sprintf("line %d", i)
		}
		old := strings.Join(lines, "\n") + "\n"

		res, err := Apply(old, fmt.Sprintf("line %d", n/2), "CHANGED", false)
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", n, err)
		}

		mid := n / 2
		want := fmt.Sprintf("@@ -%d,7 +%d,7 @@\n line %d\n line %d\n line %d\n-line %d\n+CHANGED\n line %d\n line %d\n line %d\n",
			mid-2, mid-2, mid-3, mid-2, mid-1, mid, mid+1, mid+2, mid+3)
		if res.Diff.Text != want {
			t.Fatalf("n=%d: unexpected diff:\n%s\nwant:\n%s", n, res.Diff.Text, want)
		}
	}
}

func TestUnifiedManyDistinctLines(t *testing.T) {
	t.Parallel()

	// More distinct lines than runes below the surrogate range.
	const n = 60000
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "row %d\n", i)
	}
	old := b.String()
	updated := strings.Replace(old, "row 59000\n", "row edited\n", 1)

	d := Unified("", old, updated)
	if d.Hunks != 1 {
		t.Fatalf("expected 1 hunk, got %d", d.Hunks)
	}
	if !strings.Contains(d.Text, "-row 59000\n+row edited\n") {
		t.Fatalf("unexpected diff:\n%s", d.Text)
	}
}
