package shell

import (
	"strings"
	"testing"
)

func TestNewMarkerIsUniquePerInvocation(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		m, err := newMarker()
		if err != nil {
			t.Fatalf("newMarker: %v", err)
		}
		if !strings.HasPrefix(m, markerPrefix) || !strings.HasSuffix(m, "__") {
			t.Fatalf("unexpected marker shape %q", m)
		}
		if seen[m] {
			t.Fatalf("duplicate marker %q", m)
		}
		seen[m] = true
	}
}

func TestWrapCommand(t *testing.T) {
	t.Parallel()

	if got := wrapCommand("ls -la", "__M__", false); got != "ls -la; echo __M__$?\n" {
		t.Fatalf("unexpected wrapped command %q", got)
	}
	if got := wrapCommand("ls -la", "__M__", true); got != "ls -la; echo __M__$?; echo __M__ >&2\n" {
		t.Fatalf("unexpected fenced command %q", got)
	}
}

func TestFindCompletion(t *testing.T) {
	t.Parallel()

	const marker = "__M__"
	tests := []struct {
		name      string
		buf       string
		from      int
		wantOK    bool
		wantStart int
		wantCode  int
		wantNext  int
	}{
		{name: "complete", buf: "hello\n__M__0\n", wantOK: true, wantStart: 6, wantCode: 0, wantNext: 12},
		{name: "multi digit", buf: "__M__127\n", wantOK: true, wantStart: 0, wantCode: 127, wantNext: 8},
		{name: "digits reach end", buf: "out\n__M__1", wantNext: 4},
		{name: "marker only", buf: "out\n__M__", wantNext: 4},
		{name: "echo of status var skipped", buf: "x; echo __M__$?\r\n__M__2\r\n", wantOK: true, wantStart: 17, wantCode: 2, wantNext: 23},
		{name: "echo without completion", buf: "echo __M__$?\r\n", wantNext: 10},
		{name: "partial marker at tail", buf: "abc__M", wantNext: 2},
		{name: "short buffer", buf: "ab", wantNext: 0},
		{name: "resume offset", buf: "__M__1\n__M__2\n", from: 7, wantOK: true, wantStart: 7, wantCode: 2, wantNext: 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, code, next, ok := findCompletion([]byte(tt.buf), []byte(marker), tt.from)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if next != tt.wantNext {
				t.Fatalf("expected next=%d, got %d", tt.wantNext, next)
			}
			if !ok {
				return
			}
			if start != tt.wantStart {
				t.Fatalf("expected start=%d, got %d", tt.wantStart, start)
			}
			if code != tt.wantCode {
				t.Fatalf("expected exit code %d, got %d", tt.wantCode, code)
			}
		})
	}
}

func TestFindCompletionAcrossSplitReads(t *testing.T) {
	t.Parallel()

	marker := []byte("__M__")
	full := []byte("result\n__M__42\n")

	next := 0
	for i := 1; i < len(full); i++ {
		_, _, n, ok := findCompletion(full[:i], marker, next)
		if ok {
			t.Fatalf("completion reported early at %d bytes", i)
		}
		next = n
	}
	start, code, _, ok := findCompletion(full, marker, next)
	if !ok {
		t.Fatal("expected completion once the line is whole")
	}
	if start != 7 || code != 42 {
		t.Fatalf("expected start 7 code 42, got start %d code %d", start, code)
	}
}
