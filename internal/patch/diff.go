package patch

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// contextLines is the number of unchanged lines shown around each change.
const contextLines = 3

// Diff is a unified diff rendering.
type Diff struct {
	Text  string `json:"text"`
	Hunks int    `json:"hunks"`
}

type lineOp struct {
	kind diffmatchpatch.Operation
	text string
}

// Unified renders a unified diff of oldText against newText. path, when set,
// is written in the ---/+++ header. Identical inputs yield an empty diff.
func Unified(path, oldText, newText string) Diff {
	if oldText == newText {
		return Diff{}
	}
	ops := lineOps(oldText, newText)

	// oldNo[k] and newNo[k] count the lines consumed before ops[k].
	n := len(ops)
	oldNo := make([]int, n+1)
	newNo := make([]int, n+1)
	for k, op := range ops {
		oldNo[k+1], newNo[k+1] = oldNo[k], newNo[k]
		if op.kind != diffmatchpatch.DiffInsert {
			oldNo[k+1]++
		}
		if op.kind != diffmatchpatch.DiffDelete {
			newNo[k+1]++
		}
	}

	var b strings.Builder
	if path != "" {
		fmt.Fprintf(&b, "--- %s\n+++ %s\n", path, path)
	}

	hunks := 0
	for i := 0; i < n; {
		for i < n && ops[i].kind == diffmatchpatch.DiffEqual {
			i++
		}
		if i == n {
			break
		}

		start := max(i-contextLines, 0)
		end := i
		for {
			for end < n && ops[end].kind != diffmatchpatch.DiffEqual {
				end++
			}
			next := end
			for next < n && ops[next].kind == diffmatchpatch.DiffEqual {
				next++
			}
			if next < n && next-end <= 2*contextLines {
				end = next
				continue
			}
			break
		}
		stop := min(end+contextLines, n)

		fmt.Fprintf(&b, "@@ -%s +%s @@\n",
			hunkRange(oldNo[start], oldNo[stop]-oldNo[start]),
			hunkRange(newNo[start], newNo[stop]-newNo[start]))
		for k := start; k < stop; k++ {
			writeLine(&b, ops[k])
		}
		hunks++
		i = stop
	}

	if hunks == 0 {
		return Diff{}
	}
	return Diff{Text: b.String(), Hunks: hunks}
}

// lineOps diffs the two texts line by line. Each distinct line is mapped to
// one rune so the character diff runs over whole lines; the runes are mapped
// back here rather than through DiffCharsToLines, which loses line identity
// on large inputs.
func lineOps(oldText, newText string) []lineOp {
	index := make(map[string]rune)
	var lines []string
	encode := func(text string) []rune {
		parts := splitLines(text)
		out := make([]rune, len(parts))
		for i, line := range parts {
			r, ok := index[line]
			if !ok {
				r = lineRune(len(lines))
				index[line] = r
				lines = append(lines, line)
			}
			out[i] = r
		}
		return out
	}
	a, b := encode(oldText), encode(newText)

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	var ops []lineOp
	for _, d := range dmp.DiffMainRunes(a, b, false) {
		for _, r := range []rune(d.Text) {
			ops = append(ops, lineOp{kind: d.Type, text: lines[runeLine(r)]})
		}
	}
	return ops
}

// Diff texts are strings, so line runes skip the surrogate range, which does
// not survive a string conversion.
const surrogateMin, surrogateSpan = 0xD800, 0x800

func lineRune(i int) rune {
	if i >= surrogateMin {
		return rune(i + surrogateSpan)
	}
	return rune(i)
}

func runeLine(r rune) int {
	if r >= surrogateMin+surrogateSpan {
		return int(r) - surrogateSpan
	}
	return int(r)
}

// splitLines splits s after each newline, keeping the terminators.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// hunkRange formats a start,length pair. before is the number of lines
// preceding the hunk; an empty range points at the line before it.
func hunkRange(before, length int) string {
	start := before + 1
	if length == 0 {
		start = before
	}
	return fmt.Sprintf("%d,%d", start, length)
}

func writeLine(b *strings.Builder, op lineOp) {
	switch op.kind {
	case diffmatchpatch.DiffDelete:
		b.WriteByte('-')
	case diffmatchpatch.DiffInsert:
		b.WriteByte('+')
	default:
		b.WriteByte(' ')
	}
	b.WriteString(op.text)
	if !strings.HasSuffix(op.text, "\n") {
		b.WriteString("\n\\ No newline at end of file\n")
	}
}
