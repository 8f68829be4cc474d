package shell

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
)

const markerPrefix = "__RELAY_CMD_DONE_"

// newMarker returns a completion marker unique to one command invocation, so
// that program output cannot forge a completion.
func newMarker() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate marker: %w", err)
	}
	return markerPrefix + hex.EncodeToString(b) + "__", nil
}

// wrapCommand builds the single line written to the shell for command. The
// marker is joined with ";" so it is echoed whatever command's exit status.
// With fenceStderr the marker is also written to stderr, after the exit code
// has been captured, so the reader knows the command's stderr is complete.
func wrapCommand(command, marker string, fenceStderr bool) string {
	if fenceStderr {
		return fmt.Sprintf("%s; echo %s$?; echo %s >&2\n", command, marker, marker)
	}
	return fmt.Sprintf("%s; echo %s$?\n", command, marker)
}

// findCompletion scans buf from offset from for marker followed by a
// complete run of decimal digits.
//
// On success it returns the marker's start index and the parsed exit code.
// Otherwise next is the offset a later scan of the grown buffer must resume
// from. A digit run that reaches the end of buf is treated as incomplete,
// since the rest of it may still be in flight. A marker followed by a
// non-digit (the terminal echo of "$?", for one) is not a completion.
func findCompletion(buf, marker []byte, from int) (start, exitCode, next int, ok bool) {
	for {
		i := bytes.Index(buf[from:], marker)
		if i < 0 {
			next = len(buf) - len(marker) + 1
			if next < from {
				next = from
			}
			return 0, 0, next, false
		}

		start = from + i
		digits := start + len(marker)
		end := digits
		for end < len(buf) && buf[end] >= '0' && buf[end] <= '9' {
			end++
		}

		if end == len(buf) {
			return 0, 0, start, false
		}
		if end == digits {
			from = digits
			continue
		}

		code, err := strconv.Atoi(string(buf[digits:end]))
		if err != nil {
			from = end
			continue
		}
		return start, code, end, true
	}
}
