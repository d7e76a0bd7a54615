// Package sseutil parses the gateway's text/event-stream responses and
// demultiplexes content deltas to caller-supplied sinks.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// NewScanner returns a bufio.Scanner configured for reading SSE lines with
// a 64KB buffer. Each Scan() yields one line without the trailing newline;
// blank lines mark event boundaries.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// DataLine extracts the payload of an SSE "data:" line. Blank lines,
// comments, and non-data fields return ok=false.
func DataLine(line string) (data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found || key != "data" {
		return "", false
	}
	// Strip optional leading space after colon per SSE spec.
	return strings.TrimPrefix(value, " "), true
}
