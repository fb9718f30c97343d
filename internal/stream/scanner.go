// Package stream implements the streaming manager: SSE relay with on-the-fly
// protocol translation, aggregation of upstream streams into buffered
// responses, and synthesis of SSE streams from buffered upstream JSON.
package stream

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// NewScanner returns a bufio.Scanner configured for reading SSE lines with
// a 64KB buffer. Each Scan() returns one line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false (comment)
//	""                -> ok=false (empty)
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip optional leading space after colon per SSE spec
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
