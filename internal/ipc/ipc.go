// Package ipc parses the line protocol spoken by automation worker
// processes over stdout. Workers interleave progress markers, screenshot
// notices and free-form log lines, and finish with a JSON result object
// on a line of its own.
package ipc

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Line protocol prefixes.
const (
	progressPrefix   = "PROGRESS:"
	screenshotPrefix = "SCREENSHOT:"

	// maxLineBytes bounds a single protocol line. Result payloads carry
	// form answers and log tails, so the bound is generous.
	maxLineBytes = 1 << 20
)

// ProgressUpdate is the payload of a PROGRESS: line.
type ProgressUpdate struct {
	Step    string `json:"step"`
	Percent int    `json:"progress"`
	Message string `json:"message,omitempty"`
}

// MessageKind discriminates parsed protocol lines.
type MessageKind int

// Parsed line kinds.
const (
	KindLog MessageKind = iota
	KindProgress
	KindScreenshot
	KindResult
)

// Message is one parsed protocol line. Raw always holds the original line.
type Message struct {
	Kind     MessageKind
	Raw      string
	Progress ProgressUpdate
	Path     string
	Result   map[string]any
}

// ParseLine classifies a single protocol line. Malformed PROGRESS payloads
// and non-object JSON demote to plain log lines rather than erroring, so a
// chatty worker cannot wedge the stream.
func ParseLine(line string) Message {
	msg := Message{Kind: KindLog, Raw: line}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return msg
	}

	switch {
	case strings.HasPrefix(trimmed, progressPrefix):
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, progressPrefix))
		var upd ProgressUpdate
		if err := json.Unmarshal([]byte(payload), &upd); err == nil {
			msg.Kind = KindProgress
			msg.Progress = upd
		}
	case strings.HasPrefix(trimmed, screenshotPrefix):
		path := strings.TrimSpace(strings.TrimPrefix(trimmed, screenshotPrefix))
		if path != "" {
			msg.Kind = KindScreenshot
			msg.Path = path
		}
	case strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			msg.Kind = KindResult
			msg.Result = obj
			msg.Raw = trimmed
		}
	}
	return msg
}

// StreamReader scans a worker stream line by line, invoking the callback
// for every parsed message and remembering the last well-formed result
// object. The final result line wins when a worker emits several.
type StreamReader struct {
	lastResult map[string]any
	lastRaw    string
}

// Consume reads r until EOF, parsing each line and invoking onMessage when
// non-nil. A trailing line without a newline is still parsed.
func (s *StreamReader) Consume(r io.Reader, onMessage func(Message)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.handle(scanner.Text(), onMessage)
	}
	return scanner.Err()
}

func (s *StreamReader) handle(line string, onMessage func(Message)) {
	msg := ParseLine(line)
	if msg.Kind == KindResult {
		s.lastResult = msg.Result
		s.lastRaw = msg.Raw
	}
	if onMessage != nil {
		onMessage(msg)
	}
}

// Result returns the last well-formed result object seen, its raw line,
// and whether any result line was observed at all.
func (s *StreamReader) Result() (map[string]any, string, bool) {
	return s.lastResult, s.lastRaw, s.lastResult != nil
}

// LastResultFrom scans buffered output for the final well-formed JSON
// object line. Used for the exit-code fallback when a worker terminates
// without a live stream.
func LastResultFrom(output string) (map[string]any, string, bool) {
	var (
		last map[string]any
		raw  string
	)
	for _, line := range strings.Split(output, "\n") {
		msg := ParseLine(line)
		if msg.Kind == KindResult {
			last = msg.Result
			raw = msg.Raw
		}
	}
	return last, raw, last != nil
}
