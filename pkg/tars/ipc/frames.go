// Package ipc defines the line-delimited JSON spoken on child process stdio.
//
// The supervisor and the overwatcher exchange Frames: the supervisor writes
// observation frames (what the primary said) to the overwatcher's stdin, and
// the overwatcher answers with directive frames on its stdout. The primary
// child speaks the Claude CLI stream-json dialect instead: UserInput lines on
// stdin and Event lines on stdout.
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// FrameType identifies a supervisor/overwatcher frame.
type FrameType string

const (
	FrameObservation FrameType = "observation"
	FrameDirective   FrameType = "directive"
)

// Frame is one line of the supervisor/overwatcher protocol.
type Frame struct {
	Type      FrameType `json:"type"`
	Source    string    `json:"source,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Score     int       `json:"score,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// ErrNotFrame is returned by DecodeFrame for lines that are not frames.
var ErrNotFrame = errors.New("ipc: not a frame")

// WriteFrame encodes f as a single line on w.
func WriteFrame(w io.Writer, f Frame) error {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("ipc: encoding frame: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// DecodeFrame parses one line. Blank lines, non-JSON lines and JSON objects
// without a known type yield ErrNotFrame.
func DecodeFrame(line []byte) (Frame, error) {
	var f Frame
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return f, ErrNotFrame
	}
	if err := json.Unmarshal(line, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrNotFrame, err)
	}
	switch f.Type {
	case FrameObservation, FrameDirective:
		return f, nil
	}
	return f, ErrNotFrame
}

// ContentBlock is one block of a stream-json message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// StreamMessage is the message body shared by user input and assistant
// output events.
type StreamMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserInput is the stdin line the primary child reads in stream-json mode.
type UserInput struct {
	Type    string        `json:"type"`
	Message StreamMessage `json:"message"`
}

// NewUserInput builds a user turn whose text is prefixed with the
// originating source, e.g. "[overwatcher] stay in character".
func NewUserInput(source, text string) UserInput {
	if source != "" {
		text = "[" + source + "] " + text
	}
	return UserInput{
		Type: "user",
		Message: StreamMessage{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: text}},
		},
	}
}

// EncodeUserInput returns the newline-terminated stdin line for a user turn.
func EncodeUserInput(source, text string) ([]byte, error) {
	data, err := json.Marshal(NewUserInput(source, text))
	if err != nil {
		return nil, fmt.Errorf("ipc: encoding user input: %w", err)
	}
	return append(data, '\n'), nil
}

// Event is a stream-json output record from the primary child. Only the
// fields tars acts on are decoded.
type Event struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   *StreamMessage `json:"message,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Text concatenates the text blocks of an assistant or user event, or
// returns the result text of a result event.
func (e Event) Text() string {
	if e.Message == nil {
		return e.Result
	}
	var parts []string
	for _, b := range e.Message.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ParseLine decodes one stdout line of the primary child. It reports false
// for anything that is not a JSON object with a type; callers log such lines
// verbatim.
func ParseLine(line []byte) (Event, bool) {
	var ev Event
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return ev, false
	}
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return ev, false
	}
	return ev, true
}
