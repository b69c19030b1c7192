package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestWriteDecodeFrame(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: FrameDirective, Kind: "nudge", Score: 4, Text: "slow down"}); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		t.Fatal("frame must be newline terminated")
	}
	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Fatal("frame must be a single line")
	}

	f, err := DecodeFrame(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Type != FrameDirective || f.Kind != "nudge" || f.Score != 4 || f.Text != "slow down" {
		t.Errorf("got %+v", f)
	}
	if f.Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}
}

func TestDecodeFrame_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"plain text", "hello world"},
		{"broken json", `{"type":"directive"`},
		{"unknown type", `{"type":"assistant","text":"x"}`},
		{"missing type", `{"text":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeFrame([]byte(tt.line)); !errors.Is(err, ErrNotFrame) {
				t.Errorf("DecodeFrame(%q) error = %v, want ErrNotFrame", tt.line, err)
			}
		})
	}
}

func TestEncodeUserInput(t *testing.T) {
	t.Parallel()
	line, err := EncodeUserInput("overwatcher", "stay in character")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if got["type"] != "user" {
		t.Errorf("type = %v", got["type"])
	}
	in := NewUserInput("overwatcher", "stay in character")
	if in.Message.Role != "user" || len(in.Message.Content) != 1 {
		t.Fatalf("message = %+v", in.Message)
	}
	if want := "[overwatcher] stay in character"; in.Message.Content[0].Text != want {
		t.Errorf("text = %q, want %q", in.Message.Content[0].Text, want)
	}
	if NewUserInput("", "bare").Message.Content[0].Text != "bare" {
		t.Error("empty source should not add a prefix")
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		line     string
		ok       bool
		wantType string
		wantText string
	}{
		{
			name:     "assistant",
			line:     `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use"},{"type":"text","text":"there"}]}}`,
			ok:       true,
			wantType: "assistant",
			wantText: "hi\nthere",
		},
		{
			name:     "result",
			line:     `{"type":"result","subtype":"success","result":"done","is_error":false}`,
			ok:       true,
			wantType: "result",
			wantText: "done",
		},
		{name: "system init", line: `{"type":"system","subtype":"init","session_id":"abc"}`, ok: true, wantType: "system"},
		{name: "plain text", line: "Loading configuration...", ok: false},
		{name: "truncated", line: `{"type":"assistant","message":`, ok: false},
		{name: "no type", line: `{"foo":1}`, ok: false},
		{name: "blank", line: "   ", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, ok := ParseLine([]byte(tt.line))
			if ok != tt.ok {
				t.Fatalf("ParseLine ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if ev.Type != tt.wantType {
				t.Errorf("type = %q, want %q", ev.Type, tt.wantType)
			}
			if ev.Text() != tt.wantText {
				t.Errorf("Text() = %q, want %q", ev.Text(), tt.wantText)
			}
		})
	}
}
