package relay

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		text       string
		maxLen     int
		wantChunks int
	}{
		{"empty", "", 1900, 1},
		{"short", "hello", 1900, 1},
		{"exact limit", strings.Repeat("a", 1900), 1900, 1},
		{"one over", strings.Repeat("a", 1901), 1900, 2},
		{"5000 chars", strings.Repeat("x", 5000), 1900, 3},
		{"multibyte runes", strings.Repeat("é", 4000), 1900, 3},
		{"newline split", strings.Repeat("line of text\n", 400), 1900, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunks := SplitMessage(tt.text, tt.maxLen)
			if len(chunks) != tt.wantChunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.wantChunks)
			}
			if joined := strings.Join(chunks, ""); joined != tt.text {
				t.Error("chunks do not concatenate to the original text")
			}
			for i, c := range chunks {
				if n := utf8.RuneCountInString(c); n > tt.maxLen {
					t.Errorf("chunk %d has %d runes, limit %d", i, n, tt.maxLen)
				}
			}
		})
	}
}

func TestSplitMessage_PrefersNewline(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 15) + "\n" + strings.Repeat("b", 10)
	chunks := SplitMessage(text, 20)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0] != strings.Repeat("a", 15)+"\n" {
		t.Errorf("first chunk = %q, want split after newline", chunks[0])
	}
}
