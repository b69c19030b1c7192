package relay

import "strings"

// SplitMessage splits text into chunks of at most maxLen runes. A chunk ends
// at the last newline in its second half when there is one, otherwise at
// maxLen. Concatenating the chunks yields text unchanged.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cutAt := maxLen
		window := string(runes[:maxLen])
		if idx := strings.LastIndex(window, "\n"); idx >= 0 {
			if n := len([]rune(window[:idx])); n > maxLen/2 {
				cutAt = n + 1
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return chunks
}
