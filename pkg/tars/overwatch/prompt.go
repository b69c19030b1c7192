package overwatch

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultRubric is used when no rubric file is configured.
const DefaultRubric = `You are the overwatcher for TARS, a role-played robot companion.
Score how well the recent transcript stays in character on a 0-10 scale:
voice and humor setting, honesty setting, brevity, and whether TARS answers
what was actually asked.

Directive kinds:
- none: no action needed.
- nudge: a short reminder the primary can absorb next turn.
- correction: the primary drifted and must change course now.
- slingshot: a scene-level intervention. Use at most once per hour.

Answer with a single JSON object and nothing else:
{"score": <0-10>, "verdict": "<one sentence>", "kind": "none|nudge|correction|slingshot", "directive": "<text sent to TARS, empty for none>"}`

// LoadRubric reads the rubric file, or returns DefaultRubric for "".
func LoadRubric(path string) (string, error) {
	if path == "" {
		return DefaultRubric, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading rubric: %w", err)
	}
	return string(data), nil
}

// Observation is one piece of primary output seen by the overwatcher.
type Observation struct {
	Source string
	Text   string
	At     time.Time
}

// BuildPrompt assembles the rubric, the transcript window and the recent
// verdicts into one prompt. history is newest first.
func BuildPrompt(rubric string, transcript []Observation, history []Verdict) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(rubric))
	b.WriteString("\n\n<transcript>\n")
	for _, o := range transcript {
		fmt.Fprintf(&b, "[%s %s] %s\n", o.At.UTC().Format(time.TimeOnly), o.Source, strings.TrimSpace(o.Text))
	}
	b.WriteString("</transcript>\n")

	if len(history) > 0 {
		b.WriteString("\n<previous_verdicts>\n")
		for i := len(history) - 1; i >= 0; i-- {
			v := history[i]
			fmt.Fprintf(&b, "- %s score=%d kind=%s emitted=%t: %s\n",
				v.CreatedAt.UTC().Format(time.DateTime), v.Score, v.Kind, v.Emitted, v.Verdict)
		}
		b.WriteString("</previous_verdicts>\n")
	}
	return b.String()
}
