package overwatch

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Kind classifies the corrective action a verdict asks for.
type Kind string

const (
	KindNone       Kind = "none"
	KindNudge      Kind = "nudge"
	KindCorrection Kind = "correction"
	// KindSlingshot is the strongest intervention; it is throttled.
	KindSlingshot Kind = "slingshot"
)

func parseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindNone, KindNudge, KindCorrection, KindSlingshot:
		return k, true
	}
	return "", false
}

// Verdict is one evaluation of the primary's recent behavior.
type Verdict struct {
	ID        string    `json:"id"`
	Score     int       `json:"score"`
	Verdict   string    `json:"verdict"`
	Kind      Kind      `json:"kind"`
	Directive string    `json:"directive,omitempty"`
	Emitted   bool      `json:"emitted"`
	Fallback  bool      `json:"fallback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultVerdict is used whenever the model's answer cannot be parsed. It
// never asks for a correction.
func DefaultVerdict() Verdict {
	return Verdict{
		Score:    10,
		Verdict:  "evaluation unavailable",
		Kind:     KindNone,
		Fallback: true,
	}
}

type rawVerdict struct {
	Score     json.Number `json:"score"`
	Verdict   string      `json:"verdict"`
	Kind      string      `json:"kind"`
	Directive string      `json:"directive"`
}

// ExtractVerdict pulls the JSON object embedded in free model text: it
// decodes everything from the first '{' to the last '}'. Any failure yields
// DefaultVerdict.
func ExtractVerdict(text string) Verdict {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return DefaultVerdict()
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return DefaultVerdict()
	}
	f, err := raw.Score.Float64()
	if err != nil || math.IsNaN(f) {
		return DefaultVerdict()
	}

	// Clamp before converting: huge floats do not fit an int.
	f = math.Max(0, math.Min(f, 10))

	v := Verdict{
		Score:     int(math.Round(f)),
		Verdict:   strings.TrimSpace(raw.Verdict),
		Directive: strings.TrimSpace(raw.Directive),
	}
	kind, ok := parseKind(raw.Kind)
	switch {
	case ok:
		v.Kind = kind
	case v.Directive != "":
		v.Kind = KindNudge
	default:
		v.Kind = KindNone
	}
	if v.Kind != KindNone && v.Directive == "" {
		v.Kind = KindNone
	}
	return v
}
