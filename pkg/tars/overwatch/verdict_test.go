package overwatch

import "testing"

func TestExtractVerdict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		text      string
		score     int
		kind      Kind
		directive string
		fallback  bool
	}{
		{
			name:      "bare json",
			text:      `{"score": 6, "verdict": "drifting", "kind": "nudge", "directive": "shorter answers"}`,
			score:     6,
			kind:      KindNudge,
			directive: "shorter answers",
		},
		{
			name:      "wrapped in prose and fences",
			text:      "Here is my evaluation:\n```json\n{\"score\": 3, \"verdict\": \"broke character\", \"kind\": \"correction\", \"directive\": \"you are TARS\"}\n```\nHope that helps.",
			score:     3,
			kind:      KindCorrection,
			directive: "you are TARS",
		},
		{
			name:  "score as string and fraction",
			text:  `{"score": "7.6", "verdict": "fine", "kind": "none"}`,
			score: 8,
			kind:  KindNone,
		},
		{
			name:  "score clamped",
			text:  `{"score": 42, "kind": "none"}`,
			score: 10,
			kind:  KindNone,
		},
		{
			name:      "unknown kind with directive becomes nudge",
			text:      `{"score": 5, "kind": "gentle", "directive": "relax"}`,
			score:     5,
			kind:      KindNudge,
			directive: "relax",
		},
		{
			name:  "kind without directive becomes none",
			text:  `{"score": 2, "kind": "slingshot", "directive": "  "}`,
			score: 2,
			kind:  KindNone,
		},
		{
			name:      "case insensitive kind",
			text:      `{"score": 1, "kind": "SLINGSHOT", "directive": "cut to the hangar"}`,
			score:     1,
			kind:      KindSlingshot,
			directive: "cut to the hangar",
		},
		{
			name:      "huge score clamped high",
			text:      `{"score": 1e300, "kind": "correction", "directive": "stay in role"}`,
			score:     10,
			kind:      KindCorrection,
			directive: "stay in role",
		},
		{name: "huge negative score clamped low", text: `{"score": -1e300, "kind": "none"}`, score: 0, kind: KindNone},
		{name: "score out of float range", text: `{"score": 1e400, "kind": "correction", "directive": "x"}`, score: 10, kind: KindNone, fallback: true},
		{name: "no braces", text: "I cannot evaluate this.", score: 10, kind: KindNone, fallback: true},
		{name: "reversed braces", text: "} nope {", score: 10, kind: KindNone, fallback: true},
		{name: "broken json", text: `{"score": 4, "kind": }`, score: 10, kind: KindNone, fallback: true},
		{name: "missing score", text: `{"kind": "nudge", "directive": "x"}`, score: 10, kind: KindNone, fallback: true},
		{name: "non numeric score", text: `{"score": "high"}`, score: 10, kind: KindNone, fallback: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := ExtractVerdict(tt.text)
			if v.Score != tt.score || v.Kind != tt.kind || v.Directive != tt.directive || v.Fallback != tt.fallback {
				t.Errorf("ExtractVerdict() = %+v, want score=%d kind=%s directive=%q fallback=%v",
					v, tt.score, tt.kind, tt.directive, tt.fallback)
			}
		})
	}
}

func TestDefaultVerdictNeverCorrects(t *testing.T) {
	t.Parallel()
	v := DefaultVerdict()
	if v.Kind != KindNone || v.Directive != "" || !v.Fallback {
		t.Errorf("DefaultVerdict() = %+v", v)
	}
}
