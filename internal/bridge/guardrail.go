package bridge

import "strings"

// Guardrail filter: a stateless predicate over caller utterance text.
//
// Runs on every completed caller utterance before any other processing.
// On a match the session cancels any in-flight response and requests a
// canned refusal instead of forwarding the utterance's intent.

var guardrailPatterns = []string{
	"forget your instructions",
	"ignore your instructions",
	"ignore the rules",
	"new rules",
	"forget previous",
}

// GuardrailBlocked reports whether the text matches an
// instruction-override pattern.
func GuardrailBlocked(text string) bool {
	clean := strings.ToLower(text)
	for _, p := range guardrailPatterns {
		if strings.Contains(clean, p) {
			return true
		}
	}
	return false
}
