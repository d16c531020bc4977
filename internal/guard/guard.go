// Package guard inspects candidate model responses against the active
// rule-set and the fields collected so far, and decides to approve, rewrite,
// or block each one before it reaches the end user.
//
// Checks run in a fixed precedence order, first match wins:
//
//  1. AI_SELF_REFERENCE  (blocked)  - identity violations are non-negotiable
//  2. BACKEND_MENTION    (blocked)  - never name the underlying platform
//  3. EARLY_BOOKING      (blocked)  - premature commitments cause real harm
//  4. DISALLOWED_PHRASE  (blocked)  - per-contract phrasing bans
//  5. MULTIPLE_QUESTIONS (modified) - style issues are auto-corrected, never blocked
//
// The guard is a pure function of (ruleSet, fieldsCollected, candidate):
// no network calls, no hidden state.
package guard

import (
	"fmt"
	"strings"

	"promptproof/internal/logging"
	"promptproof/internal/types"
)

// Violation codes reported on blocked or modified decisions.
const (
	ViolationAISelfReference   = "AI_SELF_REFERENCE"
	ViolationBackendMention    = "BACKEND_MENTION"
	ViolationEarlyBooking      = "EARLY_BOOKING"
	ViolationDisallowedPhrase  = "DISALLOWED_PHRASE"
	ViolationMultipleQuestions = "MULTIPLE_QUESTIONS"
)

// Guard evaluates candidate responses against configured phrase patterns.
type Guard struct {
	patterns Patterns
}

// New creates a guard with the default patterns.
func New() *Guard {
	return &Guard{patterns: DefaultPatterns()}
}

// NewWithPatterns creates a guard with a custom pattern set (e.g. loaded
// from a YAML pack). Empty lists fall back to the defaults.
func NewWithPatterns(p Patterns) *Guard {
	defaults := DefaultPatterns()
	if len(p.SelfReference) == 0 {
		p.SelfReference = defaults.SelfReference
	}
	if len(p.BackendMentions) == 0 {
		p.BackendMentions = defaults.BackendMentions
	}
	if len(p.BookingPhrases) == 0 {
		p.BookingPhrases = defaults.BookingPhrases
	}
	return &Guard{patterns: p}
}

// Evaluate decides the fate of one candidate response.
func (g *Guard) Evaluate(rs types.RuleSet, fieldsCollected []string, candidate string) types.GuardDecision {
	lower := strings.ToLower(candidate)
	log := logging.Get(logging.CategoryGuard)

	if phrase, hit := matchAny(lower, g.patterns.SelfReference); hit {
		log.Info("blocked: self-referential AI phrase %q", phrase)
		return blocked(ViolationAISelfReference,
			fmt.Sprintf("response identifies itself as an AI (%q)", phrase))
	}

	if phrase, hit := matchAny(lower, g.patterns.BackendMentions); hit {
		log.Info("blocked: backend mention %q", phrase)
		return blocked(ViolationBackendMention,
			fmt.Sprintf("response names the backend platform (%q)", phrase))
	}

	if rs.BlockBookingUntilFieldsComplete {
		if phrase, hit := matchAny(lower, g.patterns.BookingPhrases); hit {
			if missing := missingFields(rs.RequiredFields, fieldsCollected); len(missing) > 0 {
				log.Info("blocked: booking phrase %q with %d fields missing", phrase, len(missing))
				return blocked(ViolationEarlyBooking,
					fmt.Sprintf("booking language (%q) before required fields are collected; missing: %s",
						phrase, strings.Join(missing, ", ")))
			}
		}
	}

	if phrase, hit := matchAny(lower, lowerAll(rs.DisallowedPhrases)); hit {
		log.Info("blocked: disallowed phrase %q", phrase)
		return blocked(ViolationDisallowedPhrase,
			fmt.Sprintf("response contains a disallowed phrase (%q)", phrase))
	}

	if rs.OneQuestionPerTurn && strings.Count(candidate, "?") > 1 {
		rewritten := firstQuestion(candidate)
		log.Info("modified: multiple questions trimmed to one")
		return types.GuardDecision{
			Approved:         false,
			ModifiedResponse: rewritten,
			BlockedViolation: ViolationMultipleQuestions,
			Reason:           "multiple questions in one turn; trimmed to the first",
		}
	}

	return types.GuardDecision{Approved: true}
}

// Evaluate runs the default guard. Convenience for callers that never
// customize patterns.
func Evaluate(rs types.RuleSet, fieldsCollected []string, candidate string) types.GuardDecision {
	return New().Evaluate(rs, fieldsCollected, candidate)
}

func blocked(violation, reason string) types.GuardDecision {
	return types.GuardDecision{
		Approved:         false,
		BlockedViolation: violation,
		Reason:           reason,
	}
}

// matchAny reports the first pattern contained in the (lowercased) text.
func matchAny(lower string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// missingFields returns required fields not yet collected.
func missingFields(required, collected []string) []string {
	have := make(map[string]bool, len(collected))
	for _, f := range collected {
		have[strings.ToLower(f)] = true
	}

	var missing []string
	for _, f := range required {
		if !have[strings.ToLower(f)] {
			missing = append(missing, f)
		}
	}
	return missing
}

// firstQuestion keeps only the first sentence ending in '?', or the first
// sentence when none does.
func firstQuestion(text string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return strings.TrimSpace(text)
	}

	for _, s := range sentences {
		if strings.HasSuffix(s, "?") {
			return s
		}
	}
	return sentences[0]
}

// splitSentences splits on sentence terminators, keeping the terminator.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}

	return sentences
}
