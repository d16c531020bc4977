// Package rules extracts and embeds the behavioral contract (RuleSet) that
// lives as a sentinel-marked JSON block inside the free-text system prompt.
// Extraction never fails: malformed or missing blocks degrade to the default
// rule-set, with the degradation recorded in the result's Source so callers
// can surface it instead of mistaking it for an intentionally permissive
// contract.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"promptproof/internal/logging"
	"promptproof/internal/types"
)

// Sentinel markers delimiting the embedded rule-set block.
const (
	StartMarker = "<<<AGENT_SPEC>>>"
	EndMarker   = "<<<END_AGENT_SPEC>>>"
)

// Keys that must be present for an embedded block to count as explicit.
var requiredKeys = []string{"requiredFields", "fieldOrder", "niche"}

// ExtractResult carries the rule-set in force plus how it got there.
type ExtractResult struct {
	RuleSet types.RuleSet
	Source  types.SpecSource

	// Err holds the parse error when Source is SpecSourceParseError.
	Err error
}

// Default returns the hard-coded fallback rule-set. It is in force whenever
// no explicit contract could be extracted.
func Default() types.RuleSet {
	return types.RuleSet{
		RequiredFields: []string{"fullName", "phone", "email", "serviceType", "preferredTime"},
		FieldOrder:     []string{"fullName", "phone", "email", "serviceType", "preferredTime"},

		OneQuestionPerTurn: true,
		MaxSentences:       2,
		MaxWordsPerTurn:    35,

		BlockBookingUntilFieldsComplete: true,

		Confirmations: types.Confirmations{
			RepeatPhone: true,
			SpellEmail:  true,
		},

		Niche: "general",
		Tone:  "friendly",
	}
}

// Extract searches promptText for a sentinel-marked JSON block and parses it.
// It never returns an error; the three outcomes are distinguished by Source.
func Extract(promptText string) ExtractResult {
	log := logging.Get(logging.CategoryRules)

	block, found := findBlock(promptText)
	if !found {
		log.Debug("no embedded rule-set block found; default contract in force")
		return ExtractResult{RuleSet: Default(), Source: types.SpecSourceDefault}
	}

	// Key presence is checked on a raw map: a zero-valued field in the
	// struct is indistinguishable from an omitted one.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		log.Warn("embedded rule-set block is malformed JSON: %v", err)
		return ExtractResult{
			RuleSet: Default(),
			Source:  types.SpecSourceParseError,
			Err:     fmt.Errorf("malformed embedded rule-set: %w", err),
		}
	}

	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			err := fmt.Errorf("embedded rule-set missing required key %q", key)
			log.Warn("%v", err)
			return ExtractResult{
				RuleSet: Default(),
				Source:  types.SpecSourceParseError,
				Err:     err,
			}
		}
	}

	var rs types.RuleSet
	if err := json.Unmarshal([]byte(block), &rs); err != nil {
		log.Warn("embedded rule-set does not match contract shape: %v", err)
		return ExtractResult{
			RuleSet: Default(),
			Source:  types.SpecSourceParseError,
			Err:     fmt.Errorf("embedded rule-set shape mismatch: %w", err),
		}
	}

	log.Debug("explicit rule-set extracted (niche=%s, %d required fields)",
		rs.Niche, len(rs.RequiredFields))
	return ExtractResult{RuleSet: rs, Source: types.SpecSourceExplicit}
}

// Embed writes the rule-set into promptText, replacing an existing block or
// appending one. Embedding the same rule-set twice is hash-stable.
func Embed(promptText string, rs types.RuleSet) string {
	block := StartMarker + "\n" + CanonicalJSON(rs) + "\n" + EndMarker

	start := strings.Index(promptText, StartMarker)
	if start >= 0 {
		rest := promptText[start:]
		end := strings.Index(rest, EndMarker)
		if end >= 0 {
			return promptText[:start] + block + rest[end+len(EndMarker):]
		}
		// Dangling start marker: cut it and fall through to append.
		promptText = strings.TrimRight(promptText[:start], "\n")
	}

	if promptText == "" {
		return block
	}
	return strings.TrimRight(promptText, "\n") + "\n\n" + block
}

// CanonicalJSON renders a rule-set in its canonical form, the text that
// SpecHash is computed over. Struct field order makes this deterministic.
func CanonicalJSON(rs types.RuleSet) string {
	// Marshal of a plain struct cannot fail.
	data, _ := json.MarshalIndent(rs, "", "  ")
	return string(data)
}

// findBlock returns the text between the sentinel markers.
func findBlock(promptText string) (string, bool) {
	start := strings.Index(promptText, StartMarker)
	if start < 0 {
		return "", false
	}
	rest := promptText[start+len(StartMarker):]
	end := strings.Index(rest, EndMarker)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
