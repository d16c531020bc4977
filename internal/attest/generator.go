// Package attest turns one assembled turn into an immutable receipt: the
// TurnAttestation. Every diagnostic on the receipt is computed from the
// assembled values themselves, never inferred from logs - reproducibility is
// the point.
package attest

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"promptproof/internal/assemble"
	"promptproof/internal/identity"
	"promptproof/internal/logging"
	"promptproof/internal/types"
)

// Diagnostic codes produced per turn.
const (
	CodeTokenBudgetExceeded = "TOKEN_BUDGET_EXCEEDED"
	CodeNoSnippetsApplied   = "NO_SNIPPETS_APPLIED"
	CodeTooManySnippets     = "TOO_MANY_SNIPPETS"
	CodeSnippetsTooLong     = "SNIPPETS_TOO_LONG"
	CodeGuardDisabled       = "GUARD_DISABLED"
	CodeWeakPromptHash      = "WEAK_PROMPT_HASH"
	CodeSpecParseFailed     = "SPEC_PARSE_FAILED"
)

// Params carries the per-turn configuration recorded on the receipt.
type Params struct {
	// TurnID is the receipt key; a fresh UUID is generated when empty.
	TurnID string

	Model       string
	Temperature float64
	MaxTokens   int

	GuardEnabled bool

	// Caps re-checked here as defense in depth; zero means the defaults
	// the assembler also uses.
	MaxSnippets     int
	MaxSnippetChars int
}

// Generate composes the receipt for one compiled turn.
func Generate(p Params, asm assemble.Assembled) types.TurnAttestation {
	timer := logging.StartTimer(logging.CategoryAttest, "Generate")
	defer timer.Stop()

	turnID := p.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	maxSnippets := p.MaxSnippets
	if maxSnippets <= 0 {
		maxSnippets = assemble.DefaultMaxSnippets
	}
	maxSnippetChars := p.MaxSnippetChars
	if maxSnippetChars <= 0 {
		maxSnippetChars = assemble.DefaultMaxSnippetChars
	}

	parts, _ := identity.ParseScopeKey(asm.ScopeID)

	att := types.TurnAttestation{
		TurnID:    turnID,
		Timestamp: time.Now().UTC(),

		ScopeID:    asm.ScopeID,
		LocationID: parts.LocationID,
		AgentID:    parts.AgentID,
		PromptHash: asm.PromptHash,
		SpecHash:   asm.SpecHash,
		SpecSource: asm.Rules.Source,

		SnippetScopeID:  asm.SnippetScopeID,
		SnippetsApplied: asm.SnippetsApplied,

		LastTurnsUsed:   asm.TurnsUsed,
		SummaryIncluded: asm.SummaryIncluded,

		TokenBudget: asm.Budget,

		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,

		SnippetsEnabled: asm.SnippetsEnabled,
		GuardEnabled:    p.GuardEnabled,
	}

	att.Diagnostics = diagnose(att, asm, maxSnippets, maxSnippetChars)

	logging.Get(logging.CategoryAttest).Debug(
		"receipt %s: scope=%s tokens=%d diagnostics=%d",
		att.TurnID, att.ScopeID, att.TokenBudget.Total, len(att.Diagnostics))

	return att
}

// diagnose evaluates the fixed rule set. Each rule is independently
// evaluable; order only affects presentation.
func diagnose(att types.TurnAttestation, asm assemble.Assembled, maxSnippets, maxSnippetChars int) []types.Diagnostic {
	var diags []types.Diagnostic

	if att.TokenBudget.Exceeded {
		diags = append(diags, types.Diagnostic{
			Level: types.LevelError,
			Code:  CodeTokenBudgetExceeded,
			Message: fmt.Sprintf("assembled context is %d tokens against a budget of %d",
				att.TokenBudget.Total, att.TokenBudget.MaxTokens),
			Suggestion: "reduce the system prompt, summary, or included turns, or raise max_tokens",
			Context: map[string]string{
				"total": fmt.Sprintf("%d", att.TokenBudget.Total),
				"max":   fmt.Sprintf("%d", att.TokenBudget.MaxTokens),
			},
		})
	}

	if att.SnippetsEnabled && len(att.SnippetsApplied) == 0 {
		diags = append(diags, types.Diagnostic{
			Level:      types.LevelWarning,
			Code:       CodeNoSnippetsApplied,
			Message:    "snippets are enabled but none were retrieved for this scope",
			Suggestion: "check that training has saved corrections under this scope key, or that the snippet store is reachable",
			Context:    map[string]string{"scopeId": att.ScopeID},
		})
	}

	if asm.RetrievedCount > maxSnippets {
		diags = append(diags, types.Diagnostic{
			Level: types.LevelWarning,
			Code:  CodeTooManySnippets,
			Message: fmt.Sprintf("snippet store returned %d snippets; only %d are injected",
				asm.RetrievedCount, maxSnippets),
			Suggestion: "consolidate corrections for this scope",
		})
	}

	if oversized := oversizedSnippetIDs(att.SnippetsApplied, maxSnippetChars); len(oversized) > 0 {
		diags = append(diags, types.Diagnostic{
			Level: types.LevelWarning,
			Code:  CodeSnippetsTooLong,
			Message: fmt.Sprintf("snippets over %d characters were trimmed: %s",
				maxSnippetChars, strings.Join(oversized, ", ")),
			Suggestion: "shorten these corrections so nothing is lost to trimming",
		})
	}

	if !att.GuardEnabled {
		diags = append(diags, types.Diagnostic{
			Level:   types.LevelInfo,
			Code:    CodeGuardDisabled,
			Message: "response guard is not active for this turn",
		})
	}

	if len(att.PromptHash) < identity.HashLength {
		diags = append(diags, types.Diagnostic{
			Level: types.LevelWarning,
			Code:  CodeWeakPromptHash,
			Message: fmt.Sprintf("prompt hash is %d characters (<%d); weak hash mode degrades drift detection",
				len(att.PromptHash), identity.HashLength),
		})
	}

	if att.SpecSource == types.SpecSourceParseError {
		msg := "embedded rule-set failed to parse; the default contract is in force"
		if asm.Rules.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, asm.Rules.Err)
		}
		diags = append(diags, types.Diagnostic{
			Level:      types.LevelWarning,
			Code:       CodeSpecParseFailed,
			Message:    msg,
			Suggestion: "fix the JSON between the spec markers in the system prompt",
		})
	}

	return diags
}

func oversizedSnippetIDs(applied []types.AppliedSnippet, maxChars int) []string {
	var ids []string
	for _, s := range applied {
		if s.CharLength > maxChars {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
