package attest

import (
	"fmt"

	"promptproof/internal/types"
)

// Session-level diagnostic codes derived from cross-turn patterns.
const (
	CodeSpecHashChanged   = "SPEC_HASH_CHANGED_MID_SESSION"
	CodePromptHashChanged = "PROMPT_HASH_CHANGED_MID_SESSION"
	CodeChronicOverflow   = "CHRONIC_BUDGET_OVERFLOW"
)

// chronicOverflowRatio is the fraction of over-budget turns above which a
// session is flagged.
const chronicOverflowRatio = 0.2

// AggregateSession rolls one conversation's receipts into a
// SessionAttestation. Turns are expected in chronological order; an empty
// slice yields a zero-valued aggregate with no diagnostics.
func AggregateSession(sessionID string, turns []types.TurnAttestation) types.SessionAttestation {
	agg := types.SessionAttestation{
		SessionID: sessionID,
		Turns:     len(turns),
	}
	if len(turns) == 0 {
		return agg
	}

	agg.ScopeID = turns[0].ScopeID
	agg.FirstTurnAt = turns[0].Timestamp
	agg.LastTurnAt = turns[len(turns)-1].Timestamp

	specHashes := make(map[string]struct{})
	promptHashes := make(map[string]struct{})
	totalTokens := 0

	for _, t := range turns {
		agg.SnippetsApplied += len(t.SnippetsApplied)
		totalTokens += t.TokenBudget.Total
		if t.TokenBudget.Exceeded {
			agg.BudgetOverflows++
		}
		specHashes[t.SpecHash] = struct{}{}
		promptHashes[t.PromptHash] = struct{}{}
	}

	agg.AvgTokensPerTurn = totalTokens / len(turns)
	agg.DistinctSpecHashes = len(specHashes)
	agg.DistinctPromptHashes = len(promptHashes)

	if len(specHashes) > 1 {
		agg.SessionDiagnostics = append(agg.SessionDiagnostics, types.Diagnostic{
			Level: types.LevelWarning,
			Code:  CodeSpecHashChanged,
			Message: fmt.Sprintf("%d distinct spec hashes within one session; the behavioral contract changed mid-conversation",
				len(specHashes)),
			Suggestion: "avoid editing the embedded rule-set while conversations are live",
		})
	}

	if len(promptHashes) > 1 {
		agg.SessionDiagnostics = append(agg.SessionDiagnostics, types.Diagnostic{
			Level: types.LevelInfo,
			Code:  CodePromptHashChanged,
			Message: fmt.Sprintf("%d distinct prompt hashes within one session; learned snippets reset when the prompt changes",
				len(promptHashes)),
		})
	}

	if ratio := float64(agg.BudgetOverflows) / float64(len(turns)); ratio > chronicOverflowRatio {
		agg.SessionDiagnostics = append(agg.SessionDiagnostics, types.Diagnostic{
			Level: types.LevelError,
			Code:  CodeChronicOverflow,
			Message: fmt.Sprintf("%d of %d turns exceeded the token budget",
				agg.BudgetOverflows, len(turns)),
			Suggestion: "raise max_tokens or shorten the fixed prompt contributors",
		})
	}

	return agg
}
