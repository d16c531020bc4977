// Package verification performs after-the-fact analysis over stored
// receipts: batch diagnostics for a scope to detect systemic problems
// (hash drift, snippets configured but never applied, chronic budget
// overflow) and point-in-time verification that one receipt matches what
// the caller intended to send.
package verification

import (
	"context"
	"fmt"
	"time"

	"promptproof/internal/identity"
	"promptproof/internal/logging"
	"promptproof/internal/store"
	"promptproof/internal/types"
)

// Health is the overall verdict for a scope, the worst diagnostic level
// present mapped to a verdict.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Scope diagnostic codes.
const (
	CodeScopeKeyMalformed    = "SCOPE_KEY_MALFORMED"
	CodeNoAttestations       = "NO_ATTESTATIONS"
	CodeSpecHashUnstable     = "SPEC_HASH_UNSTABLE"
	CodeSpecHashMismatch     = "SPEC_HASH_MISMATCH"
	CodePromptHashMismatch   = "PROMPT_HASH_MISMATCH"
	CodeSnippetsNeverApplied = "SNIPPETS_NEVER_APPLIED"
	CodeBudgetOverflowRate   = "BUDGET_OVERFLOW_RATE"
	CodeSnippetTokensZero    = "SNIPPET_TOKENS_ZERO"
)

// overflowUnhealthyRatio is the fraction of over-budget turns above which a
// scope is considered unhealthy.
const overflowUnhealthyRatio = 0.2

// Expected carries caller-supplied expectations. Zero values mean
// "no expectation" for that field.
type Expected struct {
	ScopeID    string
	PromptHash string
	SpecHash   string

	SnippetsEnabled *bool
	GuardEnabled    *bool

	// ExpectSnippets asserts whether snippets should have been applied.
	ExpectSnippets *bool

	MaxTokens int
}

// DiagnosticReport is the outcome of a scope-wide analysis.
type DiagnosticReport struct {
	ScopeID       string             `json:"scopeId"`
	Health        Health             `json:"health"`
	TurnsAnalyzed int                `json:"turnsAnalyzed"`
	Findings      []types.Diagnostic `json:"findings"`
	GeneratedAt   time.Time          `json:"generatedAt"`
}

// VerificationResult is the outcome of one receipt's point check.
type VerificationResult struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
}

// RunScopeDiagnostics loads recent receipts for the scope and checks for
// systemic problems. expected may be nil.
func RunScopeDiagnostics(ctx context.Context, st store.Store, scopeID string, expected *Expected) (DiagnosticReport, error) {
	timer := logging.StartTimer(logging.CategoryVerify, "RunScopeDiagnostics")
	defer timer.Stop()

	report := DiagnosticReport{
		ScopeID:     scopeID,
		GeneratedAt: time.Now().UTC(),
	}

	if _, ok := identity.ParseScopeKey(scopeID); !ok {
		report.Findings = append(report.Findings, types.Diagnostic{
			Level:   types.LevelError,
			Code:    CodeScopeKeyMalformed,
			Message: fmt.Sprintf("scope key %q does not match scope:<location>:<agent>:<hash>", scopeID),
		})
		report.Health = healthFor(report.Findings)
		return report, nil
	}

	turns, err := st.ListByScope(ctx, scopeID, 0)
	if err != nil {
		return report, fmt.Errorf("failed to load attestations for %s: %w", scopeID, err)
	}
	report.TurnsAnalyzed = len(turns)

	if len(turns) == 0 {
		report.Findings = append(report.Findings, types.Diagnostic{
			Level:      types.LevelWarning,
			Code:       CodeNoAttestations,
			Message:    "no attestations recorded for this scope",
			Suggestion: "compile at least one turn before running diagnostics",
		})
		report.Health = healthFor(report.Findings)
		return report, nil
	}

	report.Findings = append(report.Findings, checkSpecHashes(turns, expected)...)
	report.Findings = append(report.Findings, checkPromptHashes(turns, expected)...)
	report.Findings = append(report.Findings, checkSnippetApplication(turns)...)
	report.Findings = append(report.Findings, checkOverflowRate(turns)...)
	report.Findings = append(report.Findings, checkSnippetTokens(turns)...)

	report.Health = healthFor(report.Findings)

	logging.Get(logging.CategoryVerify).Info(
		"scope %s: %d turns analyzed, %d findings, health=%s",
		scopeID, report.TurnsAnalyzed, len(report.Findings), report.Health)

	return report, nil
}

// checkSpecHashes flags drift across the loaded receipts and disagreement
// with an externally supplied expected hash.
func checkSpecHashes(turns []types.TurnAttestation, expected *Expected) []types.Diagnostic {
	distinct := make(map[string]int)
	for _, t := range turns {
		distinct[t.SpecHash]++
	}

	var findings []types.Diagnostic
	if len(distinct) > 1 {
		findings = append(findings, types.Diagnostic{
			Level: types.LevelWarning,
			Code:  CodeSpecHashUnstable,
			Message: fmt.Sprintf("%d distinct spec hashes across %d turns; the builder and the grader may disagree on the contract",
				len(distinct), len(turns)),
			Suggestion: "re-embed the rule-set and recompile; stale prompts keep old spec hashes alive",
		})
	}

	if expected != nil && expected.SpecHash != "" {
		if _, ok := distinct[expected.SpecHash]; !ok || len(distinct) > 1 {
			findings = append(findings, types.Diagnostic{
				Level: types.LevelError,
				Code:  CodeSpecHashMismatch,
				Message: fmt.Sprintf("expected spec hash %s not consistently present in recorded turns",
					expected.SpecHash),
			})
		}
	}

	return findings
}

func checkPromptHashes(turns []types.TurnAttestation, expected *Expected) []types.Diagnostic {
	if expected == nil || expected.PromptHash == "" {
		return nil
	}

	for _, t := range turns {
		if t.PromptHash != expected.PromptHash {
			return []types.Diagnostic{{
				Level: types.LevelError,
				Code:  CodePromptHashMismatch,
				Message: fmt.Sprintf("turn %s has prompt hash %s, expected %s; the prompt drifted since it was trained",
					t.TurnID, t.PromptHash, expected.PromptHash),
			}}
		}
	}
	return nil
}

// checkSnippetApplication flags scopes where snippets are configured but
// never arrive.
func checkSnippetApplication(turns []types.TurnAttestation) []types.Diagnostic {
	enabled, applied := 0, 0
	for _, t := range turns {
		if t.SnippetsEnabled {
			enabled++
			if len(t.SnippetsApplied) > 0 {
				applied++
			}
		}
	}

	if enabled > 0 && applied == 0 {
		return []types.Diagnostic{{
			Level: types.LevelWarning,
			Code:  CodeSnippetsNeverApplied,
			Message: fmt.Sprintf("snippets were enabled on %d turns but never applied once",
				enabled),
			Suggestion: "verify corrections were saved under this exact scope key; a prompt edit changes the key",
		}}
	}
	return nil
}

func checkOverflowRate(turns []types.TurnAttestation) []types.Diagnostic {
	overflows := 0
	for _, t := range turns {
		if t.TokenBudget.Exceeded {
			overflows++
		}
	}
	if overflows == 0 {
		return nil
	}

	ratio := float64(overflows) / float64(len(turns))
	level := types.LevelWarning
	if ratio > overflowUnhealthyRatio {
		level = types.LevelError
	}
	return []types.Diagnostic{{
		Level: level,
		Code:  CodeBudgetOverflowRate,
		Message: fmt.Sprintf("%d of %d turns exceeded the token budget (%.0f%%)",
			overflows, len(turns), ratio*100),
		Suggestion: "raise max_tokens or shorten fixed contributors",
	}}
}

// checkSnippetTokens flags turns whose receipts show applied snippets but
// zero snippet token usage - a sign the injection never made it into the
// message list.
func checkSnippetTokens(turns []types.TurnAttestation) []types.Diagnostic {
	for _, t := range turns {
		if t.SnippetsEnabled && len(t.SnippetsApplied) > 0 && t.TokenBudget.Snippets == 0 {
			return []types.Diagnostic{{
				Level: types.LevelError,
				Code:  CodeSnippetTokensZero,
				Message: fmt.Sprintf("turn %s applied %d snippets but accounted zero snippet tokens; injection-order bug",
					t.TurnID, len(t.SnippetsApplied)),
			}}
		}
	}
	return nil
}

func healthFor(findings []types.Diagnostic) Health {
	switch types.WorstLevel(findings) {
	case types.LevelError:
		return HealthCritical
	case types.LevelWarning:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// VerifyAttestation point-checks one receipt against caller expectations:
// "what I intended to send" equals "what was actually assembled".
func VerifyAttestation(att types.TurnAttestation, expected Expected) VerificationResult {
	var failures []string

	if expected.ScopeID != "" && att.ScopeID != expected.ScopeID {
		failures = append(failures,
			fmt.Sprintf("scopeId: got %s, expected %s", att.ScopeID, expected.ScopeID))
	}
	if expected.PromptHash != "" && att.PromptHash != expected.PromptHash {
		failures = append(failures,
			fmt.Sprintf("promptHash: got %s, expected %s", att.PromptHash, expected.PromptHash))
	}
	if expected.SpecHash != "" && att.SpecHash != expected.SpecHash {
		failures = append(failures,
			fmt.Sprintf("specHash: got %s, expected %s", att.SpecHash, expected.SpecHash))
	}
	if expected.SnippetsEnabled != nil && att.SnippetsEnabled != *expected.SnippetsEnabled {
		failures = append(failures,
			fmt.Sprintf("snippetsEnabled: got %v, expected %v", att.SnippetsEnabled, *expected.SnippetsEnabled))
	}
	if expected.ExpectSnippets != nil {
		got := len(att.SnippetsApplied) > 0
		if got != *expected.ExpectSnippets {
			failures = append(failures,
				fmt.Sprintf("snippetsApplied: got %d snippets, expected presence=%v",
					len(att.SnippetsApplied), *expected.ExpectSnippets))
		}
	}
	if expected.GuardEnabled != nil && att.GuardEnabled != *expected.GuardEnabled {
		failures = append(failures,
			fmt.Sprintf("guardEnabled: got %v, expected %v", att.GuardEnabled, *expected.GuardEnabled))
	}
	if expected.MaxTokens > 0 && att.TokenBudget.MaxTokens != expected.MaxTokens {
		failures = append(failures,
			fmt.Sprintf("tokenBudget.maxTokens: got %d, expected %d",
				att.TokenBudget.MaxTokens, expected.MaxTokens))
	}

	// Internal consistency: the budget must have no hidden contributors.
	if att.TokenBudget.Total != att.TokenBudget.Sum() {
		failures = append(failures,
			fmt.Sprintf("tokenBudget: total %d does not equal contributor sum %d",
				att.TokenBudget.Total, att.TokenBudget.Sum()))
	}

	return VerificationResult{Passed: len(failures) == 0, Failures: failures}
}
