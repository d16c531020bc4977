// Package types defines the shared data model for the context compilation
// and attestation engine. Every component (extractor, assembler, generator,
// guard, verifier) consumes these types rather than maintaining its own
// copies, so the behavioral contract has exactly one shape in the codebase.
package types

import (
	"context"
	"time"
)

// =============================================================================
// MESSAGES
// =============================================================================

// Message roles as sent to the model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in the compiled message list.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelOptions carries per-call model parameters.
type ModelOptions struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// ModelCall is the opaque LLM invocation injected by the caller.
// The engine never binds a concrete provider SDK.
type ModelCall func(ctx context.Context, messages []Message, opts ModelOptions) (string, error)

// =============================================================================
// BEHAVIORAL CONTRACT (RULE SET)
// =============================================================================

// Confirmations configures read-back confirmation behavior.
type Confirmations struct {
	RepeatPhone bool `json:"repeatPhone"`
	SpellEmail  bool `json:"spellEmail"`
}

// RuleSet is the behavioral contract embedded in a system prompt.
// Both the extractor and the response guard consume this single type.
type RuleSet struct {
	// RequiredFields must all be collected before booking, in FieldOrder.
	RequiredFields []string `json:"requiredFields"`
	FieldOrder     []string `json:"fieldOrder"`

	OneQuestionPerTurn bool `json:"oneQuestionPerTurn"`
	MaxSentences       int  `json:"maxSentences"`
	MaxWordsPerTurn    int  `json:"maxWordsPerTurn"`

	BlockBookingUntilFieldsComplete bool `json:"blockBookingUntilFieldsComplete"`

	DisallowedPhrases []string      `json:"disallowedPhrases"`
	Confirmations     Confirmations `json:"confirmations"`

	// Niche is the agent-type tag (e.g. "roofing", "dental").
	Niche string `json:"niche"`
	Tone  string `json:"tone"`
}

// SpecSource records how a RuleSet came into force. A default rule-set
// reached through a parse failure is observably different from one reached
// because no block was embedded at all.
type SpecSource string

const (
	// SpecSourceExplicit means an embedded block parsed successfully.
	SpecSourceExplicit SpecSource = "explicit"

	// SpecSourceDefault means no embedded block was found; no behavioral
	// contract is in force beyond the hard-coded defaults.
	SpecSourceDefault SpecSource = "default"

	// SpecSourceParseError means a block was present but malformed; the
	// defaults are in force and SPEC_PARSE_FAILED should surface it.
	SpecSourceParseError SpecSource = "parse_error"
)

// =============================================================================
// SNIPPETS
// =============================================================================

// AppliedSnippet is a previously-learned correction injected into a prompt.
// CharLength is the length of the content as retrieved, before any trimming,
// so the attestation generator can flag oversized snippets even after the
// assembler has cut them down.
type AppliedSnippet struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	CharLength int       `json:"charLength"`
	AppliedAt  time.Time `json:"appliedAt"`
}

// =============================================================================
// TOKEN BUDGET
// =============================================================================

// TokenBudget is the per-turn accounting record. Total always equals the sum
// of the named contributor fields; there are no hidden contributors.
type TokenBudget struct {
	SystemPrompt int `json:"systemPrompt"`
	Spec         int `json:"spec"`
	Snippets     int `json:"snippets"`
	Context      int `json:"context"`
	Summary      int `json:"summary"`
	LastTurns    int `json:"lastTurns"`

	Total     int  `json:"total"`
	MaxTokens int  `json:"maxTokens"`
	Exceeded  bool `json:"exceeded"`
}

// Sum returns the sum of the named contributor fields.
func (b TokenBudget) Sum() int {
	return b.SystemPrompt + b.Spec + b.Snippets + b.Context + b.Summary + b.LastTurns
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// DiagnosticLevel grades a diagnostic finding.
type DiagnosticLevel string

const (
	LevelInfo    DiagnosticLevel = "info"
	LevelWarning DiagnosticLevel = "warning"
	LevelError   DiagnosticLevel = "error"
)

// Severity returns a numeric rank for worst-of comparisons.
func (l DiagnosticLevel) Severity() int {
	switch l {
	case LevelError:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// Diagnostic is a single deterministic finding attached to a receipt or
// report. Never mutated after creation.
type Diagnostic struct {
	Level      DiagnosticLevel   `json:"level"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// WorstLevel returns the most severe level present, or LevelInfo when the
// slice is empty.
func WorstLevel(diags []Diagnostic) DiagnosticLevel {
	worst := LevelInfo
	for _, d := range diags {
		if d.Level.Severity() > worst.Severity() {
			worst = d.Level
		}
	}
	return worst
}

// =============================================================================
// ATTESTATIONS
// =============================================================================

// TurnAttestation is the immutable receipt created exactly once per compiled
// turn. It records exactly what context was assembled and why.
type TurnAttestation struct {
	TurnID    string    `json:"turnId"`
	Timestamp time.Time `json:"timestamp"`

	ScopeID    string `json:"scopeId"`
	LocationID string `json:"locationId"`
	AgentID    string `json:"agentId"`
	PromptHash string `json:"promptHash"`
	SpecHash   string `json:"specHash"`

	// SpecSource records whether the rule-set was explicit, defaulted, or a
	// parse-failure fallback.
	SpecSource SpecSource `json:"specSource"`

	// SnippetScopeID is the scope key used for snippet lookup; empty when
	// snippets were disabled for this turn.
	SnippetScopeID  string           `json:"snippetScopeId,omitempty"`
	SnippetsApplied []AppliedSnippet `json:"snippetsApplied"`

	LastTurnsUsed   int  `json:"lastTurnsUsed"`
	SummaryIncluded bool `json:"summaryIncluded"`

	TokenBudget TokenBudget `json:"tokenBudget"`

	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`

	Diagnostics []Diagnostic `json:"diagnostics"`

	SnippetsEnabled bool `json:"snippetsEnabled"`
	GuardEnabled    bool `json:"guardEnabled"`
}

// SessionAttestation aggregates the receipts of one conversation.
type SessionAttestation struct {
	SessionID            string       `json:"sessionId"`
	ScopeID              string       `json:"scopeId"`
	Turns                int          `json:"turns"`
	SnippetsApplied      int          `json:"snippetsApplied"`
	AvgTokensPerTurn     int          `json:"avgTokensPerTurn"`
	BudgetOverflows      int          `json:"budgetOverflows"`
	SessionDiagnostics   []Diagnostic `json:"sessionDiagnostics"`
	FirstTurnAt          time.Time    `json:"firstTurnAt"`
	LastTurnAt           time.Time    `json:"lastTurnAt"`
	DistinctSpecHashes   int          `json:"distinctSpecHashes"`
	DistinctPromptHashes int          `json:"distinctPromptHashes"`
}

// =============================================================================
// GUARD
// =============================================================================

// GuardDecision is the outcome of evaluating one candidate response.
// Ephemeral - computed per candidate, never persisted directly.
type GuardDecision struct {
	Approved         bool   `json:"approved"`
	ModifiedResponse string `json:"modifiedResponse,omitempty"`
	BlockedViolation string `json:"blockedViolation,omitempty"`
	Reason           string `json:"reason,omitempty"`
}
