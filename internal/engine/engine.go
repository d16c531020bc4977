// Package engine wires the compilation pipeline together and exposes the
// public surface: Compile (assemble + attest + persist), Guard, Diagnose,
// Verify, and RunTurn (the full per-turn data flow including the model call
// and response guarding). All collaborators - snippet provider, attestation
// store, model call - are injected at construction time; the engine holds no
// process-wide state.
package engine

import (
	"context"
	"fmt"

	"promptproof/internal/assemble"
	"promptproof/internal/attest"
	"promptproof/internal/config"
	"promptproof/internal/guard"
	"promptproof/internal/identity"
	"promptproof/internal/logging"
	"promptproof/internal/snippets"
	"promptproof/internal/store"
	"promptproof/internal/types"
	"promptproof/internal/verification"
)

// Engine is the runtime context compilation and attestation engine.
type Engine struct {
	cfg       config.Config
	store     store.Store
	provider  snippets.Provider
	assembler *assemble.Assembler
	guard     *guard.Guard
	modelCall types.ModelCall
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuard substitutes the response guard (e.g. custom pattern packs).
func WithGuard(g *guard.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithModelCall injects the opaque model invocation used by RunTurn.
func WithModelCall(call types.ModelCall) Option {
	return func(e *Engine) { e.modelCall = call }
}

// WithHasher substitutes the identity hasher (e.g. the weak fallback mode).
func WithHasher(h *identity.Hasher) Option {
	return func(e *Engine) {
		e.assembler = assemble.NewAssembler(e.provider, e.cfg.MaxTokens,
			assemble.WithHasher(h),
			assemble.WithSnippetCaps(e.cfg.MaxSnippets, e.cfg.MaxSnippetChars))
	}
}

// New creates an engine. st may be nil when receipts should not be
// persisted; provider may be nil when snippets are never enabled.
func New(cfg config.Config, st store.Store, provider snippets.Provider, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		provider: provider,
		assembler: assemble.NewAssembler(provider, cfg.MaxTokens,
			assemble.WithSnippetCaps(cfg.MaxSnippets, cfg.MaxSnippetChars)),
		guard: guard.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CompileRequest is the caller-facing input for one turn.
type CompileRequest struct {
	// TurnID keys the receipt; a fresh UUID is generated when empty.
	TurnID string `json:"turnId,omitempty"`

	LocationID string `json:"locationId"`
	AgentID    string `json:"agentId"`

	SystemPrompt        string          `json:"systemPrompt"`
	ContextJSON         string          `json:"contextJson,omitempty"`
	ConversationSummary string          `json:"conversationSummary,omitempty"`
	LastTurns           []types.Message `json:"lastTurns,omitempty"`

	// SnippetsOverride forces snippets on or off for this turn, overriding
	// the configured default. Used by the A/B comparator.
	SnippetsOverride *bool `json:"snippetsOverride,omitempty"`

	MaxTurnsToInclude int `json:"maxTurnsToInclude,omitempty"`
}

// CompileResult bundles everything the caller needs to send the turn and
// audit it afterwards.
type CompileResult struct {
	Messages    []types.Message       `json:"messages"`
	Attestation types.TurnAttestation `json:"attestation"`

	ScopeID    string `json:"scopeId"`
	PromptHash string `json:"promptHash"`
	SpecHash   string `json:"specHash"`

	RuleSet    types.RuleSet    `json:"ruleSet"`
	SpecSource types.SpecSource `json:"specSource"`
}

// Compile assembles the turn, generates its receipt, and persists it.
func (e *Engine) Compile(ctx context.Context, req CompileRequest) (*CompileResult, error) {
	timer := logging.StartTimer(logging.CategoryAssemble, "Engine.Compile")
	defer timer.Stop()

	snippetsEnabled := e.cfg.SnippetsEnabled
	if req.SnippetsOverride != nil {
		snippetsEnabled = *req.SnippetsOverride
	}

	maxTurns := req.MaxTurnsToInclude
	if maxTurns <= 0 {
		maxTurns = e.cfg.MaxTurnsToInclude
	}

	assembled, err := e.assembler.Assemble(ctx, assemble.Request{
		LocationID:          req.LocationID,
		AgentID:             req.AgentID,
		SystemPrompt:        req.SystemPrompt,
		ContextJSON:         req.ContextJSON,
		ConversationSummary: req.ConversationSummary,
		LastTurns:           req.LastTurns,
		SnippetsEnabled:     snippetsEnabled,
		MaxTurnsToInclude:   maxTurns,
	})
	if err != nil {
		return nil, err
	}

	attestation := attest.Generate(attest.Params{
		TurnID:          req.TurnID,
		Model:           e.cfg.Model,
		Temperature:     e.cfg.Temperature,
		MaxTokens:       e.cfg.MaxTokens,
		GuardEnabled:    e.cfg.GuardEnabled,
		MaxSnippets:     e.cfg.MaxSnippets,
		MaxSnippetChars: e.cfg.MaxSnippetChars,
	}, assembled)

	if e.store != nil {
		if err := e.store.Save(ctx, attestation); err != nil {
			return nil, fmt.Errorf("failed to persist attestation: %w", err)
		}
	}

	return &CompileResult{
		Messages:    assembled.Messages,
		Attestation: attestation,
		ScopeID:     assembled.ScopeID,
		PromptHash:  assembled.PromptHash,
		SpecHash:    assembled.SpecHash,
		RuleSet:     assembled.Rules.RuleSet,
		SpecSource:  assembled.Rules.Source,
	}, nil
}

// Guard evaluates one candidate response against the rule-set and the
// fields collected so far.
func (e *Engine) Guard(rs types.RuleSet, fieldsCollected []string, candidate string) types.GuardDecision {
	return e.guard.Evaluate(rs, fieldsCollected, candidate)
}

// Diagnose runs scope-wide diagnostics over stored receipts.
func (e *Engine) Diagnose(ctx context.Context, scopeID string, expected *verification.Expected) (verification.DiagnosticReport, error) {
	if e.store == nil {
		return verification.DiagnosticReport{}, fmt.Errorf("no attestation store configured")
	}
	return verification.RunScopeDiagnostics(ctx, e.store, scopeID, expected)
}

// Verify point-checks one receipt against expectations.
func (e *Engine) Verify(att types.TurnAttestation, expected verification.Expected) verification.VerificationResult {
	return verification.VerifyAttestation(att, expected)
}

// Store exposes the configured attestation store (nil when none).
func (e *Engine) Store() store.Store {
	return e.store
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// TurnOutcome is the result of a full turn: the final reply (or the blocked
// decision requiring a fallback utterance) plus the compile result.
type TurnOutcome struct {
	Compile *CompileResult      `json:"compile"`
	Reply   types.ModelReply    `json:"reply"`
	Guard   types.GuardDecision `json:"guard"`

	// FinalText is the text to send to the end user: the model reply,
	// possibly rewritten by the guard. Empty when the guard blocked.
	FinalText string `json:"finalText"`
}

// RunTurn executes the full per-turn data flow: compile, call the model,
// parse the reply envelope, and pass the draft through the guard. A blocked
// decision leaves FinalText empty; substituting a safe fallback utterance is
// the caller's responsibility.
func (e *Engine) RunTurn(ctx context.Context, req CompileRequest, fieldsCollected []string) (*TurnOutcome, error) {
	if e.modelCall == nil {
		return nil, fmt.Errorf("no model call configured")
	}

	compiled, err := e.Compile(ctx, req)
	if err != nil {
		return nil, err
	}

	raw, err := e.modelCall(ctx, compiled.Messages, types.ModelOptions{
		Model:       e.cfg.Model,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	reply := types.ParseModelReply(raw)
	if !reply.Recognized() {
		return nil, fmt.Errorf("model reply envelope not recognized: %.120s", raw)
	}

	outcome := &TurnOutcome{Compile: compiled, Reply: reply}

	if !e.cfg.GuardEnabled {
		outcome.Guard = types.GuardDecision{Approved: true}
		outcome.FinalText = reply.Text
		return outcome, nil
	}

	outcome.Guard = e.guard.Evaluate(compiled.RuleSet, fieldsCollected, reply.Text)
	switch {
	case outcome.Guard.Approved:
		outcome.FinalText = reply.Text
	case outcome.Guard.ModifiedResponse != "":
		outcome.FinalText = outcome.Guard.ModifiedResponse
	}

	return outcome, nil
}
