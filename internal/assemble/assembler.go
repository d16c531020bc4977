// Package assemble deterministically builds the message list sent to the
// model on every conversational turn. Assembly follows a fixed contributor
// order - system prompt, behavioral contract, caller context, learned
// snippets, conversation summary, recent turns - and produces the
// bookkeeping the attestation generator needs to prove what was included.
//
// The ordering is a correctness invariant, not a style choice: snippets
// injected after the dialogue window are effectively invisible to
// primacy-sensitive models, so snippet content always precedes the
// recent-turns window.
package assemble

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"promptproof/internal/identity"
	"promptproof/internal/logging"
	"promptproof/internal/rules"
	"promptproof/internal/snippets"
	"promptproof/internal/types"
)

// Defaults applied when the request leaves the knobs unset.
const (
	DefaultMaxTurns        = 8
	DefaultMaxSnippets     = 5
	DefaultMaxSnippetChars = 200
)

// Request is the input for one turn's compilation.
type Request struct {
	LocationID string
	AgentID    string

	SystemPrompt        string
	ContextJSON         string
	ConversationSummary string
	LastTurns           []types.Message

	SnippetsEnabled   bool
	MaxTurnsToInclude int // 0 means DefaultMaxTurns
}

// Assembled is the message list plus the bookkeeping needed downstream.
type Assembled struct {
	Messages []types.Message

	ScopeID    string
	PromptHash string
	SpecHash   string

	Rules rules.ExtractResult

	SnippetScopeID  string
	SnippetsApplied []types.AppliedSnippet

	// RetrievedCount is how many snippets the provider returned before the
	// count cap, so the generator can re-check the cap as defense in depth.
	RetrievedCount int

	SummaryIncluded bool
	TurnsUsed       int
	SnippetsEnabled bool

	Budget types.TokenBudget
}

// Assembler builds per-turn context. The snippet provider is an injected
// dependency so tests can substitute fakes without process-wide state.
type Assembler struct {
	hasher   *identity.Hasher
	provider snippets.Provider

	maxTokens       int
	maxSnippets     int
	maxSnippetChars int
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithHasher substitutes the hasher (e.g. the weak fallback mode).
func WithHasher(h *identity.Hasher) Option {
	return func(a *Assembler) { a.hasher = h }
}

// WithSnippetCaps overrides the snippet count and length caps.
func WithSnippetCaps(maxCount, maxChars int) Option {
	return func(a *Assembler) {
		a.maxSnippets = maxCount
		a.maxSnippetChars = maxChars
	}
}

// NewAssembler creates an assembler. provider may be nil when snippets are
// never enabled; maxTokens is the per-turn budget ceiling.
func NewAssembler(provider snippets.Provider, maxTokens int, opts ...Option) *Assembler {
	a := &Assembler{
		hasher:          identity.NewHasher(),
		provider:        provider,
		maxTokens:       maxTokens,
		maxSnippets:     DefaultMaxSnippets,
		maxSnippetChars: DefaultMaxSnippetChars,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble compiles one turn. The only error condition is an invalid
// identity; everything else (missing spec, empty snippets, over budget)
// degrades and is reported through the result's bookkeeping.
func (a *Assembler) Assemble(ctx context.Context, req Request) (Assembled, error) {
	timer := logging.StartTimer(logging.CategoryAssemble, "Assembler.Assemble")
	defer timer.Stop()

	promptHash := a.hasher.HashText(req.SystemPrompt)

	extracted := rules.Extract(req.SystemPrompt)
	specJSON := rules.CanonicalJSON(extracted.RuleSet)
	specHash := a.hasher.HashText(specJSON)

	scopeID, err := identity.DeriveScopeKey(req.LocationID, req.AgentID, promptHash)
	if err != nil {
		return Assembled{}, err
	}

	out := Assembled{
		ScopeID:         scopeID,
		PromptHash:      promptHash,
		SpecHash:        specHash,
		Rules:           extracted,
		SnippetsEnabled: req.SnippetsEnabled,
	}

	// Snippet retrieval is fail-open: a slow or broken snippet store must
	// never block the conversation.
	if req.SnippetsEnabled {
		out.SnippetScopeID = scopeID
		out.SnippetsApplied, out.RetrievedCount = a.fetchSnippets(ctx, scopeID)
	}

	// Recent-turns window: most recent N, original order preserved.
	maxTurns := req.MaxTurnsToInclude
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	window := req.LastTurns
	if len(window) > maxTurns {
		window = window[len(window)-maxTurns:]
	}
	out.TurnsUsed = len(window)
	out.SummaryIncluded = req.ConversationSummary != ""

	out.Messages = a.renderMessages(req, specJSON, out.SnippetsApplied, window)
	out.Budget = ComputeBudget(Contributors{
		SystemPrompt: req.SystemPrompt,
		Spec:         specJSON,
		Context:      req.ContextJSON,
		Summary:      req.ConversationSummary,
		Snippets:     snippetContents(out.SnippetsApplied),
		LastTurns:    messageContents(window),
	}, a.maxTokens)

	logging.AssembleDebug("assembled %d messages for %s (tokens=%d/%d, snippets=%d, turns=%d)",
		len(out.Messages), scopeID, out.Budget.Total, out.Budget.MaxTokens,
		len(out.SnippetsApplied), out.TurnsUsed)

	return out, nil
}

// fetchSnippets retrieves, caps, and trims snippets for the scope.
// Over-long content is trimmed in place while CharLength keeps the original
// length, so the oversize condition stays visible on the receipt.
func (a *Assembler) fetchSnippets(ctx context.Context, scopeID string) ([]types.AppliedSnippet, int) {
	log := logging.Get(logging.CategorySnippets)

	if a.provider == nil {
		log.Debug("snippets enabled but no provider configured for %s", scopeID)
		return nil, 0
	}

	found, err := a.provider.GetSnippets(ctx, scopeID)
	if err != nil {
		log.Warn("snippet retrieval failed for %s, proceeding with none: %v", scopeID, err)
		return nil, 0
	}

	retrieved := len(found)
	if retrieved > a.maxSnippets {
		log.Warn("scope %s returned %d snippets, capping to %d", scopeID, retrieved, a.maxSnippets)
		found = found[:a.maxSnippets]
	}

	applied := make([]types.AppliedSnippet, 0, len(found))
	for _, s := range found {
		s.CharLength = utf8.RuneCountInString(s.Content)
		if s.CharLength > a.maxSnippetChars {
			log.Warn("snippet %s is %d chars, trimming to %d", s.ID, s.CharLength, a.maxSnippetChars)
			s.Content = string([]rune(s.Content)[:a.maxSnippetChars])
		}
		applied = append(applied, s)
	}

	return applied, retrieved
}

// renderMessages produces the message list in the fixed contributor order.
func (a *Assembler) renderMessages(
	req Request,
	specJSON string,
	applied []types.AppliedSnippet,
	window []types.Message,
) []types.Message {
	msgs := make([]types.Message, 0, len(window)+5)

	msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: req.SystemPrompt})

	msgs = append(msgs, types.Message{
		Role:    types.RoleSystem,
		Content: "Behavioral contract in force for this conversation:\n" + specJSON,
	})

	if req.ContextJSON != "" {
		msgs = append(msgs, types.Message{
			Role:    types.RoleSystem,
			Content: "Caller context:\n" + req.ContextJSON,
		})
	}

	if len(applied) > 0 {
		var sb strings.Builder
		sb.WriteString("Learned corrections for this agent. Apply them before answering:\n")
		for _, s := range applied {
			fmt.Fprintf(&sb, "- %s\n", s.Content)
		}
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: sb.String()})
	}

	if req.ConversationSummary != "" {
		msgs = append(msgs, types.Message{
			Role:    types.RoleSystem,
			Content: "Conversation so far (summary):\n" + req.ConversationSummary,
		})
	}

	msgs = append(msgs, window...)

	return msgs
}

func snippetContents(applied []types.AppliedSnippet) []string {
	out := make([]string, len(applied))
	for i, s := range applied {
		out[i] = s.Content
	}
	return out
}

func messageContents(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
