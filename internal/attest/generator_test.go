package attest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptproof/internal/assemble"
	"promptproof/internal/identity"
	"promptproof/internal/snippets"
	"promptproof/internal/types"
)

func compile(t *testing.T, prompt string, maxTokens int, snippetsOn bool, snips []types.AppliedSnippet) assemble.Assembled {
	t.Helper()

	var provider snippets.Provider
	if snips != nil {
		scopeID, err := identity.DeriveScopeKey("loc", "agent", identity.HashText(prompt))
		require.NoError(t, err)
		provider = snippets.NewStaticProvider(map[string][]types.AppliedSnippet{scopeID: snips})
	}

	a := assemble.NewAssembler(provider, maxTokens)
	out, err := a.Assemble(context.Background(), assemble.Request{
		LocationID:      "loc",
		AgentID:         "agent",
		SystemPrompt:    prompt,
		SnippetsEnabled: snippetsOn,
	})
	require.NoError(t, err)
	return out
}

func codes(diags []types.Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = d.Code
	}
	return out
}

func TestGenerate_Receipt(t *testing.T) {
	asm := compile(t, "intake prompt", 4000, false, nil)

	att := Generate(Params{
		Model:        "gpt-4o-mini",
		Temperature:  0.4,
		MaxTokens:    4000,
		GuardEnabled: true,
	}, asm)

	assert.NotEmpty(t, att.TurnID, "a missing turn id gets a generated UUID")
	assert.WithinDuration(t, time.Now().UTC(), att.Timestamp, 5*time.Second)
	assert.Equal(t, asm.ScopeID, att.ScopeID)
	assert.Equal(t, "loc", att.LocationID)
	assert.Equal(t, "agent", att.AgentID)
	assert.Equal(t, asm.PromptHash, att.PromptHash)
	assert.Equal(t, asm.SpecHash, att.SpecHash)
	assert.Equal(t, types.SpecSourceDefault, att.SpecSource)
	assert.Equal(t, asm.Budget, att.TokenBudget)
	assert.Equal(t, "gpt-4o-mini", att.Model)
}

func TestGenerate_ExplicitTurnID(t *testing.T) {
	asm := compile(t, "prompt", 4000, false, nil)
	att := Generate(Params{TurnID: "turn-42", GuardEnabled: true}, asm)
	assert.Equal(t, "turn-42", att.TurnID)
}

func TestGenerate_Diagnostics(t *testing.T) {
	tests := []struct {
		name     string
		asm      func(t *testing.T) assemble.Assembled
		params   Params
		wantCode string
		absent   []string
	}{
		{
			name: "token budget exceeded",
			asm: func(t *testing.T) assemble.Assembled {
				return compile(t, strings.Repeat("long prompt ", 50), 10, false, nil)
			},
			params:   Params{GuardEnabled: true, MaxTokens: 10},
			wantCode: CodeTokenBudgetExceeded,
		},
		{
			name: "snippets enabled but none applied",
			asm: func(t *testing.T) assemble.Assembled {
				return compile(t, "prompt", 4000, true, []types.AppliedSnippet{})
			},
			params:   Params{GuardEnabled: true},
			wantCode: CodeNoSnippetsApplied,
		},
		{
			name: "too many snippets retrieved",
			asm: func(t *testing.T) assemble.Assembled {
				var snips []types.AppliedSnippet
				for i := 0; i < 8; i++ {
					snips = append(snips, types.AppliedSnippet{ID: "s", Content: "c"})
				}
				return compile(t, "prompt", 4000, true, snips)
			},
			params:   Params{GuardEnabled: true},
			wantCode: CodeTooManySnippets,
		},
		{
			name: "oversized snippet trimmed",
			asm: func(t *testing.T) assemble.Assembled {
				return compile(t, "prompt", 4000, true, []types.AppliedSnippet{
					{ID: "big", Content: strings.Repeat("x", 300)},
				})
			},
			params:   Params{GuardEnabled: true},
			wantCode: CodeSnippetsTooLong,
		},
		{
			name: "guard disabled",
			asm: func(t *testing.T) assemble.Assembled {
				return compile(t, "prompt", 4000, false, nil)
			},
			params:   Params{GuardEnabled: false},
			wantCode: CodeGuardDisabled,
		},
		{
			name: "spec parse failure",
			asm: func(t *testing.T) assemble.Assembled {
				prompt := "prompt\n<<<AGENT_SPEC>>>\n{not json}\n<<<END_AGENT_SPEC>>>"
				return compile(t, prompt, 4000, false, nil)
			},
			params:   Params{GuardEnabled: true},
			wantCode: CodeSpecParseFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att := Generate(tt.params, tt.asm(t))
			assert.Contains(t, codes(att.Diagnostics), tt.wantCode)
			for _, code := range tt.absent {
				assert.NotContains(t, codes(att.Diagnostics), code)
			}
		})
	}
}

func TestGenerate_WeakHashFlagged(t *testing.T) {
	a := assemble.NewAssembler(nil, 4000, assemble.WithHasher(identity.NewWeakHasher()))
	asm, err := a.Assemble(context.Background(), assemble.Request{
		LocationID:   "loc",
		AgentID:      "agent",
		SystemPrompt: "prompt",
	})
	require.NoError(t, err)

	att := Generate(Params{GuardEnabled: true}, asm)
	assert.Contains(t, codes(att.Diagnostics), CodeWeakPromptHash)
}

func TestGenerate_HealthyTurnHasNoDiagnostics(t *testing.T) {
	asm := compile(t, "short prompt", 4000, true, []types.AppliedSnippet{
		{ID: "s1", Content: "a learned correction"},
	})

	att := Generate(Params{GuardEnabled: true}, asm)
	assert.Empty(t, att.Diagnostics)
}

func TestGenerate_Deterministic(t *testing.T) {
	asm := compile(t, "prompt", 4000, true, []types.AppliedSnippet{})

	a := Generate(Params{TurnID: "t1", GuardEnabled: true}, asm)
	b := Generate(Params{TurnID: "t1", GuardEnabled: true}, asm)

	// Same inputs, same diagnostics; only the timestamp differs.
	assert.Equal(t, codes(a.Diagnostics), codes(b.Diagnostics))
	assert.Equal(t, a.TokenBudget, b.TokenBudget)
}
