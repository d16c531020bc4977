package abtest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptproof/internal/config"
	"promptproof/internal/engine"
	"promptproof/internal/identity"
	"promptproof/internal/snippets"
	"promptproof/internal/store"
	"promptproof/internal/types"
)

const testPrompt = "You are an intake assistant for a roofing company."

func engineWithSnippets(t *testing.T, snips []types.AppliedSnippet) *engine.Engine {
	t.Helper()

	scopeID, err := identity.DeriveScopeKey("loc_1", "agent_1", identity.HashText(testPrompt))
	require.NoError(t, err)

	provider := snippets.NewStaticProvider(map[string][]types.AppliedSnippet{scopeID: snips})
	return engine.New(config.Default(), store.NewMemoryStore(0), provider)
}

func request() engine.CompileRequest {
	return engine.CompileRequest{
		TurnID:       "cmp-1",
		LocationID:   "loc_1",
		AgentID:      "agent_1",
		SystemPrompt: testPrompt,
	}
}

func TestRunComparison_SnippetsChangeTheContext(t *testing.T) {
	eng := engineWithSnippets(t, []types.AppliedSnippet{
		{ID: "s1", Content: "Never quote prices on the phone."},
	})

	result, err := RunComparison(context.Background(), eng, request(), nil)
	require.NoError(t, err)

	assert.Equal(t, result.WithSnippets.Compile.ScopeID, result.WithoutSnippets.Compile.ScopeID,
		"both branches compile the same scope")

	assert.Equal(t, 1, result.Deltas.SnippetCount)
	assert.Positive(t, result.Deltas.TokenTotal, "the snippet costs tokens")
	assert.NotEmpty(t, result.Deltas.MessageDiff)
	assert.False(t, result.Deltas.ResponseChanged, "no model call, no response delta")
	assert.Zero(t, result.Deltas.DiagnosticCount, "both branches are clean")
}

func TestRunComparison_EmptyStoreIsANoOp(t *testing.T) {
	eng := engineWithSnippets(t, nil)

	result, err := RunComparison(context.Background(), eng, request(), nil)
	require.NoError(t, err)

	assert.Zero(t, result.Deltas.SnippetCount)
	assert.Zero(t, result.Deltas.TokenTotal)
	assert.Empty(t, result.Deltas.MessageDiff)
	assert.Empty(t, result.WithSnippets.Compile.Attestation.SnippetsApplied)
}

func TestRunComparison_BranchReceiptsPersisted(t *testing.T) {
	eng := engineWithSnippets(t, nil)
	ctx := context.Background()

	_, err := RunComparison(ctx, eng, request(), nil)
	require.NoError(t, err)

	on, err := eng.Store().Get(ctx, "cmp-1-snippets-on")
	require.NoError(t, err)
	require.NotNil(t, on)
	assert.True(t, on.SnippetsEnabled)

	off, err := eng.Store().Get(ctx, "cmp-1-snippets-off")
	require.NoError(t, err)
	require.NotNil(t, off)
	assert.False(t, off.SnippetsEnabled)
}

func TestRunComparison_WithModelCall(t *testing.T) {
	eng := engineWithSnippets(t, []types.AppliedSnippet{
		{ID: "s1", Content: "Never quote prices on the phone."},
	})

	// The fake model answers differently when the correction is present.
	call := func(_ context.Context, msgs []types.Message, _ types.ModelOptions) (string, error) {
		for _, m := range msgs {
			if strings.Contains(m.Content, "Never quote prices") {
				return "I can't share pricing, but what is your name?", nil
			}
		}
		return "It usually costs around $500. What is your name?", nil
	}

	result, err := RunComparison(context.Background(), eng, request(), call)
	require.NoError(t, err)

	assert.True(t, result.Deltas.ResponseChanged)
	assert.Contains(t, result.WithSnippets.Reply.Text, "can't share pricing")
	assert.Contains(t, result.WithoutSnippets.Reply.Text, "$500")
	assert.Equal(t, types.ReplyText, result.WithSnippets.Reply.Kind)
}

func TestRunComparison_ModelErrorFailsTheRun(t *testing.T) {
	eng := engineWithSnippets(t, nil)

	call := func(context.Context, []types.Message, types.ModelOptions) (string, error) {
		return "", errors.New("model unavailable")
	}

	_, err := RunComparison(context.Background(), eng, request(), call)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestRunComparison_GeneratesTurnIDWhenMissing(t *testing.T) {
	eng := engineWithSnippets(t, nil)

	req := request()
	req.TurnID = ""

	result, err := RunComparison(context.Background(), eng, req, nil)
	require.NoError(t, err)

	onID := result.WithSnippets.Compile.Attestation.TurnID
	offID := result.WithoutSnippets.Compile.Attestation.TurnID
	assert.NotEmpty(t, onID)
	assert.NotEqual(t, onID, offID)
	assert.True(t, strings.HasSuffix(onID, "-snippets-on"))
	assert.True(t, strings.HasSuffix(offID, "-snippets-off"))
}
