package verification

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptproof/internal/store"
	"promptproof/internal/types"
)

const scopeID = "scope:loc:agent:a1b2c3d4e5f60718"

func boolPtr(b bool) *bool { return &b }

func storedTurn(id string, mutate func(*types.TurnAttestation)) types.TurnAttestation {
	att := types.TurnAttestation{
		TurnID:     id,
		Timestamp:  time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
		ScopeID:    scopeID,
		PromptHash: "a1b2c3d4e5f60718",
		SpecHash:   "1111222233334444",
		SpecSource: types.SpecSourceExplicit,
		TokenBudget: types.TokenBudget{
			SystemPrompt: 50,
			Spec:         30,
			Total:        80,
			MaxTokens:    4000,
		},
		SnippetsEnabled: false,
		GuardEnabled:    true,
	}
	if mutate != nil {
		mutate(&att)
	}
	return att
}

func seedStore(t *testing.T, turns ...types.TurnAttestation) store.Store {
	t.Helper()
	s := store.NewMemoryStore(0)
	for _, att := range turns {
		require.NoError(t, s.Save(context.Background(), att))
	}
	return s
}

func findingCodes(findings []types.Diagnostic) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Code
	}
	return out
}

func TestRunScopeDiagnostics_MalformedScopeKey(t *testing.T) {
	report, err := RunScopeDiagnostics(context.Background(), seedStore(t), "not-a-scope-key", nil)
	require.NoError(t, err)
	assert.Equal(t, HealthCritical, report.Health)
	assert.Contains(t, findingCodes(report.Findings), CodeScopeKeyMalformed)
	assert.Zero(t, report.TurnsAnalyzed)
}

func TestRunScopeDiagnostics_NoAttestations(t *testing.T) {
	report, err := RunScopeDiagnostics(context.Background(), seedStore(t), scopeID, nil)
	require.NoError(t, err)
	assert.Equal(t, HealthWarning, report.Health)
	assert.Contains(t, findingCodes(report.Findings), CodeNoAttestations)
}

func TestRunScopeDiagnostics_HealthyScope(t *testing.T) {
	s := seedStore(t,
		storedTurn("t1", nil),
		storedTurn("t2", nil),
		storedTurn("t3", nil),
	)

	report, err := RunScopeDiagnostics(context.Background(), s, scopeID, nil)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, report.Health)
	assert.Equal(t, 3, report.TurnsAnalyzed)
	assert.Empty(t, report.Findings)
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestRunScopeDiagnostics_SpecHashUnstable(t *testing.T) {
	s := seedStore(t,
		storedTurn("t1", nil),
		storedTurn("t2", func(a *types.TurnAttestation) { a.SpecHash = "9999888877776666" }),
	)

	report, err := RunScopeDiagnostics(context.Background(), s, scopeID, nil)
	require.NoError(t, err)
	assert.Equal(t, HealthWarning, report.Health)
	assert.Contains(t, findingCodes(report.Findings), CodeSpecHashUnstable)
}

func TestRunScopeDiagnostics_ExpectedHashes(t *testing.T) {
	s := seedStore(t, storedTurn("t1", nil))

	t.Run("matching expectations stay healthy", func(t *testing.T) {
		report, err := RunScopeDiagnostics(context.Background(), s, scopeID, &Expected{
			PromptHash: "a1b2c3d4e5f60718",
			SpecHash:   "1111222233334444",
		})
		require.NoError(t, err)
		assert.Equal(t, HealthHealthy, report.Health)
	})

	t.Run("spec hash mismatch is critical", func(t *testing.T) {
		report, err := RunScopeDiagnostics(context.Background(), s, scopeID, &Expected{
			SpecHash: "deadbeefdeadbeef",
		})
		require.NoError(t, err)
		assert.Equal(t, HealthCritical, report.Health)
		assert.Contains(t, findingCodes(report.Findings), CodeSpecHashMismatch)
	})

	t.Run("prompt hash mismatch is critical", func(t *testing.T) {
		report, err := RunScopeDiagnostics(context.Background(), s, scopeID, &Expected{
			PromptHash: "deadbeefdeadbeef",
		})
		require.NoError(t, err)
		assert.Equal(t, HealthCritical, report.Health)
		assert.Contains(t, findingCodes(report.Findings), CodePromptHashMismatch)
	})
}

func TestRunScopeDiagnostics_SnippetsNeverApplied(t *testing.T) {
	s := seedStore(t,
		storedTurn("t1", func(a *types.TurnAttestation) { a.SnippetsEnabled = true }),
		storedTurn("t2", func(a *types.TurnAttestation) { a.SnippetsEnabled = true }),
	)

	report, err := RunScopeDiagnostics(context.Background(), s, scopeID, nil)
	require.NoError(t, err)
	assert.Contains(t, findingCodes(report.Findings), CodeSnippetsNeverApplied)
	assert.Equal(t, HealthWarning, report.Health)
}

func TestRunScopeDiagnostics_OverflowRate(t *testing.T) {
	overflowTurn := func(id string) types.TurnAttestation {
		return storedTurn(id, func(a *types.TurnAttestation) {
			a.TokenBudget.Exceeded = true
		})
	}

	t.Run("rare overflow is a warning", func(t *testing.T) {
		turns := []types.TurnAttestation{overflowTurn("t0")}
		for i := 1; i < 10; i++ {
			turns = append(turns, storedTurn(fmt.Sprintf("t%d", i), nil))
		}

		report, err := RunScopeDiagnostics(context.Background(), seedStore(t, turns...), scopeID, nil)
		require.NoError(t, err)
		assert.Contains(t, findingCodes(report.Findings), CodeBudgetOverflowRate)
		assert.Equal(t, HealthWarning, report.Health)
	})

	t.Run("chronic overflow is critical", func(t *testing.T) {
		turns := []types.TurnAttestation{
			overflowTurn("t0"), overflowTurn("t1"),
			storedTurn("t2", nil), storedTurn("t3", nil),
		}

		report, err := RunScopeDiagnostics(context.Background(), seedStore(t, turns...), scopeID, nil)
		require.NoError(t, err)
		assert.Equal(t, HealthCritical, report.Health)
	})
}

func TestRunScopeDiagnostics_SnippetTokensZero(t *testing.T) {
	s := seedStore(t, storedTurn("t1", func(a *types.TurnAttestation) {
		a.SnippetsEnabled = true
		a.SnippetsApplied = []types.AppliedSnippet{{ID: "s1", Content: "x"}}
		a.TokenBudget.Snippets = 0
	}))

	report, err := RunScopeDiagnostics(context.Background(), s, scopeID, nil)
	require.NoError(t, err)
	assert.Contains(t, findingCodes(report.Findings), CodeSnippetTokensZero)
	assert.Equal(t, HealthCritical, report.Health)
}

func TestVerifyAttestation(t *testing.T) {
	att := storedTurn("t1", func(a *types.TurnAttestation) {
		a.SnippetsEnabled = true
		a.SnippetsApplied = []types.AppliedSnippet{{ID: "s1", Content: "x"}}
		a.TokenBudget.Snippets = 1
		a.TokenBudget.Total = 81
	})

	t.Run("passes when everything matches", func(t *testing.T) {
		result := VerifyAttestation(att, Expected{
			ScopeID:         scopeID,
			PromptHash:      "a1b2c3d4e5f60718",
			SpecHash:        "1111222233334444",
			SnippetsEnabled: boolPtr(true),
			ExpectSnippets:  boolPtr(true),
			GuardEnabled:    boolPtr(true),
			MaxTokens:       4000,
		})
		assert.True(t, result.Passed)
		assert.Empty(t, result.Failures)
	})

	t.Run("zero-valued expectations are not checked", func(t *testing.T) {
		result := VerifyAttestation(att, Expected{})
		assert.True(t, result.Passed)
	})

	t.Run("collects every failure", func(t *testing.T) {
		result := VerifyAttestation(att, Expected{
			ScopeID:        "scope:other:agent:ffffffffffffffff",
			PromptHash:     "ffffffffffffffff",
			ExpectSnippets: boolPtr(false),
			MaxTokens:      2000,
		})
		require.False(t, result.Passed)
		assert.Len(t, result.Failures, 4)
	})

	t.Run("budget integrity", func(t *testing.T) {
		broken := att
		broken.TokenBudget.Total = 999
		result := VerifyAttestation(broken, Expected{})
		require.False(t, result.Passed)
		require.Len(t, result.Failures, 1)
		assert.Contains(t, result.Failures[0], "contributor sum")
	})
}
