package attest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptproof/internal/types"
)

func turn(id, promptHash, specHash string, tokens int, exceeded bool, snippets int) types.TurnAttestation {
	applied := make([]types.AppliedSnippet, snippets)
	return types.TurnAttestation{
		TurnID:          id,
		Timestamp:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ScopeID:         "scope:loc:agent:" + promptHash,
		PromptHash:      promptHash,
		SpecHash:        specHash,
		SnippetsApplied: applied,
		TokenBudget: types.TokenBudget{
			Total:    tokens,
			Exceeded: exceeded,
		},
	}
}

func TestAggregateSession_Empty(t *testing.T) {
	agg := AggregateSession("sess-1", nil)
	assert.Equal(t, "sess-1", agg.SessionID)
	assert.Zero(t, agg.Turns)
	assert.Empty(t, agg.SessionDiagnostics)
}

func TestAggregateSession_Totals(t *testing.T) {
	turns := []types.TurnAttestation{
		turn("t1", "hashaaaa00000001", "spec0000000000aa", 100, false, 2),
		turn("t2", "hashaaaa00000001", "spec0000000000aa", 200, false, 1),
		turn("t3", "hashaaaa00000001", "spec0000000000aa", 300, false, 0),
	}

	agg := AggregateSession("sess-2", turns)
	assert.Equal(t, 3, agg.Turns)
	assert.Equal(t, 3, agg.SnippetsApplied)
	assert.Equal(t, 200, agg.AvgTokensPerTurn)
	assert.Zero(t, agg.BudgetOverflows)
	assert.Equal(t, 1, agg.DistinctSpecHashes)
	assert.Equal(t, 1, agg.DistinctPromptHashes)
	assert.Equal(t, turns[0].ScopeID, agg.ScopeID)
	assert.Empty(t, agg.SessionDiagnostics)
}

func TestAggregateSession_SpecHashChanged(t *testing.T) {
	turns := []types.TurnAttestation{
		turn("t1", "hashaaaa00000001", "specA00000000001", 100, false, 0),
		turn("t2", "hashaaaa00000001", "specB00000000002", 100, false, 0),
	}

	agg := AggregateSession("sess-3", turns)
	require.Len(t, agg.SessionDiagnostics, 1)
	d := agg.SessionDiagnostics[0]
	assert.Equal(t, CodeSpecHashChanged, d.Code)
	assert.Equal(t, types.LevelWarning, d.Level)
	assert.Equal(t, 2, agg.DistinctSpecHashes)
}

func TestAggregateSession_PromptHashChanged(t *testing.T) {
	turns := []types.TurnAttestation{
		turn("t1", "hashA00000000001", "spec000000000001", 100, false, 0),
		turn("t2", "hashB00000000002", "spec000000000001", 100, false, 0),
	}

	agg := AggregateSession("sess-4", turns)
	require.Len(t, agg.SessionDiagnostics, 1)
	assert.Equal(t, CodePromptHashChanged, agg.SessionDiagnostics[0].Code)
	assert.Equal(t, types.LevelInfo, agg.SessionDiagnostics[0].Level)
}

func TestAggregateSession_ChronicOverflow(t *testing.T) {
	t.Run("above the ratio", func(t *testing.T) {
		turns := []types.TurnAttestation{
			turn("t1", "h", "s", 5000, true, 0),
			turn("t2", "h", "s", 5000, true, 0),
			turn("t3", "h", "s", 100, false, 0),
			turn("t4", "h", "s", 100, false, 0),
		}

		agg := AggregateSession("sess-5", turns)
		assert.Equal(t, 2, agg.BudgetOverflows)
		require.Len(t, agg.SessionDiagnostics, 1)
		assert.Equal(t, CodeChronicOverflow, agg.SessionDiagnostics[0].Code)
		assert.Equal(t, types.LevelError, agg.SessionDiagnostics[0].Level)
	})

	t.Run("one overflow in many turns is not chronic", func(t *testing.T) {
		turns := []types.TurnAttestation{
			turn("t1", "h", "s", 5000, true, 0),
			turn("t2", "h", "s", 100, false, 0),
			turn("t3", "h", "s", 100, false, 0),
			turn("t4", "h", "s", 100, false, 0),
			turn("t5", "h", "s", 100, false, 0),
			turn("t6", "h", "s", 100, false, 0),
		}

		agg := AggregateSession("sess-6", turns)
		assert.Equal(t, 1, agg.BudgetOverflows)
		assert.Empty(t, agg.SessionDiagnostics)
	})
}
