package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptproof/internal/identity"
	"promptproof/internal/types"
)

const explicitBlock = `{
  "requiredFields": ["fullName", "phone"],
  "fieldOrder": ["fullName", "phone"],
  "oneQuestionPerTurn": true,
  "maxSentences": 3,
  "maxWordsPerTurn": 40,
  "blockBookingUntilFieldsComplete": true,
  "disallowedPhrases": ["cheap"],
  "confirmations": {"repeatPhone": true, "spellEmail": false},
  "niche": "roofing",
  "tone": "direct"
}`

func promptWith(block string) string {
	return "You are a roofing intake assistant.\n\n" +
		StartMarker + "\n" + block + "\n" + EndMarker + "\n\nBe concise."
}

func TestExtract(t *testing.T) {
	t.Run("explicit block", func(t *testing.T) {
		got := Extract(promptWith(explicitBlock))
		require.Equal(t, types.SpecSourceExplicit, got.Source)
		require.NoError(t, got.Err)
		assert.Equal(t, "roofing", got.RuleSet.Niche)
		assert.Equal(t, []string{"fullName", "phone"}, got.RuleSet.RequiredFields)
		assert.Equal(t, 3, got.RuleSet.MaxSentences)
		assert.True(t, got.RuleSet.Confirmations.RepeatPhone)
		assert.False(t, got.RuleSet.Confirmations.SpellEmail)
	})

	t.Run("no block falls back to default", func(t *testing.T) {
		got := Extract("You are a helpful assistant with no embedded contract.")
		assert.Equal(t, types.SpecSourceDefault, got.Source)
		assert.NoError(t, got.Err)
		assert.Equal(t, Default(), got.RuleSet)
	})

	t.Run("malformed JSON degrades to default with parse error", func(t *testing.T) {
		got := Extract(promptWith(`{"requiredFields": [unquoted]}`))
		assert.Equal(t, types.SpecSourceParseError, got.Source)
		assert.Error(t, got.Err)
		assert.Equal(t, Default(), got.RuleSet)
	})

	t.Run("missing required key degrades to default", func(t *testing.T) {
		got := Extract(promptWith(`{"requiredFields": ["phone"], "fieldOrder": ["phone"]}`))
		assert.Equal(t, types.SpecSourceParseError, got.Source)
		require.Error(t, got.Err)
		assert.Contains(t, got.Err.Error(), "niche")
		assert.Equal(t, Default(), got.RuleSet)
	})

	t.Run("dangling start marker is not a block", func(t *testing.T) {
		got := Extract("prompt\n" + StartMarker + "\n{}")
		assert.Equal(t, types.SpecSourceDefault, got.Source)
	})

	t.Run("empty prompt", func(t *testing.T) {
		got := Extract("")
		assert.Equal(t, types.SpecSourceDefault, got.Source)
	})
}

func TestExtract_Deterministic(t *testing.T) {
	prompt := promptWith(explicitBlock)
	first := Extract(prompt)
	second := Extract(prompt)
	assert.Equal(t, first, second)
}

func TestDefault(t *testing.T) {
	rs := Default()
	assert.Equal(t, rs.RequiredFields, rs.FieldOrder)
	assert.True(t, rs.OneQuestionPerTurn)
	assert.True(t, rs.BlockBookingUntilFieldsComplete)
	assert.Equal(t, "general", rs.Niche)
}

func TestEmbed(t *testing.T) {
	rs := Default()
	rs.Niche = "dental"

	t.Run("appends to a bare prompt", func(t *testing.T) {
		got := Embed("You are a dental receptionist.", rs)
		extracted := Extract(got)
		require.Equal(t, types.SpecSourceExplicit, extracted.Source)
		assert.Equal(t, "dental", extracted.RuleSet.Niche)
	})

	t.Run("replaces an existing block", func(t *testing.T) {
		withOld := Embed("Base prompt.", Default())
		updated := rs
		updated.Tone = "formal"

		got := Embed(withOld, updated)
		extracted := Extract(got)
		require.Equal(t, types.SpecSourceExplicit, extracted.Source)
		assert.Equal(t, "formal", extracted.RuleSet.Tone)
	})

	t.Run("re-embedding is hash stable", func(t *testing.T) {
		once := Embed("Base prompt.", rs)
		twice := Embed(once, rs)
		assert.Equal(t, identity.HashText(once), identity.HashText(twice))
	})

	t.Run("embed into empty prompt", func(t *testing.T) {
		got := Embed("", rs)
		extracted := Extract(got)
		assert.Equal(t, types.SpecSourceExplicit, extracted.Source)
	})
}

func TestCanonicalJSON(t *testing.T) {
	rs := Default()
	assert.Equal(t, CanonicalJSON(rs), CanonicalJSON(rs), "canonical form must be byte-stable")

	other := rs
	other.MaxSentences = 5
	assert.NotEqual(t, CanonicalJSON(rs), CanonicalJSON(other))
}
