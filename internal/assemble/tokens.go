package assemble

import (
	"unicode/utf8"

	"promptproof/internal/types"
)

// charsPerToken is the estimation heuristic's calibration factor
// (~4 characters per token for current chat tokenizers).
const charsPerToken = 4

// EstimateTokens estimates the token cost of a string: ceil(runes / 4).
// Intentionally approximate; the invariants that matter are monotonicity
// (longer text never estimates fewer tokens) and additivity (summing parts
// overshoots the concatenation by at most one rounding step per part).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	return (runes + charsPerToken - 1) / charsPerToken
}

// estimateAll sums per-string estimates.
func estimateAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += EstimateTokens(t)
	}
	return total
}

// Contributors names the text of every budget contributor for one turn.
// There are no hidden contributors: the computed Total is exactly the sum
// of these six estimates.
type Contributors struct {
	SystemPrompt string
	Spec         string
	Context      string
	Summary      string
	Snippets     []string
	LastTurns    []string
}

// ComputeBudget estimates every contributor and flags overflow against the
// configured maximum.
func ComputeBudget(c Contributors, maxTokens int) types.TokenBudget {
	b := types.TokenBudget{
		SystemPrompt: EstimateTokens(c.SystemPrompt),
		Spec:         EstimateTokens(c.Spec),
		Snippets:     estimateAll(c.Snippets),
		Context:      EstimateTokens(c.Context),
		Summary:      EstimateTokens(c.Summary),
		LastTurns:    estimateAll(c.LastTurns),
		MaxTokens:    maxTokens,
	}
	b.Total = b.Sum()
	b.Exceeded = b.Total > maxTokens
	return b
}
