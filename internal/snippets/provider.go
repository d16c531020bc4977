// Package snippets provides retrieval and persistence of learned correction
// snippets, keyed by scope. Lookup is exact-match by scope key - there is no
// relevance ranking or similarity search.
package snippets

import (
	"context"

	"promptproof/internal/types"
)

// Provider retrieves learned snippets for a scope key. Implementations may
// be backed by local storage or a remote service and must tolerate empty
// results. Callers treat retrieval errors as fail-open: the conversation
// proceeds with zero snippets.
type Provider interface {
	GetSnippets(ctx context.Context, scopeKey string) ([]types.AppliedSnippet, error)
}

// Writer persists a snippet under a scope key. Providers that support
// training implement it alongside Provider.
type Writer interface {
	PutSnippet(ctx context.Context, scopeKey string, snippet types.AppliedSnippet) error
}

// StaticProvider serves a fixed scope→snippets map. Used in tests and for
// seeded deployments.
type StaticProvider struct {
	byScope map[string][]types.AppliedSnippet
}

// NewStaticProvider builds a provider over the given map. A nil map is
// treated as empty.
func NewStaticProvider(byScope map[string][]types.AppliedSnippet) *StaticProvider {
	if byScope == nil {
		byScope = make(map[string][]types.AppliedSnippet)
	}
	return &StaticProvider{byScope: byScope}
}

// GetSnippets returns the configured snippets for the scope key.
func (p *StaticProvider) GetSnippets(_ context.Context, scopeKey string) ([]types.AppliedSnippet, error) {
	found := p.byScope[scopeKey]
	out := make([]types.AppliedSnippet, len(found))
	copy(out, found)
	return out, nil
}
