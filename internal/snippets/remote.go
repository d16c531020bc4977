package snippets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"promptproof/internal/types"
)

// defaultRemoteTimeout bounds one snippet fetch. The assembler fails open on
// timeout, so this only limits how long a degraded memory service can stall
// a turn.
const defaultRemoteTimeout = 3 * time.Second

// RemoteProvider fetches snippets from a hosted memory service over HTTP:
// GET {base}/snippets?scope=<key> returning a JSON array of snippets.
type RemoteProvider struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// RemoteOption configures a RemoteProvider.
type RemoteOption func(*RemoteProvider)

// WithHTTPClient substitutes the HTTP client (tests, custom transport).
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(p *RemoteProvider) { p.client = c }
}

// WithLogger attaches a zap logger.
func WithLogger(l *zap.Logger) RemoteOption {
	return func(p *RemoteProvider) { p.logger = l }
}

// NewRemoteProvider creates a provider for the given service base URL.
func NewRemoteProvider(baseURL string, opts ...RemoteOption) *RemoteProvider {
	p := &RemoteProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultRemoteTimeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetSnippets fetches the snippets stored under the scope key. Errors are
// returned as-is; the caller decides to fail open.
func (p *RemoteProvider) GetSnippets(ctx context.Context, scopeKey string) ([]types.AppliedSnippet, error) {
	endpoint := fmt.Sprintf("%s/snippets?scope=%s", p.baseURL, url.QueryEscape(scopeKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snippet request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("snippet fetch failed",
			zap.String("scope", scopeKey),
			zap.Error(err))
		return nil, fmt.Errorf("snippet fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown scope is an empty result, not an error.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("snippet service returned non-200",
			zap.String("scope", scopeKey),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("snippet service returned status %d", resp.StatusCode)
	}

	var snippets []types.AppliedSnippet
	if err := json.NewDecoder(resp.Body).Decode(&snippets); err != nil {
		return nil, fmt.Errorf("failed to decode snippet response: %w", err)
	}

	p.logger.Debug("snippets fetched",
		zap.String("scope", scopeKey),
		zap.Int("count", len(snippets)),
		zap.Duration("elapsed", time.Since(start)))

	return snippets, nil
}
