// Package store persists turn attestations keyed by turn id and indexed by
// scope key. Writes are append-only per key: each turn id is written exactly
// once, and the per-scope index is trimmed atomically to a bounded history
// (most recent turns win; older receipts are silently evicted by policy).
package store

import (
	"context"
	"errors"

	"promptproof/internal/types"
)

// DefaultScopeHistoryLimit bounds how many receipts are retained per scope.
const DefaultScopeHistoryLimit = 100

// ErrDuplicateTurn is returned when a turn id is written a second time.
// Receipts are immutable; a rewrite is always a caller bug.
var ErrDuplicateTurn = errors.New("attestation already exists for turn")

// Store is the persistence contract for attestations. Get returns
// (nil, nil) for an unknown turn id - absence is a query result, not an
// error.
type Store interface {
	Save(ctx context.Context, att types.TurnAttestation) error
	Get(ctx context.Context, turnID string) (*types.TurnAttestation, error)

	// ListByScope returns up to limit receipts for the scope,
	// most recent first. limit <= 0 means the retention bound.
	ListByScope(ctx context.Context, scopeID string, limit int) ([]types.TurnAttestation, error)

	// SaveSession and GetSession persist conversation-level aggregates.
	SaveSession(ctx context.Context, session types.SessionAttestation) error
	GetSession(ctx context.Context, sessionID string) (*types.SessionAttestation, error)

	Clear(ctx context.Context) error
	Close() error
}
