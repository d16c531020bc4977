package store

import (
	"context"
	"fmt"
	"sync"

	"promptproof/internal/types"
)

// MemoryStore is the embedded in-process Store. It keeps the same retention
// policy as the SQLite store and is safe for concurrent writers: the scope
// index append-and-trim happens under one lock.
type MemoryStore struct {
	mu           sync.RWMutex
	byTurn       map[string]types.TurnAttestation
	scopeIndex   map[string][]string // scope -> turn ids, oldest first
	sessions     map[string]types.SessionAttestation
	historyLimit int
}

// NewMemoryStore creates an empty in-memory store.
// historyLimit <= 0 selects DefaultScopeHistoryLimit.
func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = DefaultScopeHistoryLimit
	}
	return &MemoryStore{
		byTurn:       make(map[string]types.TurnAttestation),
		scopeIndex:   make(map[string][]string),
		sessions:     make(map[string]types.SessionAttestation),
		historyLimit: historyLimit,
	}
}

// Save stores one receipt and trims the scope index.
func (s *MemoryStore) Save(_ context.Context, att types.TurnAttestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTurn[att.TurnID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTurn, att.TurnID)
	}

	s.byTurn[att.TurnID] = att

	index := append(s.scopeIndex[att.ScopeID], att.TurnID)
	if len(index) > s.historyLimit {
		evicted := index[:len(index)-s.historyLimit]
		for _, turnID := range evicted {
			delete(s.byTurn, turnID)
		}
		index = index[len(index)-s.historyLimit:]
	}
	s.scopeIndex[att.ScopeID] = index

	return nil
}

// Get returns the receipt for a turn id; (nil, nil) when absent.
func (s *MemoryStore) Get(_ context.Context, turnID string) (*types.TurnAttestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.byTurn[turnID]
	if !ok {
		return nil, nil
	}
	return &att, nil
}

// ListByScope returns up to limit receipts, most recent first.
func (s *MemoryStore) ListByScope(_ context.Context, scopeID string, limit int) ([]types.TurnAttestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := s.scopeIndex[scopeID]
	if limit <= 0 || limit > len(index) {
		limit = len(index)
	}

	out := make([]types.TurnAttestation, 0, limit)
	for i := len(index) - 1; i >= 0 && len(out) < limit; i-- {
		if att, ok := s.byTurn[index[i]]; ok {
			out = append(out, att)
		}
	}
	return out, nil
}

// SaveSession upserts a conversation aggregate.
func (s *MemoryStore) SaveSession(_ context.Context, session types.SessionAttestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
	return nil
}

// GetSession returns a conversation aggregate; (nil, nil) when absent.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*types.SessionAttestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

// Clear removes everything.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTurn = make(map[string]types.TurnAttestation)
	s.scopeIndex = make(map[string][]string)
	s.sessions = make(map[string]types.SessionAttestation)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
