package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"promptproof/internal/logging"
	"promptproof/internal/types"
)

// SQLiteStore is the durable Store backed by a local SQLite database.
// A monotonic insert sequence (the autoincrement id) orders each scope's
// receipts; the scope index is the (scope_id, id) index so ListByScope never
// scans the whole table.
type SQLiteStore struct {
	db           *sql.DB
	dbPath       string
	historyLimit int
}

// NewSQLiteStore opens (or creates) the database at path.
// historyLimit <= 0 selects DefaultScopeHistoryLimit.
func NewSQLiteStore(path string, historyLimit int) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	if historyLimit <= 0 {
		historyLimit = DefaultScopeHistoryLimit
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path, historyLimit: historyLimit}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryStore).Info(
		"attestation store ready at %s (history limit %d per scope)", path, historyLimit)
	return s, nil
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attestations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		turn_id TEXT NOT NULL UNIQUE,
		scope_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attestations_scope ON attestations(scope_id, id);

	CREATE TABLE IF NOT EXISTS session_attestations (
		session_id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_scope ON session_attestations(scope_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Save inserts one receipt and trims the scope's history in the same
// transaction, keeping the append-and-trim atomic per scope.
func (s *SQLiteStore) Save(ctx context.Context, att types.TurnAttestation) error {
	timer := logging.StartTimer(logging.CategoryStore, "SQLiteStore.Save")
	defer timer.Stop()

	payload, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("failed to serialize attestation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attestations (turn_id, scope_id, payload) VALUES (?, ?, ?)`,
		att.TurnID, att.ScopeID, string(payload),
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", ErrDuplicateTurn, att.TurnID)
		}
		return fmt.Errorf("failed to insert attestation: %w", err)
	}

	// Evict the oldest receipts beyond the retention bound.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attestations
		WHERE scope_id = ?
		  AND id NOT IN (
			SELECT id FROM attestations
			WHERE scope_id = ?
			ORDER BY id DESC
			LIMIT ?
		  )`,
		att.ScopeID, att.ScopeID, s.historyLimit,
	); err != nil {
		return fmt.Errorf("failed to trim scope history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attestation: %w", err)
	}

	logging.StoreDebug("saved receipt %s for scope %s", att.TurnID, att.ScopeID)
	return nil
}

// Get loads one receipt by turn id; (nil, nil) when absent.
func (s *SQLiteStore) Get(ctx context.Context, turnID string) (*types.TurnAttestation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM attestations WHERE turn_id = ?`, turnID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attestation: %w", err)
	}

	var att types.TurnAttestation
	if err := json.Unmarshal([]byte(payload), &att); err != nil {
		return nil, fmt.Errorf("failed to decode attestation %s: %w", turnID, err)
	}
	return &att, nil
}

// ListByScope returns up to limit receipts for the scope, most recent first.
func (s *SQLiteStore) ListByScope(ctx context.Context, scopeID string, limit int) ([]types.TurnAttestation, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM attestations
		WHERE scope_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		scopeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list attestations: %w", err)
	}
	defer rows.Close()

	var out []types.TurnAttestation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan attestation row: %w", err)
		}
		var att types.TurnAttestation
		if err := json.Unmarshal([]byte(payload), &att); err != nil {
			return nil, fmt.Errorf("failed to decode attestation: %w", err)
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// SaveSession upserts a conversation aggregate.
func (s *SQLiteStore) SaveSession(ctx context.Context, session types.SessionAttestation) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session attestation: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO session_attestations (session_id, scope_id, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			scope_id = excluded.scope_id,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP`,
		session.SessionID, session.ScopeID, string(payload),
	); err != nil {
		return fmt.Errorf("failed to save session attestation: %w", err)
	}
	return nil
}

// GetSession loads a conversation aggregate; (nil, nil) when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*types.SessionAttestation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM session_attestations WHERE session_id = ?`, sessionID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session attestation: %w", err)
	}

	var session types.SessionAttestation
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return nil, fmt.Errorf("failed to decode session attestation %s: %w", sessionID, err)
	}
	return &session, nil
}

// Clear removes every stored receipt and session aggregate.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attestations`); err != nil {
		return fmt.Errorf("failed to clear attestations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_attestations`); err != nil {
		return fmt.Errorf("failed to clear session attestations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
