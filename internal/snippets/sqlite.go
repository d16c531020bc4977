package snippets

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"promptproof/internal/logging"
	"promptproof/internal/types"
)

// SQLiteStore is a local snippet store for self-hosted deployments. It
// implements both Provider and Writer. Snippets are keyed by exact scope
// key; there is no relevance ranking, retrieval order is insertion order.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the snippet database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snippet database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.SnippetsDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.SnippetsDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	// "trigger" is a reserved word in SQLite and must stay quoted.
	schema := `
	CREATE TABLE IF NOT EXISTS snippets (
		id TEXT PRIMARY KEY,
		scope_key TEXT NOT NULL,
		"trigger" TEXT,
		content TEXT NOT NULL,
		source TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_snippets_scope ON snippets(scope_key);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snippet schema: %w", err)
	}

	logging.Get(logging.CategorySnippets).Info("snippet store ready at %s", path)
	return &SQLiteStore{db: db, dbPath: path}, nil
}

// GetSnippets returns every snippet stored under the scope key, in
// insertion order.
func (s *SQLiteStore) GetSnippets(ctx context.Context, scopeKey string) ([]types.AppliedSnippet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, "trigger", content, source, created_at
		FROM snippets
		WHERE scope_key = ?
		ORDER BY rowid`,
		scopeKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snippets: %w", err)
	}
	defer rows.Close()

	var out []types.AppliedSnippet
	for rows.Next() {
		var s types.AppliedSnippet
		var created time.Time
		if err := rows.Scan(&s.ID, &s.Trigger, &s.Content, &s.Source, &created); err != nil {
			return nil, fmt.Errorf("failed to scan snippet row: %w", err)
		}
		s.AppliedAt = created
		out = append(out, s)
	}
	return out, rows.Err()
}

// PutSnippet persists one learned correction under the scope key.
// A missing id is filled with a fresh UUID.
func (s *SQLiteStore) PutSnippet(ctx context.Context, scopeKey string, snippet types.AppliedSnippet) error {
	if scopeKey == "" {
		return fmt.Errorf("scope key required")
	}
	if snippet.Content == "" {
		return fmt.Errorf("snippet content required")
	}
	if snippet.ID == "" {
		snippet.ID = uuid.NewString()
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO snippets (id, scope_key, "trigger", content, source)
		VALUES (?, ?, ?, ?, ?)`,
		snippet.ID, scopeKey, snippet.Trigger, snippet.Content, snippet.Source,
	); err != nil {
		return fmt.Errorf("failed to store snippet: %w", err)
	}

	logging.SnippetsDebug("stored snippet %s under %s", snippet.ID, scopeKey)
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
