// Package sqlite persists application service transaction counters in a
// local SQLite database, for single-process homeservers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/matrix-org/appservice"
)

// Open opens or creates the SQLite database at path, creating parent
// directories as needed, and applies the store's schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open appservice db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	store := NewStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS appservice_txn_ids (
	as_id TEXT NOT NULL PRIMARY KEY,
	last_txn_id INTEGER NOT NULL
)`

// Store is a TransactionIDStore backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ appservice.TransactionIDStore = (*Store)(nil)

// NewStore wraps an open database handle. Call Migrate before first use
// unless the handle came from Open.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the store's schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate appservice db: %w", err)
	}
	return nil
}

// LastTransactionID returns the last acknowledged transaction ID for the
// service, or zero if the service has never completed a transaction.
func (s *Store) LastTransactionID(ctx context.Context, serviceID string) (int64, error) {
	query := `
SELECT last_txn_id
FROM appservice_txn_ids
WHERE as_id = ?`

	var txnID int64
	if err := s.db.QueryRowContext(ctx, query, serviceID).Scan(&txnID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get last txn id: %w", err)
	}
	return txnID, nil
}

// SetLastTransactionID records an acknowledged transaction ID. The recorded
// ID never moves backwards, so late writes from a superseded worker are
// harmless.
func (s *Store) SetLastTransactionID(ctx context.Context, serviceID string, txnID int64) error {
	query := `
INSERT INTO appservice_txn_ids (as_id, last_txn_id)
VALUES (?, ?)
ON CONFLICT (as_id)
DO UPDATE SET last_txn_id = MAX(last_txn_id, excluded.last_txn_id)`

	if _, err := s.db.ExecContext(ctx, query, serviceID, txnID); err != nil {
		return fmt.Errorf("set last txn id: %w", err)
	}
	return nil
}
