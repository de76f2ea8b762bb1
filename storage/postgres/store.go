// Package postgres persists application service transaction counters in
// PostgreSQL, for homeservers that already run one.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/matrix-org/appservice"
)

// Config holds connection settings for Open.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL through the pgx stdlib driver and verifies the
// connection with a short ping.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("appservice store dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open appservice db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping appservice db: %w", err)
	}

	return db, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS appservice_txn_ids (
	as_id TEXT NOT NULL PRIMARY KEY,
	last_txn_id BIGINT NOT NULL
)`

// Store is a TransactionIDStore backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ appservice.TransactionIDStore = (*Store)(nil)

// NewStore wraps an open database handle. Call Migrate before first use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
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
WHERE as_id = $1`

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
VALUES ($1, $2)
ON CONFLICT (as_id)
DO UPDATE SET last_txn_id = GREATEST(appservice_txn_ids.last_txn_id, EXCLUDED.last_txn_id)`

	if _, err := s.db.ExecContext(ctx, query, serviceID, txnID); err != nil {
		return fmt.Errorf("set last txn id: %w", err)
	}
	return nil
}
