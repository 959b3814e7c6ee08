package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/store"
)

const createBucketsTable = `
CREATE TABLE IF NOT EXISTS rate_buckets (
	key TEXT PRIMARY KEY,
	capacity REAL NOT NULL,
	tokens REAL NOT NULL,
	refill_per_sec REAL NOT NULL,
	last_refill_at INTEGER NOT NULL
);
`

// SQLiteStore persists Local bucket snapshots across restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the snapshot store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open rate limit db: %w", err)
	}
	if err := store.Migrate(db, createBucketsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate rate limit db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save replaces the stored snapshot.
func (s *SQLiteStore) Save(ctx context.Context, buckets []models.RateBucket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM rate_buckets`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_buckets (key, capacity, tokens, refill_per_sec, last_refill_at) VALUES (?, ?, ?, ?, ?)`,
			b.Key, b.Capacity, b.Tokens, b.RefillPerSec, b.LastRefillAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("save bucket %s: %w", b.Key, err)
		}
	}
	return tx.Commit()
}

// Load returns the stored snapshot.
func (s *SQLiteStore) Load(ctx context.Context) ([]models.RateBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, capacity, tokens, refill_per_sec, last_refill_at FROM rate_buckets`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	var out []models.RateBucket
	for rows.Next() {
		var (
			b  models.RateBucket
			ts int64
		)
		if err := rows.Scan(&b.Key, &b.Capacity, &b.Tokens, &b.RefillPerSec, &ts); err != nil {
			return nil, err
		}
		b.LastRefillAt = time.Unix(0, ts)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
