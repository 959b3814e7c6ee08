package router

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/store"
)

const createHealthTable = `
CREATE TABLE IF NOT EXISTS provider_health (
	provider_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	consecutive_successes INTEGER NOT NULL DEFAULT 0,
	opened_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// HealthStore persists breaker state so a restart does not hammer a provider
// that was just tripped.
type HealthStore struct {
	db *sql.DB
}

// NewHealthStore opens the health store at dbPath.
func NewHealthStore(dbPath string) (*HealthStore, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open health db: %w", err)
	}
	if err := store.Migrate(db, createHealthTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate health db: %w", err)
	}
	return &HealthStore{db: db}, nil
}

// Save upserts one provider's state.
func (s *HealthStore) Save(ctx context.Context, h models.ProviderHealth) error {
	var opened int64
	if !h.OpenedAt.IsZero() {
		opened = h.OpenedAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_health (provider_id, state, consecutive_failures, consecutive_successes, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			consecutive_successes = excluded.consecutive_successes,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at`,
		h.ProviderID, string(h.State), h.ConsecutiveFailures, h.ConsecutiveSuccesses, opened, h.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save health %s: %w", h.ProviderID, err)
	}
	return nil
}

// Load returns every persisted provider state keyed by provider ID.
func (s *HealthStore) Load(ctx context.Context) (map[string]models.ProviderHealth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id, state, consecutive_failures, consecutive_successes, opened_at, updated_at
		FROM provider_health`)
	if err != nil {
		return nil, fmt.Errorf("load health: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.ProviderHealth)
	for rows.Next() {
		var (
			h               models.ProviderHealth
			state           string
			opened, updated int64
		)
		if err := rows.Scan(&h.ProviderID, &state, &h.ConsecutiveFailures, &h.ConsecutiveSuccesses, &opened, &updated); err != nil {
			return nil, err
		}
		h.State = models.BreakerState(state)
		if opened != 0 {
			h.OpenedAt = time.Unix(0, opened)
		}
		h.UpdatedAt = time.Unix(0, updated)
		out[h.ProviderID] = h
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *HealthStore) Close() error {
	return s.db.Close()
}
