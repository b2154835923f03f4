package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// SystemStateStore implements domain.SystemStateStore using PostgreSQL.
// The table holds a single row; HALTED and EMERGENCY written here survive
// restarts, so the process comes back up in the state it went down in.
type SystemStateStore struct {
	pool *pgxpool.Pool
}

// NewSystemStateStore creates a new SystemStateStore backed by the given pool.
func NewSystemStateStore(pool *pgxpool.Pool) *SystemStateStore {
	return &SystemStateStore{pool: pool}
}

var _ domain.SystemStateStore = (*SystemStateStore)(nil)

// Get returns the persisted system state. A missing row is reported as
// domain.ErrNotFound so callers can seed ACTIVE on first boot.
func (s *SystemStateStore) Get(ctx context.Context) (domain.StateRecord, error) {
	var rec domain.StateRecord
	var state string

	err := s.pool.QueryRow(ctx,
		`SELECT state, reason, changed_at, changed_by FROM system_state`).
		Scan(&state, &rec.Reason, &rec.ChangedAt, &rec.ChangedBy)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.StateRecord{}, domain.ErrNotFound
		}
		return domain.StateRecord{}, fmt.Errorf("postgres: get system state: %w", err)
	}
	rec.State = domain.SystemState(state)
	return rec, nil
}

// Set upserts the single system-state row.
func (s *SystemStateStore) Set(ctx context.Context, rec domain.StateRecord) error {
	const query = `
		INSERT INTO system_state (singleton, state, reason, changed_at, changed_by)
		VALUES (TRUE, $1, $2, $3, $4)
		ON CONFLICT (singleton) DO UPDATE SET
			state      = EXCLUDED.state,
			reason     = EXCLUDED.reason,
			changed_at = EXCLUDED.changed_at,
			changed_by = EXCLUDED.changed_by`

	_, err := s.pool.Exec(ctx, query,
		string(rec.State), rec.Reason, rec.ChangedAt, rec.ChangedBy)
	if err != nil {
		return fmt.Errorf("postgres: set system state %s: %w", rec.State, err)
	}
	return nil
}
