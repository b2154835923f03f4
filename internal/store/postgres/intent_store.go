package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// IntentStore implements domain.IntentStore using PostgreSQL. Order-intent
// hashes survive restarts here so duplicate suppression covers the full
// lookback window, not just process lifetime.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore creates a new IntentStore backed by the given connection pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

var _ domain.IntentStore = (*IntentStore)(nil)

// Record inserts an intent hash. A primary key conflict means the same intent
// was already submitted and is reported as domain.ErrDuplicateIntent.
func (s *IntentStore) Record(ctx context.Context, intent domain.OrderIntent) error {
	const query = `
		INSERT INTO order_intents (hash, symbol, side, notional, signal_type, bucket, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		intent.Hash, intent.Symbol, string(intent.Side),
		intent.Notional, intent.SignalType, intent.Bucket, intent.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateIntent
		}
		return fmt.Errorf("postgres: record intent %s: %w", intent.Hash, err)
	}
	return nil
}

// Exists reports whether the given intent hash is already recorded.
func (s *IntentStore) Exists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM order_intents WHERE hash = $1)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check intent %s: %w", hash, err)
	}
	return exists, nil
}

// LoadSince returns all intents recorded at or after the given time, used to
// warm the in-memory suppression set on startup.
func (s *IntentStore) LoadSince(ctx context.Context, since time.Time) ([]domain.OrderIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hash, symbol, side, notional, signal_type, bucket, created_at
		 FROM order_intents WHERE created_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: load intents: %w", err)
	}
	defer rows.Close()

	var intents []domain.OrderIntent
	for rows.Next() {
		var in domain.OrderIntent
		var side string
		if err := rows.Scan(&in.Hash, &in.Symbol, &side, &in.Notional,
			&in.SignalType, &in.Bucket, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		in.Side = domain.OrderSide(side)
		intents = append(intents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load intents rows: %w", err)
	}
	return intents, nil
}

// DeleteBefore prunes intents older than the given cutoff.
func (s *IntentStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM order_intents WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete intents: %w", err)
	}
	return tag.RowsAffected(), nil
}
