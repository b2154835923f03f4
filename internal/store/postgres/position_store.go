package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionSelectCols = `id, account, symbol, venue_symbol, side, size,
	requested_qty, entry_price, mark_price, leverage, margin_used,
	entry_size_initial, tp1_qty_target, tp2_qty_target, snapshot_taken,
	protected, protection_reason, stop_price, stop_order_id, tp_order_ids,
	trailing_active, heal_attempts,
	state, opened_at, updated_at, closed_at, exit_price,
	realized_pnl, unrealized_pnl`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, reason, state string

	err := row.Scan(
		&p.ID, &p.Account, &p.Symbol, &p.VenueSymbol, &side, &p.Size,
		&p.RequestedQty, &p.EntryPrice, &p.MarkPrice, &p.Leverage, &p.MarginUsed,
		&p.EntrySizeInitial, &p.TP1QtyTarget, &p.TP2QtyTarget, &p.SnapshotTaken,
		&p.Protected, &reason, &p.StopPrice, &p.StopOrderID, &p.TPOrderIDs,
		&p.TrailingActive, &p.HealAttempts,
		&state, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt, &p.ExitPrice,
		&p.RealizedPnL, &p.UnrealizedPnL,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	p.ProtectionReason = domain.ProtectionReason(reason)
	p.State = domain.LifecycleState(state)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, account, symbol, venue_symbol, side, size,
			requested_qty, entry_price, mark_price, leverage, margin_used,
			entry_size_initial, tp1_qty_target, tp2_qty_target, snapshot_taken,
			protected, protection_reason, stop_price, stop_order_id, tp_order_ids,
			trailing_active, heal_attempts,
			state, opened_at, updated_at, closed_at, exit_price,
			realized_pnl, unrealized_pnl
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22,
			$23, $24, $25, $26, $27,
			$28, $29
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Account, p.Symbol, p.VenueSymbol, string(p.Side), p.Size,
		p.RequestedQty, p.EntryPrice, p.MarkPrice, p.Leverage, p.MarginUsed,
		p.EntrySizeInitial, p.TP1QtyTarget, p.TP2QtyTarget, p.SnapshotTaken,
		p.Protected, string(p.ProtectionReason), p.StopPrice, p.StopOrderID, p.TPOrderIDs,
		p.TrailingActive, p.HealAttempts,
		string(p.State), p.OpenedAt, p.UpdatedAt, p.ClosedAt, p.ExitPrice,
		p.RealizedPnL, p.UnrealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			side               = $2,
			size               = $3,
			requested_qty      = $4,
			entry_price        = $5,
			mark_price         = $6,
			leverage           = $7,
			margin_used        = $8,
			entry_size_initial = $9,
			tp1_qty_target     = $10,
			tp2_qty_target     = $11,
			snapshot_taken     = $12,
			protected          = $13,
			protection_reason  = $14,
			stop_price         = $15,
			stop_order_id      = $16,
			tp_order_ids       = $17,
			trailing_active    = $18,
			heal_attempts      = $19,
			state              = $20,
			closed_at          = $21,
			exit_price         = $22,
			realized_pnl       = $23,
			unrealized_pnl     = $24,
			updated_at         = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Side), p.Size,
		p.RequestedQty, p.EntryPrice, p.MarkPrice, p.Leverage, p.MarginUsed,
		p.EntrySizeInitial, p.TP1QtyTarget, p.TP2QtyTarget, p.SnapshotTaken,
		p.Protected, string(p.ProtectionReason), p.StopPrice, p.StopOrderID, p.TPOrderIDs,
		p.TrailingActive, p.HealAttempts,
		string(p.State), p.ClosedAt, p.ExitPrice,
		p.RealizedPnL, p.UnrealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetLive returns all non-closed positions for the given account.
func (s *PositionStore) GetLive(ctx context.Context, account string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account = $1 AND state <> 'CLOSED'
		 ORDER BY opened_at DESC`, account)
	if err != nil {
		return nil, fmt.Errorf("postgres: get live positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan live positions: %w", err)
	}
	return positions, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetLiveBySymbol retrieves the live position for one canonical symbol.
func (s *PositionStore) GetLiveBySymbol(ctx context.Context, account, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account = $1 AND symbol = $2 AND state <> 'CLOSED'`, account, symbol)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get live position %s: %w", symbol, err)
	}
	return p, nil
}

// ListClosed returns closed positions with pagination and optional time filtering.
func (s *PositionStore) ListClosed(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE account = $1 AND state = 'CLOSED'`
	args := []any{account}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// DeleteClosedBefore removes closed positions older than the given cutoff.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE state = 'CLOSED' AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountLiveDuplicates counts (account, symbol) keys holding more than one
// live row. The partial unique index makes this impossible through normal
// writes; a nonzero count means the table was modified out of band.
func (s *PositionStore) CountLiveDuplicates(ctx context.Context, account string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM (
			SELECT symbol FROM positions
			WHERE account = $1 AND state <> 'CLOSED'
			GROUP BY symbol HAVING COUNT(*) > 1
		) dup`, account).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count live duplicates: %w", err)
	}
	return count, nil
}
