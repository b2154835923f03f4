package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// CycleReportStore implements domain.CycleReportStore using PostgreSQL.
// Summary counters live in columns for cheap filtering; the full report,
// including the reconciliation sub-report, is stored as JSONB.
type CycleReportStore struct {
	pool *pgxpool.Pool
}

// NewCycleReportStore creates a new CycleReportStore backed by the given pool.
func NewCycleReportStore(pool *pgxpool.Pool) *CycleReportStore {
	return &CycleReportStore{pool: pool}
}

var _ domain.CycleReportStore = (*CycleReportStore)(nil)

// Insert stores one cycle report.
func (s *CycleReportStore) Insert(ctx context.Context, report domain.CycleReport) error {
	full, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle report: %w", err)
	}

	const query = `
		INSERT INTO cycle_reports (
			cycle_id, started_at, finished_at, state,
			candidates, planned_opens, planned_closes, rejections,
			submitted, suppressed, report
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.pool.Exec(ctx, query,
		report.CycleID, report.StartedAt, report.FinishedAt, string(report.State),
		report.Candidates, report.PlannedOpens, report.PlannedCloses, report.Rejections,
		report.Submitted, report.Suppressed, full,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert cycle report %s: %w", report.CycleID, err)
	}
	return nil
}

// ListRecent returns the most recent cycle reports, newest first.
func (s *CycleReportStore) ListRecent(ctx context.Context, limit int) ([]domain.CycleReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT report FROM cycle_reports ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycle reports: %w", err)
	}
	defer rows.Close()

	var reports []domain.CycleReport
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan cycle report: %w", err)
		}
		var r domain.CycleReport
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal cycle report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list cycle reports rows: %w", err)
	}
	return reports, nil
}

// ListBefore returns all cycle reports started before the cutoff, oldest
// first. The archiver drains these to cold storage before DeleteBefore runs.
func (s *CycleReportStore) ListBefore(ctx context.Context, before time.Time) ([]domain.CycleReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT report FROM cycle_reports WHERE started_at < $1 ORDER BY started_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycle reports before: %w", err)
	}
	defer rows.Close()

	var reports []domain.CycleReport
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan cycle report: %w", err)
		}
		var r domain.CycleReport
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal cycle report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list cycle reports before rows: %w", err)
	}
	return reports, nil
}

// DeleteBefore prunes cycle reports older than the given cutoff.
func (s *CycleReportStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cycle_reports WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete cycle reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordSubmission stamps the last order-submission time for a symbol.
func (s *CycleReportStore) RecordSubmission(ctx context.Context, symbol string, at time.Time) error {
	const query = `
		INSERT INTO symbol_submissions (symbol, submitted_at)
		VALUES ($1, $2)
		ON CONFLICT (symbol) DO UPDATE SET submitted_at = EXCLUDED.submitted_at`

	_, err := s.pool.Exec(ctx, query, symbol, at)
	if err != nil {
		return fmt.Errorf("postgres: record submission %s: %w", symbol, err)
	}
	return nil
}

// LastTradedAt returns the last recorded submission time for a symbol, or a
// zero time if the symbol has never traded.
func (s *CycleReportStore) LastTradedAt(ctx context.Context, symbol string) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT submitted_at FROM symbol_submissions WHERE symbol = $1`, symbol).Scan(&at)
	if err != nil {
		if err == pgx.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("postgres: last traded at %s: %w", symbol, err)
	}
	return at, nil
}
