package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists registry positions. The registry is the single
// writer; nothing else mutates positions through this interface.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetLive(ctx context.Context, account string) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	GetLiveBySymbol(ctx context.Context, account, symbol string) (Position, error)
	ListClosed(ctx context.Context, account string, opts ListOpts) ([]Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
	// CountLiveDuplicates returns the number of (account, symbol) keys with
	// more than one live row - an integrity violation.
	CountLiveDuplicates(ctx context.Context, account string) (int, error)
}

// IntentStore persists order-intent hashes for duplicate suppression across
// restarts.
type IntentStore interface {
	Record(ctx context.Context, intent OrderIntent) error
	Exists(ctx context.Context, hash string) (bool, error)
	LoadSince(ctx context.Context, since time.Time) ([]OrderIntent, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SystemStateStore persists the kill-switch state across restarts.
type SystemStateStore interface {
	Get(ctx context.Context) (StateRecord, error)
	Set(ctx context.Context, rec StateRecord) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log. Every reconciliation
// divergence (adopt, force-close, zombie removal, resync) lands here with
// before/after detail.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// CycleReportStore persists per-cycle summaries and per-symbol submission
// times.
type CycleReportStore interface {
	Insert(ctx context.Context, report CycleReport) error
	ListRecent(ctx context.Context, limit int) ([]CycleReport, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	// RecordSubmission stamps the last order-submission time for a symbol.
	RecordSubmission(ctx context.Context, symbol string, at time.Time) error
	// LastTradedAt consults the durable store for the last submission time
	// per symbol; decisions with correctness windows of an hour or more must
	// use this rather than bounded in-memory history.
	LastTradedAt(ctx context.Context, symbol string) (time.Time, error)
}
