package domain

import "time"

// ReconciliationReport summarizes one reconciliation pass. After a clean
// pass the number of live exchange positions equals the number of non-flat
// registry rows and no registry row references an order id absent from the
// venue's open-order set.
type ReconciliationReport struct {
	StartedAt        time.Time
	FinishedAt       time.Time
	Trigger          string // "startup", "interval", "post_burst"
	Matched          int
	Adopted          int
	ForceClosed      int
	ZombiesRemoved   int
	PendingAborted   int
	QtyResynced      int
	OrphansCancelled int
	ProtectionHealed int
	ViolationsTotal  int // registry-integrity violations; >0 at startup is fatal
}

// Divergent reports whether the pass found any registry/exchange divergence.
func (r ReconciliationReport) Divergent() bool {
	return r.Adopted+r.ForceClosed+r.ZombiesRemoved+r.PendingAborted+r.QtyResynced > 0
}

// CycleReport is the structured per-cycle event record exposed to operators.
type CycleReport struct {
	CycleID       string
	StartedAt     time.Time
	FinishedAt    time.Time
	State         SystemState
	Candidates    int
	PlannedOpens  int
	PlannedCloses int
	Rejections    int
	Submitted     int
	Suppressed    int
	Reconcile     ReconciliationReport
}
