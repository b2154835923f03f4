package domain

import "time"

// RejectReason classifies why a candidate was dropped from a plan.
type RejectReason string

const (
	RejectDuplicateSymbol RejectReason = "duplicate_symbol"
	RejectMaxPerSymbol    RejectReason = "max_per_symbol"
	RejectCooldown        RejectReason = "cooldown"
	RejectRisk            RejectReason = "risk"
	RejectMarginCap       RejectReason = "margin_cap"
	RejectMinNotional     RejectReason = "min_notional"
	RejectReductionCap    RejectReason = "reduction_cap"
	RejectLockedPosition  RejectReason = "position_locked"
	RejectHalted          RejectReason = "halted"
)

// PlannedOpen is one admitted open in an allocation plan.
type PlannedOpen struct {
	Symbol      string // canonical
	VenueSymbol string
	Side        PositionSide
	Score       float64
	Notional    float64
	Qty         float64
	Margin      float64
	SignalType  string
	// SkipMarginRecheck marks opens sized against the pre-close snapshot
	// whose margin was already validated; downstream risk validation must
	// not reject them on refreshed (post-close) numbers.
	SkipMarginRecheck bool
}

// PlannedClose is one admitted close or reduction in an allocation plan.
type PlannedClose struct {
	PositionID  string
	Symbol      string // canonical
	VenueSymbol string
	Side        PositionSide
	Qty         float64 // quantity to reduce, rounded to step
	Full        bool
	MarginFreed float64
	Reason      string
}

// Rejection records a candidate dropped during allocation, with reason.
type Rejection struct {
	Symbol string
	Side   PositionSide
	Reason RejectReason
	Detail string
}

// AllocationPlan is the output of one allocator cycle. It is transient,
// owned by the allocator for the cycle and handed read-only to the execution
// gateway.
type AllocationPlan struct {
	CycleID    string
	Opens      []PlannedOpen
	Closes     []PlannedClose
	Rejections []Rejection
	Snapshot   MarginSnapshot
	Caps       PlanCaps
	BuiltAt    time.Time
}

// PlanCaps records the limits the plan was built under.
type PlanCaps struct {
	MaxPerSymbol      int
	MaxReductions     int
	MaxMarginFreed    float64
	CooldownAfterTrim time.Duration
}

// Empty reports whether the plan carries no actionable orders.
func (p AllocationPlan) Empty() bool {
	return len(p.Opens) == 0 && len(p.Closes) == 0
}
