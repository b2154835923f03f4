package domain

import "time"

// LifecycleState tracks a position through its managed lifecycle. CLOSED is
// terminal; everything else is live.
type LifecycleState string

const (
	// StatePendingEntry - entry order submitted, first fill not yet confirmed.
	StatePendingEntry LifecycleState = "PENDING_ENTRY"
	// StateOpenUnprotected - filled but no verified stop-loss on the venue.
	// Hard gate: no take-profit may be placed and the position is locked
	// against allocator replacement until a stop price AND a live stop order
	// id are both recorded.
	StateOpenUnprotected LifecycleState = "OPEN_UNPROTECTED"
	// StateOpenProtected - stop-loss verified live on the venue.
	StateOpenProtected LifecycleState = "OPEN_PROTECTED"
	// StatePartiallyClosing - a reduce-only trim is in flight or partially filled.
	StatePartiallyClosing LifecycleState = "PARTIALLY_CLOSING"
	// StateClosed - terminal.
	StateClosed LifecycleState = "CLOSED"
)

// Live reports whether the state represents a position still on the book.
func (s LifecycleState) Live() bool {
	return s != StateClosed && s != ""
}

// PositionSide is the direction of exposure.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// ProtectionReason records how a position came to its protection status.
type ProtectionReason string

const (
	ProtectionReasonEntry     ProtectionReason = "entry"      // placed on our own entry
	ProtectionReasonAdopted   ProtectionReason = "adopted"    // discovered on venue, adopted by reconciler
	ProtectionReasonRecovered ProtectionReason = "recovered"  // stop re-derived from a live reduce-only order
	ProtectionReasonHealed    ProtectionReason = "healed"     // re-placed after a missing-stop detection
	ProtectionReasonNone      ProtectionReason = "unprotected"
)

// Position is the registry's authoritative record for one (account, symbol).
//
// EntrySizeInitial, TP1QtyTarget and TP2QtyTarget are snapshot targets: they
// are set exactly once from first-fill data and never recomputed from the
// remaining quantity, so partial closes cannot drift the later TP sizing.
// Invariant: Size == EntrySizeInitial - sum of confirmed partial closes, and
// never negative.
type Position struct {
	ID           string
	Account      string
	Symbol       string // canonical form (symbols.Normalize)
	VenueSymbol  string // venue spelling, for order routing
	Side         PositionSide
	Size         float64 // remaining quantity, always >= 0
	RequestedQty float64 // entry size requested at submission; Size catches up as fills confirm
	EntryPrice   float64
	MarkPrice    float64
	Leverage     float64
	MarginUsed   float64

	// Snapshot targets, set once by EnsureSnapshot.
	EntrySizeInitial float64
	TP1QtyTarget     float64
	TP2QtyTarget     float64
	SnapshotTaken    bool

	// Protection.
	Protected        bool
	ProtectionReason ProtectionReason
	StopPrice        float64
	StopOrderID      string
	TPOrderIDs       []string
	TrailingActive   bool
	HealAttempts     int

	State     LifecycleState
	OpenedAt  time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
	ExitPrice *float64

	RealizedPnL   float64
	UnrealizedPnL float64
}

// Notional returns the position's current mark-to-market notional.
func (p Position) Notional() float64 {
	return p.Size * p.MarkPrice
}

// SignedSize returns the quantity with direction applied (short negative).
func (p Position) SignedSize() float64 {
	if p.Side == PositionSideShort {
		return -p.Size
	}
	return p.Size
}

// Locked reports whether the allocator must not replace or trim this
// position: unprotected positions stay locked until a stop is verified.
func (p Position) Locked() bool {
	return p.State == StateOpenUnprotected || p.State == StatePendingEntry
}

// TPFillQty returns the quantity a take-profit level may actually request:
// always min(target, remaining), never more than the position holds.
func (p Position) TPFillQty(target float64) float64 {
	if target > p.Size {
		return p.Size
	}
	return target
}
