// Package registry holds the authoritative local record of positions and
// drives every lifecycle transition. It is the single writer for the position
// store: the reconciler, allocator and gateway all mutate positions through
// it, never through the store directly.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// sizeEpsilon treats residual dust below this fraction of the initial size
// as zero when deciding whether a position is fully closed.
const sizeEpsilon = 1e-9

// Config carries the snapshot sizing fractions used when a position takes
// its one-time targets.
type Config struct {
	Account         string
	TP1SizeFraction float64
	TP2SizeFraction float64
	MaxSeenExecIDs  int
}

// Registry is the position lifecycle engine. All methods are safe for
// concurrent use; internally a single mutex serializes writes so transitions
// observe a consistent view.
type Registry struct {
	store domain.PositionStore
	audit domain.AuditStore
	log   *slog.Logger
	cfg   Config

	mu        sync.Mutex
	seen      map[string]struct{} // exec ids already applied
	seenOrder []string
}

// New creates a Registry over the given stores.
func New(store domain.PositionStore, audit domain.AuditStore, log *slog.Logger, cfg Config) *Registry {
	if cfg.MaxSeenExecIDs <= 0 {
		cfg.MaxSeenExecIDs = 10000
	}
	return &Registry{
		store: store,
		audit: audit,
		log:   log.With(slog.String("component", "registry")),
		cfg:   cfg,
		seen:  make(map[string]struct{}),
	}
}

// alreadyApplied reports whether an exec id has been seen. The set is
// bounded; reconciliation covers anything evicted or lost across a restart.
func (r *Registry) alreadyApplied(execID string) bool {
	_, ok := r.seen[execID]
	return ok
}

// recordApplied marks an exec id as applied. Called only after the store
// update succeeds, so a transient store error leaves the fill retryable.
func (r *Registry) recordApplied(execID string) {
	if _, ok := r.seen[execID]; ok {
		return
	}
	r.seen[execID] = struct{}{}
	r.seenOrder = append(r.seenOrder, execID)
	if len(r.seenOrder) > r.cfg.MaxSeenExecIDs {
		delete(r.seen, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
}

// OpenPending creates a PENDING_ENTRY position for a freshly submitted entry
// order. Exactly one live position may exist per canonical symbol.
func (r *Registry) OpenPending(ctx context.Context, symbol, venueSymbol string, side domain.PositionSide, qty, leverage, markPrice float64) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.GetLiveBySymbol(ctx, r.cfg.Account, symbol); err == nil {
		return domain.Position{}, fmt.Errorf("registry: open %s: %w", symbol, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, err
	}

	now := time.Now().UTC()
	p := domain.Position{
		ID:               uuid.New().String(),
		Account:          r.cfg.Account,
		Symbol:           symbol,
		VenueSymbol:      venueSymbol,
		Side:             side,
		Size:             0,
		RequestedQty:     qty,
		MarkPrice:        markPrice,
		Leverage:         leverage,
		ProtectionReason: domain.ProtectionReasonNone,
		State:            domain.StatePendingEntry,
		OpenedAt:         now,
		UpdatedAt:        now,
	}

	if err := r.store.Create(ctx, p); err != nil {
		return domain.Position{}, err
	}
	r.log.Info("position pending",
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.String("id", p.ID))
	return p, nil
}

// ApplyEntryFill applies a confirmed entry fill. The first fill transitions
// PENDING_ENTRY to OPEN_UNPROTECTED and takes the one-time snapshot targets;
// later fills accumulate size at a volume-weighted entry price. Duplicate
// exec ids return domain.ErrDuplicateEvent.
func (r *Registry) ApplyEntryFill(ctx context.Context, positionID string, fill domain.Fill, spec domain.InstrumentSpec) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fill.Qty <= 0 {
		return domain.Position{}, ErrInvalidFill
	}
	if r.alreadyApplied(fill.ExecID) {
		return domain.Position{}, domain.ErrDuplicateEvent
	}

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	if p.State != domain.StatePendingEntry && p.State != domain.StateOpenUnprotected && p.State != domain.StateOpenProtected {
		return domain.Position{}, fmt.Errorf("%w: entry fill in %s (%s)", ErrInvalidTransition, p.State, p.Symbol)
	}

	total := p.Size + fill.Qty
	p.EntryPrice = (p.EntryPrice*p.Size + fill.Price*fill.Qty) / total
	p.Size = total
	p.MarkPrice = fill.Price
	p.UpdatedAt = time.Now().UTC()

	if p.State == domain.StatePendingEntry {
		if err := transition(&p, domain.StateOpenUnprotected); err != nil {
			return domain.Position{}, err
		}
	}
	r.ensureSnapshot(&p, spec)

	if err := r.store.Update(ctx, p); err != nil {
		return domain.Position{}, err
	}
	r.recordApplied(fill.ExecID)
	r.log.Info("entry fill applied",
		slog.String("symbol", p.Symbol),
		slog.String("exec_id", fill.ExecID),
		slog.Float64("qty", fill.Qty),
		slog.Float64("price", fill.Price),
		slog.Float64("size", p.Size))
	return p, nil
}

// ensureSnapshot takes the one-time snapshot targets from first-fill data.
// Targets are quantized toward zero to the instrument step and never
// recomputed afterwards, so partial closes cannot drift TP sizing.
func (r *Registry) ensureSnapshot(p *domain.Position, spec domain.InstrumentSpec) {
	if p.SnapshotTaken || p.Size <= 0 {
		return
	}
	p.EntrySizeInitial = p.Size
	p.TP1QtyTarget = spec.QuantizeQty(p.Size * r.cfg.TP1SizeFraction)
	p.TP2QtyTarget = spec.QuantizeQty(p.Size * r.cfg.TP2SizeFraction)
	p.SnapshotTaken = true
}

// ApplyReduceFill applies a confirmed reduce-only fill: a trim, a stop, a
// take-profit or an emergency close. Size decreases, realized PnL accrues,
// and a residual below dust closes the position. Duplicate exec ids return
// domain.ErrDuplicateEvent.
func (r *Registry) ApplyReduceFill(ctx context.Context, positionID string, fill domain.Fill) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fill.Qty <= 0 {
		return domain.Position{}, ErrInvalidFill
	}
	if r.alreadyApplied(fill.ExecID) {
		return domain.Position{}, domain.ErrDuplicateEvent
	}

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	if !p.State.Live() || p.State == domain.StatePendingEntry {
		return domain.Position{}, fmt.Errorf("%w: reduce fill in %s (%s)", ErrInvalidTransition, p.State, p.Symbol)
	}

	qty := fill.Qty
	if qty > p.Size {
		qty = p.Size
	}

	dir := 1.0
	if p.Side == domain.PositionSideShort {
		dir = -1.0
	}
	p.RealizedPnL += (fill.Price - p.EntryPrice) * qty * dir
	p.RealizedPnL -= fill.Fee
	p.Size -= qty
	p.MarkPrice = fill.Price
	p.UpdatedAt = time.Now().UTC()

	if p.Size <= sizeEpsilon || (p.EntrySizeInitial > 0 && p.Size/p.EntrySizeInitial <= sizeEpsilon) {
		p.Size = 0
		if err := r.closeLocked(ctx, &p, fill.Price); err != nil {
			return domain.Position{}, err
		}
		r.recordApplied(fill.ExecID)
		return p, nil
	}

	if p.State == domain.StatePartiallyClosing {
		next := domain.StateOpenProtected
		if !p.Protected {
			next = domain.StateOpenUnprotected
		}
		if err := transition(&p, next); err != nil {
			return domain.Position{}, err
		}
	}
	if err := r.store.Update(ctx, p); err != nil {
		return domain.Position{}, err
	}
	r.recordApplied(fill.ExecID)
	r.log.Info("reduce fill applied",
		slog.String("symbol", p.Symbol),
		slog.String("exec_id", fill.ExecID),
		slog.Float64("qty", qty),
		slog.Float64("remaining", p.Size))
	return p, nil
}

// MarkProtected records a verified live stop order and transitions the
// position to OPEN_PROTECTED. Both the stop price and the venue order id are
// required; protection is never inferred.
func (r *Registry) MarkProtected(ctx context.Context, positionID string, stopPrice float64, stopOrderID string, reason domain.ProtectionReason) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stopPrice <= 0 || stopOrderID == "" {
		return domain.Position{}, fmt.Errorf("registry: mark protected: stop price and order id required")
	}

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	p.Protected = true
	p.ProtectionReason = reason
	p.StopPrice = stopPrice
	p.StopOrderID = stopOrderID
	p.HealAttempts = 0
	p.UpdatedAt = time.Now().UTC()

	if p.State == domain.StateOpenUnprotected {
		if err := transition(&p, domain.StateOpenProtected); err != nil {
			return domain.Position{}, err
		}
	}
	if err := r.store.Update(ctx, p); err != nil {
		return domain.Position{}, err
	}
	r.log.Info("position protected",
		slog.String("symbol", p.Symbol),
		slog.Float64("stop", stopPrice),
		slog.String("reason", string(reason)))
	return p, nil
}

// MarkUnprotected records that the stop order is no longer live on the venue.
// The position drops back to OPEN_UNPROTECTED and locks against allocator
// action until healed.
func (r *Registry) MarkUnprotected(ctx context.Context, positionID string) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	p.Protected = false
	p.ProtectionReason = domain.ProtectionReasonNone
	p.StopOrderID = ""
	p.HealAttempts++
	p.UpdatedAt = time.Now().UTC()

	if p.State == domain.StateOpenProtected || p.State == domain.StatePartiallyClosing {
		if err := transition(&p, domain.StateOpenUnprotected); err != nil {
			return domain.Position{}, err
		}
	}
	if err := r.store.Update(ctx, p); err != nil {
		return domain.Position{}, err
	}
	r.log.Warn("position unprotected",
		slog.String("symbol", p.Symbol),
		slog.Int("heal_attempts", p.HealAttempts))
	return p, nil
}

// BeginPartialClose marks a reduce-only trim in flight. Unprotected positions
// refuse: the transition table has no edge from OPEN_UNPROTECTED.
func (r *Registry) BeginPartialClose(ctx context.Context, positionID string) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	if err := transition(&p, domain.StatePartiallyClosing); err != nil {
		return domain.Position{}, err
	}
	p.UpdatedAt = time.Now().UTC()
	if err := r.store.Update(ctx, p); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// AttachTPOrders records the venue ids of placed take-profit orders.
func (r *Registry) AttachTPOrders(ctx context.Context, positionID string, orderIDs []string) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	p.TPOrderIDs = append(p.TPOrderIDs, orderIDs...)
	p.UpdatedAt = time.Now().UTC()
	if err := r.store.Update(ctx, p); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// SetTrailing flags the trailing-stop mode on or off.
func (r *Registry) SetTrailing(ctx context.Context, positionID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return err
	}
	p.TrailingActive = active
	p.UpdatedAt = time.Now().UTC()
	return r.store.Update(ctx, p)
}

// UpdateMark refreshes the mark price and unrealized PnL from venue data.
func (r *Registry) UpdateMark(ctx context.Context, positionID string, mark float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return err
	}
	p.MarkPrice = mark
	dir := 1.0
	if p.Side == domain.PositionSideShort {
		dir = -1.0
	}
	p.UnrealizedPnL = (mark - p.EntryPrice) * p.Size * dir
	p.UpdatedAt = time.Now().UTC()
	return r.store.Update(ctx, p)
}

// Close transitions a position to CLOSED at the given exit price. Used for
// external closes detected by reconciliation and for emergency closes after
// the exit fill confirms.
func (r *Registry) Close(ctx context.Context, positionID string, exitPrice float64) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	if err := r.closeLocked(ctx, &p, exitPrice); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func (r *Registry) closeLocked(ctx context.Context, p *domain.Position, exitPrice float64) error {
	if err := transition(p, domain.StateClosed); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.Size = 0
	p.ClosedAt = &now
	p.ExitPrice = &exitPrice
	p.UnrealizedPnL = 0
	p.UpdatedAt = now

	if err := r.store.Update(ctx, *p); err != nil {
		return err
	}
	r.log.Info("position closed",
		slog.String("symbol", p.Symbol),
		slog.Float64("exit", exitPrice),
		slog.Float64("realized_pnl", p.RealizedPnL))
	return nil
}

// Adopt creates a registry record for a position discovered on the venue with
// no local counterpart. It lands OPEN_UNPROTECTED; protection placement is
// the reconciler's next move.
func (r *Registry) Adopt(ctx context.Context, ex domain.ExchangePosition, canonical string, spec domain.InstrumentSpec) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.GetLiveBySymbol(ctx, r.cfg.Account, canonical); err == nil {
		return domain.Position{}, fmt.Errorf("registry: adopt %s: %w", canonical, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, err
	}

	now := time.Now().UTC()
	p := domain.Position{
		ID:               uuid.New().String(),
		Account:          r.cfg.Account,
		Symbol:           canonical,
		VenueSymbol:      ex.Symbol,
		Side:             ex.Side,
		Size:             ex.Size,
		EntryPrice:       ex.EntryPrice,
		MarkPrice:        ex.MarkPrice,
		Leverage:         ex.Leverage,
		MarginUsed:       ex.MarginUsed,
		ProtectionReason: domain.ProtectionReasonAdopted,
		State:            domain.StateOpenUnprotected,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	r.ensureSnapshot(&p, spec)

	if err := r.store.Create(ctx, p); err != nil {
		return domain.Position{}, err
	}
	r.auditEvent(ctx, "position_adopted", map[string]any{
		"symbol":       canonical,
		"venue_symbol": ex.Symbol,
		"side":         string(ex.Side),
		"size":         ex.Size,
		"entry_price":  ex.EntryPrice,
	})
	r.log.Warn("adopted unmanaged position",
		slog.String("symbol", canonical),
		slog.Float64("size", ex.Size))
	return p, nil
}

// RemoveZombie deletes a registry position the venue reports flat. The row is
// marked CLOSED locally; no venue calls are made for zombies.
func (r *Registry) RemoveZombie(ctx context.Context, positionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return err
	}
	before := p.Size
	if err := r.closeLocked(ctx, &p, p.MarkPrice); err != nil {
		return err
	}
	r.auditEvent(ctx, "zombie_removed", map[string]any{
		"symbol":      p.Symbol,
		"size_before": before,
		"reason":      reason,
	})
	return nil
}

// AbortPending closes a PENDING_ENTRY row whose entry never materialized on
// the venue, freeing the symbol for future opens. Only pending rows qualify;
// anything that has seen a fill goes through the normal close paths.
func (r *Registry) AbortPending(ctx context.Context, positionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return err
	}
	if p.State != domain.StatePendingEntry {
		return fmt.Errorf("%w: abort pending in %s (%s)", ErrInvalidTransition, p.State, p.Symbol)
	}
	if err := r.closeLocked(ctx, &p, p.MarkPrice); err != nil {
		return err
	}
	r.auditEvent(ctx, "pending_aborted", map[string]any{
		"symbol":        p.Symbol,
		"requested_qty": p.RequestedQty,
		"reason":        reason,
	})
	return nil
}

// ResyncQty overwrites the local size with the venue-reported quantity after
// a divergence beyond tolerance. The snapshot targets stay untouched.
func (r *Registry) ResyncQty(ctx context.Context, positionID string, venueQty, mark float64) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	before := p.Size
	p.Size = venueQty
	p.MarkPrice = mark
	p.UpdatedAt = time.Now().UTC()
	if err := r.store.Update(ctx, p); err != nil {
		return domain.Position{}, err
	}
	r.auditEvent(ctx, "qty_resynced", map[string]any{
		"symbol":      p.Symbol,
		"size_before": before,
		"size_after":  venueQty,
	})
	r.log.Warn("quantity resynced",
		slog.String("symbol", p.Symbol),
		slog.Float64("before", before),
		slog.Float64("after", venueQty))
	return p, nil
}

// Live returns all live positions for the configured account.
func (r *Registry) Live(ctx context.Context) ([]domain.Position, error) {
	return r.store.GetLive(ctx, r.cfg.Account)
}

// BySymbol returns the live position for one canonical symbol.
func (r *Registry) BySymbol(ctx context.Context, symbol string) (domain.Position, error) {
	return r.store.GetLiveBySymbol(ctx, r.cfg.Account, symbol)
}

// ByID returns a position by id.
func (r *Registry) ByID(ctx context.Context, id string) (domain.Position, error) {
	return r.store.GetByID(ctx, id)
}

// CheckIntegrity scans the registry for violations: duplicate live rows per
// symbol, negative sizes, and remaining size exceeding the initial snapshot.
// The returned count is the number of violations found.
func (r *Registry) CheckIntegrity(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	violations := 0

	dups, err := r.store.CountLiveDuplicates(ctx, r.cfg.Account)
	if err != nil {
		return 0, err
	}
	if dups > 0 {
		violations += dups
		r.log.Error("duplicate live positions detected", slog.Int("keys", dups))
	}

	live, err := r.store.GetLive(ctx, r.cfg.Account)
	if err != nil {
		return 0, err
	}
	for _, p := range live {
		if p.Size < 0 {
			violations++
			r.log.Error("negative size", slog.String("symbol", p.Symbol), slog.Float64("size", p.Size))
		}
		if p.SnapshotTaken && p.Size > p.EntrySizeInitial*(1+1e-6)+math.SmallestNonzeroFloat64 {
			violations++
			r.log.Error("size exceeds initial snapshot",
				slog.String("symbol", p.Symbol),
				slog.Float64("size", p.Size),
				slog.Float64("initial", p.EntrySizeInitial))
		}
		if p.State == domain.StateOpenProtected && (p.StopOrderID == "" || p.StopPrice <= 0) {
			violations++
			r.log.Error("protected without stop", slog.String("symbol", p.Symbol))
		}
	}

	if violations > 0 {
		r.auditEvent(ctx, "integrity_violations", map[string]any{"count": violations})
	}
	return violations, nil
}

func (r *Registry) auditEvent(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.log.Error("audit write failed", slog.String("event", event), slog.Any("error", err))
	}
}
