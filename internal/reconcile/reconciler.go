// Package reconcile diffs venue truth against the position registry and
// repairs divergence: adopts or flattens unmanaged venue positions, removes
// zombie registry rows, resyncs quantity drift, cancels orphan reduce-only
// orders, and verifies protective stops.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/registry"
	"github.com/alanyoungcy/perpbot/internal/risk"
	"github.com/alanyoungcy/perpbot/internal/symbols"
)

// OrderGateway is the slice of the execution gateway the reconciler mutates
// the venue through. Keeping it narrow makes the repair paths testable
// without a full gateway stack.
type OrderGateway interface {
	ForceClose(ctx context.Context, ex domain.ExchangePosition) error
	PlaceStop(ctx context.Context, pos domain.Position, stopPrice float64, reason domain.ProtectionReason) (domain.Position, error)
	CancelOrder(ctx context.Context, orderID string) error
	ClearPending(symbol string, side domain.OrderSide)
}

const (
	TriggerStartup   = "startup"
	TriggerInterval  = "interval"
	TriggerPostBurst = "post_burst"
)

// UnmanagedPolicy decides what happens to a venue position the registry does
// not know about.
type UnmanagedPolicy string

const (
	PolicyAdopt      UnmanagedPolicy = "adopt"
	PolicyForceClose UnmanagedPolicy = "force_close"
)

// Config tunes the reconciler.
type Config struct {
	Policy                  UnmanagedPolicy
	AdoptProtectImmediately bool
	Interval                time.Duration // interval-trigger cadence, default 120s
	QtyTolerancePct         float64       // matched-qty drift before resync, default 0.01
	MaxHealAttempts         int           // protection heals before emergency close, default 3
	PendingEntryGrace       time.Duration // age before an orderless PENDING_ENTRY row is aborted, default 5m
	BreakevenAfterTP1       bool
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = PolicyAdopt
	}
	if c.Interval <= 0 {
		c.Interval = 120 * time.Second
	}
	if c.QtyTolerancePct <= 0 {
		c.QtyTolerancePct = 0.01
	}
	if c.MaxHealAttempts <= 0 {
		c.MaxHealAttempts = 3
	}
	if c.PendingEntryGrace <= 0 {
		c.PendingEntryGrace = 5 * time.Minute
	}
	return c
}

// Reconciler runs the divergence-repair pass. All registry mutations go
// through the registry's own methods; all venue mutations go through the
// execution gateway so its suppression machinery applies.
type Reconciler struct {
	reg       *registry.Registry
	gw        OrderGateway
	venue     domain.ExchangeGateway
	validator *risk.Validator
	log       *slog.Logger
	cfg       Config
}

// New creates a Reconciler.
func New(reg *registry.Registry, gw OrderGateway, venue domain.ExchangeGateway, validator *risk.Validator, log *slog.Logger, cfg Config) *Reconciler {
	return &Reconciler{
		reg:       reg,
		gw:        gw,
		venue:     venue,
		validator: validator,
		log:       log.With(slog.String("component", "reconcile")),
		cfg:       cfg.withDefaults(),
	}
}

// Run executes one full reconciliation pass. On the startup trigger, any
// registry-integrity violation is fatal: the caller must not proceed to the
// trading loop.
func (r *Reconciler) Run(ctx context.Context, trigger string) (domain.ReconciliationReport, error) {
	report := domain.ReconciliationReport{
		StartedAt: time.Now().UTC(),
		Trigger:   trigger,
	}

	violations, err := r.reg.CheckIntegrity(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: integrity check: %w", err)
	}
	report.ViolationsTotal = violations
	if violations > 0 {
		r.log.Error("registry integrity violations",
			slog.Int("violations", violations),
			slog.String("trigger", trigger))
		if trigger == TriggerStartup {
			report.FinishedAt = time.Now().UTC()
			return report, fmt.Errorf("reconcile: %d integrity violations at startup", violations)
		}
	}

	venuePositions, err := r.venue.GetOpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: fetch venue positions: %w", err)
	}
	openOrders, err := r.venue.GetOpenOrders(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: fetch open orders: %w", err)
	}
	live, err := r.reg.Live(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: load registry: %w", err)
	}

	// Symbol-format mismatch must never manufacture a false unmanaged or
	// zombie, so both sides are compared on the canonical key only.
	venueByKey := make(map[string]domain.ExchangePosition, len(venuePositions))
	for _, ex := range venuePositions {
		if ex.Size <= 0 {
			continue
		}
		key := symbols.Normalize(ex.Symbol)
		if key == "" {
			r.log.Warn("unparseable venue symbol skipped", slog.String("symbol", ex.Symbol))
			continue
		}
		venueByKey[key] = ex
	}
	regByKey := make(map[string]domain.Position, len(live))
	for _, p := range live {
		regByKey[p.Symbol] = p
	}

	adopted := make(map[string]struct{})
	for key, ex := range venueByKey {
		pos, known := regByKey[key]
		if !known {
			r.handleUnmanaged(ctx, key, ex, adopted, &report)
			continue
		}
		report.Matched++
		r.resyncMatched(ctx, pos, ex, &report)
	}

	// Symbols with a live non-reduce-only order: an entry is still working
	// there, so its pending row is legitimate.
	entryWorking := make(map[string]struct{})
	for _, o := range openOrders {
		if o.ReduceOnly {
			continue
		}
		if key := symbols.Normalize(o.Symbol); key != "" {
			entryWorking[key] = struct{}{}
		}
	}

	for key, pos := range regByKey {
		if _, onVenue := venueByKey[key]; onVenue {
			continue
		}
		// A pending entry has no venue position until its first fill lands.
		// But a pending row with no working entry order either never reached
		// the venue or was rejected there; past the grace period it is
		// aborted locally so the symbol is not blocked forever.
		if pos.State == domain.StatePendingEntry {
			if _, working := entryWorking[key]; working {
				continue
			}
			if time.Since(pos.OpenedAt) < r.cfg.PendingEntryGrace {
				continue
			}
			if err := r.reg.AbortPending(ctx, pos.ID, "no venue position or entry order past grace"); err != nil {
				r.log.Error("pending abort failed",
					slog.String("symbol", pos.Symbol), slog.Any("error", err))
				continue
			}
			r.gw.ClearPending(pos.Symbol, sideToOrder(pos.Side))
			report.PendingAborted++
			r.log.Warn("stale pending entry aborted",
				slog.String("symbol", pos.Symbol),
				slog.Float64("requested_qty", pos.RequestedQty))
			continue
		}
		// The position is already gone on the venue; removing the row must
		// not submit or cancel anything.
		if err := r.reg.RemoveZombie(ctx, pos.ID, "absent from venue"); err != nil {
			r.log.Error("zombie removal failed",
				slog.String("symbol", pos.Symbol), slog.Any("error", err))
			continue
		}
		r.gw.ClearPending(pos.Symbol, sideToOrder(pos.Side))
		report.ZombiesRemoved++
		r.log.Warn("zombie registry row removed",
			slog.String("symbol", pos.Symbol),
			slog.Float64("size", pos.Size))
	}

	r.cancelOrphans(ctx, openOrders, venueByKey, &report)
	r.protectionPass(ctx, openOrders, venueByKey, adopted, &report)

	report.FinishedAt = time.Now().UTC()
	r.log.Info("reconciliation pass finished",
		slog.String("trigger", trigger),
		slog.Int("matched", report.Matched),
		slog.Int("adopted", report.Adopted),
		slog.Int("force_closed", report.ForceClosed),
		slog.Int("zombies_removed", report.ZombiesRemoved),
		slog.Int("pending_aborted", report.PendingAborted),
		slog.Int("qty_resynced", report.QtyResynced),
		slog.Int("orphans_cancelled", report.OrphansCancelled),
		slog.Int("protection_healed", report.ProtectionHealed))
	return report, nil
}

// RunProtection performs only the protection pass: verify every open
// position carries a live stop, heal the ones that do not, and move stops
// to breakeven after TP1. It runs on a faster cadence than full
// reconciliation because an unprotected position is the single worst state
// the engine can be in.
func (r *Reconciler) RunProtection(ctx context.Context) (domain.ReconciliationReport, error) {
	report := domain.ReconciliationReport{
		StartedAt: time.Now().UTC(),
		Trigger:   "protection",
	}

	venuePositions, err := r.venue.GetOpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: fetch venue positions: %w", err)
	}
	openOrders, err := r.venue.GetOpenOrders(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: fetch open orders: %w", err)
	}

	venueByKey := make(map[string]domain.ExchangePosition, len(venuePositions))
	for _, ex := range venuePositions {
		if ex.Size <= 0 {
			continue
		}
		if key := symbols.Normalize(ex.Symbol); key != "" {
			venueByKey[key] = ex
		}
	}

	r.protectionPass(ctx, openOrders, venueByKey, nil, &report)
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// Loop runs interval-triggered passes until the context is cancelled.
func (r *Reconciler) Loop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Run(ctx, TriggerInterval); err != nil {
				r.log.Error("interval reconciliation failed", slog.Any("error", err))
			}
		}
	}
}

// handleUnmanaged applies the configured policy to a venue position the
// registry does not track. The adopt path never submits an order; the
// force-close path submits exactly one reduce-only close and never adopts.
func (r *Reconciler) handleUnmanaged(ctx context.Context, key string, ex domain.ExchangePosition, adopted map[string]struct{}, report *domain.ReconciliationReport) {
	switch r.cfg.Policy {
	case PolicyForceClose:
		r.log.Error("unmanaged venue position, force closing",
			slog.String("symbol", ex.Symbol),
			slog.String("side", string(ex.Side)),
			slog.Float64("size", ex.Size))
		if err := r.gw.ForceClose(ctx, ex); err != nil {
			r.log.Error("force close failed", slog.String("symbol", ex.Symbol), slog.Any("error", err))
			return
		}
		report.ForceClosed++

	default: // adopt
		spec, err := r.venue.GetInstrumentSpec(ctx, ex.Symbol)
		if err != nil {
			r.log.Error("adopt skipped, no instrument spec",
				slog.String("symbol", ex.Symbol), slog.Any("error", err))
			return
		}
		pos, err := r.reg.Adopt(ctx, ex, key, spec)
		if err != nil {
			r.log.Error("adopt failed", slog.String("symbol", ex.Symbol), slog.Any("error", err))
			return
		}
		adopted[pos.ID] = struct{}{}
		report.Adopted++
		r.log.Warn("unmanaged venue position adopted",
			slog.String("symbol", key),
			slog.String("side", string(ex.Side)),
			slog.Float64("size", ex.Size))

		if r.cfg.AdoptProtectImmediately {
			stop := r.validator.StopPrice(pos.Side, pos.EntryPrice, spec)
			if _, err := r.gw.PlaceStop(ctx, pos, stop, domain.ProtectionReasonAdopted); err != nil {
				r.log.Error("adopted position left unprotected",
					slog.String("symbol", key), slog.Any("error", err))
			}
		}
	}
}

// resyncMatched pushes venue truth into a matched registry row: the mark
// always, the quantity only past the drift tolerance.
func (r *Reconciler) resyncMatched(ctx context.Context, pos domain.Position, ex domain.ExchangePosition, report *domain.ReconciliationReport) {
	drift := 0.0
	if pos.Size > 0 {
		drift = math.Abs(ex.Size-pos.Size) / pos.Size
	} else if ex.Size > 0 {
		drift = 1
	}
	if drift > r.cfg.QtyTolerancePct {
		if _, err := r.reg.ResyncQty(ctx, pos.ID, ex.Size, ex.MarkPrice); err != nil {
			r.log.Error("qty resync failed", slog.String("symbol", pos.Symbol), slog.Any("error", err))
			return
		}
		report.QtyResynced++
		r.log.Warn("quantity resynced to venue",
			slog.String("symbol", pos.Symbol),
			slog.Float64("registry_size", pos.Size),
			slog.Float64("venue_size", ex.Size))
		return
	}
	if err := r.reg.UpdateMark(ctx, pos.ID, ex.MarkPrice); err != nil {
		r.log.Error("mark update failed", slog.String("symbol", pos.Symbol), slog.Any("error", err))
	}
}

// cancelOrphans cancels reduce-only orders on symbols with no open venue
// position. Non-reduce-only orders are left alone; they may be entries the
// pending map still tracks.
func (r *Reconciler) cancelOrphans(ctx context.Context, orders []domain.VenueOrder, venueByKey map[string]domain.ExchangePosition, report *domain.ReconciliationReport) {
	for _, o := range orders {
		if !o.ReduceOnly {
			continue
		}
		key := symbols.Normalize(o.Symbol)
		if key == "" {
			continue
		}
		if _, has := venueByKey[key]; has {
			continue
		}
		if err := r.gw.CancelOrder(ctx, o.OrderID); err != nil {
			r.log.Error("orphan cancel failed",
				slog.String("symbol", o.Symbol),
				slog.String("order_id", o.OrderID),
				slog.Any("error", err))
			continue
		}
		report.OrphansCancelled++
		r.log.Warn("orphan reduce-only order cancelled",
			slog.String("symbol", o.Symbol),
			slog.String("order_id", o.OrderID))
	}
}

func sideToOrder(side domain.PositionSide) domain.OrderSide {
	if side == domain.PositionSideShort {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}
