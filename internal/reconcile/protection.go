package reconcile

import (
	"context"
	"log/slog"
	"math"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/symbols"
)

const qtyEpsilon = 1e-9

// protectionPass verifies that every live position's stop-loss actually
// exists on the venue and heals missing protection. Recovery precedence for a
// missing stop: the stored authoritative stop price first, then a reduce-only
// stop discovered in the venue's open orders, then a freshly derived price.
// A stop price is never recorded without a live order id behind it.
func (r *Reconciler) protectionPass(ctx context.Context, orders []domain.VenueOrder, venueByKey map[string]domain.ExchangePosition, adoptedThisPass map[string]struct{}, report *domain.ReconciliationReport) {
	live, err := r.reg.Live(ctx)
	if err != nil {
		r.log.Error("protection pass skipped", slog.Any("error", err))
		return
	}

	byID := make(map[string]domain.VenueOrder, len(orders))
	stopsByKey := make(map[string][]domain.VenueOrder)
	for _, o := range orders {
		byID[o.OrderID] = o
		if o.ReduceOnly && o.Type == domain.OrderTypeStop {
			key := symbols.Normalize(o.Symbol)
			stopsByKey[key] = append(stopsByKey[key], o)
		}
	}

	for _, pos := range live {
		if pos.State == domain.StatePendingEntry || pos.Size <= 0 {
			continue
		}
		// Adoption defers protection to the next pass unless immediate
		// protection was configured, in which case it already happened.
		if _, justAdopted := adoptedThisPass[pos.ID]; justAdopted {
			continue
		}
		if _, onVenue := venueByKey[pos.Symbol]; !onVenue {
			continue // freshly removed or still settling, next pass decides
		}

		if pos.Protected && pos.StopOrderID != "" {
			if _, alive := byID[pos.StopOrderID]; alive {
				r.maybeMoveBreakeven(ctx, pos, report)
				continue
			}
			r.log.Warn("stop order missing on venue",
				slog.String("symbol", pos.Symbol),
				slog.String("stop_order_id", pos.StopOrderID))
			updated, err := r.reg.MarkUnprotected(ctx, pos.ID)
			if err != nil {
				r.log.Error("mark unprotected failed", slog.String("symbol", pos.Symbol), slog.Any("error", err))
				continue
			}
			pos = updated
		}

		if !pos.Protected {
			r.healProtection(ctx, pos, venueByKey, stopsByKey, report)
		}
	}
}

func (r *Reconciler) healProtection(ctx context.Context, pos domain.Position, venueByKey map[string]domain.ExchangePosition, stopsByKey map[string][]domain.VenueOrder, report *domain.ReconciliationReport) {
	if pos.HealAttempts >= r.cfg.MaxHealAttempts {
		r.log.Error("protection heal budget exhausted, emergency closing",
			slog.String("symbol", pos.Symbol),
			slog.Int("heal_attempts", pos.HealAttempts))
		if ex, ok := venueByKey[pos.Symbol]; ok {
			if err := r.gw.ForceClose(ctx, ex); err != nil {
				r.log.Error("emergency close failed", slog.String("symbol", pos.Symbol), slog.Any("error", err))
				return
			}
			report.ForceClosed++
		}
		return
	}

	// A stop order already live on the venue for this symbol means protection
	// exists and only the registry forgot it.
	if stop, ok := matchingStop(stopsByKey[pos.Symbol], pos.Side); ok {
		if _, err := r.reg.MarkProtected(ctx, pos.ID, stop.StopPrice, stop.OrderID, domain.ProtectionReasonRecovered); err != nil {
			r.log.Error("stop recovery failed", slog.String("symbol", pos.Symbol), slog.Any("error", err))
			return
		}
		report.ProtectionHealed++
		r.log.Info("stop recovered from venue order",
			slog.String("symbol", pos.Symbol),
			slog.String("order_id", stop.OrderID))
		return
	}

	stopPrice := pos.StopPrice
	if stopPrice <= 0 {
		spec, err := r.venue.GetInstrumentSpec(ctx, pos.VenueSymbol)
		if err != nil {
			r.log.Error("heal skipped, no instrument spec",
				slog.String("symbol", pos.Symbol), slog.Any("error", err))
			return
		}
		stopPrice = r.validator.StopPrice(pos.Side, pos.EntryPrice, spec)
	}

	if _, err := r.gw.PlaceStop(ctx, pos, stopPrice, domain.ProtectionReasonHealed); err != nil {
		r.log.Error("protection heal failed",
			slog.String("symbol", pos.Symbol),
			slog.Int("heal_attempts", pos.HealAttempts),
			slog.Any("error", err))
		return
	}
	report.ProtectionHealed++
	r.log.Info("protection healed",
		slog.String("symbol", pos.Symbol),
		slog.Float64("stop_price", stopPrice))
}

// maybeMoveBreakeven moves the stop to entry once the TP1 target quantity has
// been taken off.
func (r *Reconciler) maybeMoveBreakeven(ctx context.Context, pos domain.Position, report *domain.ReconciliationReport) {
	if !r.cfg.BreakevenAfterTP1 || !pos.SnapshotTaken || pos.TP1QtyTarget <= 0 {
		return
	}
	closed := pos.EntrySizeInitial - pos.Size
	if closed+qtyEpsilon < pos.TP1QtyTarget {
		return
	}
	if atOrPastBreakeven(pos) {
		return
	}

	if err := r.gw.CancelOrder(ctx, pos.StopOrderID); err != nil {
		r.log.Error("breakeven stop cancel failed",
			slog.String("symbol", pos.Symbol), slog.Any("error", err))
		return
	}
	if _, err := r.gw.PlaceStop(ctx, pos, pos.EntryPrice, domain.ProtectionReasonHealed); err != nil {
		// Old stop is gone; the next pass sees the missing order id and
		// re-enters the heal path.
		r.log.Error("breakeven stop replace failed",
			slog.String("symbol", pos.Symbol), slog.Any("error", err))
		return
	}
	if !pos.TrailingActive {
		if err := r.reg.SetTrailing(ctx, pos.ID, true); err != nil {
			r.log.Error("trailing activation failed",
				slog.String("symbol", pos.Symbol), slog.Any("error", err))
		}
	}
	report.ProtectionHealed++
	r.log.Info("stop moved to breakeven",
		slog.String("symbol", pos.Symbol),
		slog.Float64("stop_price", pos.EntryPrice))
}

func matchingStop(stops []domain.VenueOrder, side domain.PositionSide) (domain.VenueOrder, bool) {
	want := domain.OrderSideSell
	if side == domain.PositionSideShort {
		want = domain.OrderSideBuy
	}
	for _, o := range stops {
		if o.Side == want && o.StopPrice > 0 {
			return o, true
		}
	}
	return domain.VenueOrder{}, false
}

func atOrPastBreakeven(pos domain.Position) bool {
	if pos.Side == domain.PositionSideShort {
		return pos.StopPrice <= pos.EntryPrice+math.Abs(pos.EntryPrice)*1e-9
	}
	return pos.StopPrice >= pos.EntryPrice-math.Abs(pos.EntryPrice)*1e-9
}
