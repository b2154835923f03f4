// Package execution is the single choke point for order submission. Every
// order the system sends - entries, trims, protective stops, emergency
// closes - passes through Gateway, which owns idempotency and per-symbol
// serialization.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/registry"
	"github.com/alanyoungcy/perpbot/internal/symbols"
)

// StateSource exposes the current system state. The monitor owns writes;
// the gateway only reads, immediately before each lock acquisition.
type StateSource interface {
	Current(ctx context.Context) (domain.SystemState, error)
}

// Config carries the gateway's operational parameters.
type Config struct {
	Account           string
	LockTTL           time.Duration
	IntentLookback    time.Duration
	CooldownAfterTrim time.Duration
	DryRun            bool
}

// pendingOrder is one submission awaiting venue confirmation.
type pendingOrder struct {
	ClientID string
	OrderID  string
	Symbol   string // canonical
	Side     domain.OrderSide
	Placed   time.Time
}

// Result summarizes one plan execution.
type Result struct {
	Submitted  int
	Suppressed int
	Failed     int
}

// Attempted reports how many orders actually went out toward the venue.
// Failed submissions count: the venue may have accepted an order even when
// the call errored, so they still warrant a reconciliation pass.
func (r Result) Attempted() int {
	return r.Submitted + r.Failed
}

// Gateway executes allocation plans and protective orders against the venue.
type Gateway struct {
	venue     domain.ExchangeGateway
	reg       *registry.Registry
	locks     domain.LockManager
	intents   domain.IntentStore
	reports   domain.CycleReportStore
	cooldowns domain.CooldownCache
	state     StateSource
	log       *slog.Logger
	cfg       Config

	mu      sync.Mutex
	seen    map[string]time.Time    // intent hashes, in-memory mirror
	pending map[string]pendingOrder // keyed by canonical symbol + "|" + side
}

// New creates a Gateway.
func New(venue domain.ExchangeGateway, reg *registry.Registry, locks domain.LockManager, intents domain.IntentStore, reports domain.CycleReportStore, cooldowns domain.CooldownCache, state StateSource, log *slog.Logger, cfg Config) *Gateway {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.IntentLookback <= 0 {
		cfg.IntentLookback = 24 * time.Hour
	}
	return &Gateway{
		venue:     venue,
		reg:       reg,
		locks:     locks,
		intents:   intents,
		reports:   reports,
		cooldowns: cooldowns,
		state:     state,
		log:       log.With(slog.String("component", "execution")),
		cfg:       cfg,
		seen:      make(map[string]time.Time),
		pending:   make(map[string]pendingOrder),
	}
}

// WarmIntents reloads persisted intent hashes over the lookback window so a
// restart cannot resubmit what the previous process already sent.
func (g *Gateway) WarmIntents(ctx context.Context) error {
	since := time.Now().Add(-g.cfg.IntentLookback)
	intents, err := g.intents.LoadSince(ctx, since)
	if err != nil {
		return fmt.Errorf("execution: warm intents: %w", err)
	}
	g.mu.Lock()
	for _, in := range intents {
		g.seen[in.Hash] = in.CreatedAt
	}
	g.mu.Unlock()
	g.log.Info("intent hashes reloaded", slog.Int("count", len(intents)))
	return nil
}

// ExecutePlan submits a plan's closes first, then its opens. Failures and
// suppressions affect only their own order, never the rest of the plan.
func (g *Gateway) ExecutePlan(ctx context.Context, plan domain.AllocationPlan) Result {
	var res Result

	for _, cl := range plan.Closes {
		switch err := g.SubmitClose(ctx, cl); {
		case err == nil:
			res.Submitted++
		case isSuppression(err):
			res.Suppressed++
		default:
			res.Failed++
			g.log.Error("close submission failed",
				slog.String("symbol", cl.Symbol), slog.Any("error", err))
		}
	}

	for _, open := range plan.Opens {
		switch err := g.SubmitOpen(ctx, open); {
		case err == nil:
			res.Submitted++
		case isSuppression(err):
			res.Suppressed++
		default:
			res.Failed++
			g.log.Error("open submission failed",
				slog.String("symbol", open.Symbol), slog.Any("error", err))
		}
	}
	return res
}

func isSuppression(err error) bool {
	return errors.Is(err, domain.ErrDuplicateIntent) ||
		errors.Is(err, domain.ErrLockHeld) ||
		errors.Is(err, domain.ErrHalted) ||
		errors.Is(err, domain.ErrAlreadyExists)
}

// SubmitOpen runs the full admission gauntlet for one planned open: system
// state, per-symbol lock, intent hash (memory and persisted), venue
// open-order check, local pending map. Any gate firing rejects the
// submission without hitting the venue.
func (g *Gateway) SubmitOpen(ctx context.Context, open domain.PlannedOpen) error {
	metricOrdersAttempted.Inc()

	// Kill switch first, before any lock is even requested.
	st, err := g.state.Current(ctx)
	if err != nil {
		return fmt.Errorf("execution: read system state: %w", err)
	}
	if !st.AllowsEntries() {
		metricOrdersSuppressed.WithLabelValues("halted").Inc()
		return fmt.Errorf("execution: open %s: %w", open.Symbol, domain.ErrHalted)
	}

	key := symbols.Normalize(open.Symbol)
	unlock, err := g.locks.Acquire(ctx, "submit:"+key, g.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			metricOrdersSuppressed.WithLabelValues("lock_held").Inc()
		}
		return fmt.Errorf("execution: open %s: %w", open.Symbol, err)
	}
	defer unlock()

	intent := IntentFor(open, time.Now())
	if g.intentSeen(ctx, intent.Hash) {
		metricOrdersSuppressed.WithLabelValues("intent_dup").Inc()
		return fmt.Errorf("execution: open %s: %w", open.Symbol, domain.ErrDuplicateIntent)
	}

	side := sideFor(open.Side)
	if dup, err := g.venuePendingMatch(ctx, key, side); err != nil {
		return fmt.Errorf("execution: open %s: venue order check: %w", open.Symbol, err)
	} else if dup {
		metricOrdersSuppressed.WithLabelValues("venue_pending").Inc()
		return fmt.Errorf("execution: open %s: venue pending order: %w", open.Symbol, domain.ErrDuplicateIntent)
	}

	if g.pendingHeld(key, side) {
		metricOrdersSuppressed.WithLabelValues("local_pending").Inc()
		return fmt.Errorf("execution: open %s: local pending order: %w", open.Symbol, domain.ErrDuplicateIntent)
	}

	// All gates passed: record the intent before the venue call so a crash
	// between the two suppresses the retry instead of double-sending.
	if err := g.intents.Record(ctx, intent); err != nil {
		if errors.Is(err, domain.ErrDuplicateIntent) {
			metricOrdersSuppressed.WithLabelValues("intent_dup").Inc()
			return fmt.Errorf("execution: open %s: %w", open.Symbol, domain.ErrDuplicateIntent)
		}
		return fmt.Errorf("execution: open %s: record intent: %w", open.Symbol, err)
	}
	g.mu.Lock()
	g.seen[intent.Hash] = intent.CreatedAt
	g.mu.Unlock()

	if g.cfg.DryRun {
		g.log.Info("dry run: open skipped", slog.String("symbol", key), slog.Float64("qty", open.Qty))
		return nil
	}

	leverage := 1.0
	if open.Margin > 0 {
		leverage = open.Notional / open.Margin
	}
	pos, err := g.reg.OpenPending(ctx, key, open.VenueSymbol, open.Side, open.Qty, leverage, open.Notional/maxQty(open.Qty))
	if errors.Is(err, domain.ErrAlreadyExists) {
		// A live same-side position makes this a scale-in: the entry order
		// goes out against the existing row and its fills accumulate there.
		pos, err = g.reg.BySymbol(ctx, key)
		if err != nil {
			return fmt.Errorf("execution: open %s: %w", open.Symbol, err)
		}
		if pos.Side != open.Side || pos.Locked() {
			return fmt.Errorf("execution: open %s: %w", open.Symbol, domain.ErrAlreadyExists)
		}
	} else if err != nil {
		return fmt.Errorf("execution: open %s: %w", open.Symbol, err)
	}

	clientID := uuid.New().String()
	req := domain.OrderRequest{
		ClientID:    clientID,
		Symbol:      key,
		VenueSymbol: open.VenueSymbol,
		Side:        side,
		Type:        domain.OrderTypeMarket,
		Qty:         open.Qty,
		SignalType:  open.SignalType,
	}

	ref, err := g.venue.PlaceOrder(ctx, req)
	if err != nil {
		metricOrdersFailed.Inc()
		metricAPIErrors.Inc()
		// The pending row stays; reconciliation decides whether the order
		// reached the venue despite the error.
		return fmt.Errorf("execution: open %s: place order: %w", open.Symbol, err)
	}
	metricOrdersPlaced.Inc()
	g.trackPending(key, side, clientID, ref.OrderID)
	g.recordSubmission(ctx, key)

	g.log.Info("entry submitted",
		slog.String("symbol", key),
		slog.String("side", string(open.Side)),
		slog.Float64("qty", open.Qty),
		slog.String("order_id", ref.OrderID),
		slog.String("position_id", pos.ID))
	return nil
}

// SubmitClose submits a reduce-only close or trim. Closes run even under
// HALTED: existing positions stay managed when entries are blocked.
func (g *Gateway) SubmitClose(ctx context.Context, cl domain.PlannedClose) error {
	metricOrdersAttempted.Inc()

	key := symbols.Normalize(cl.Symbol)
	unlock, err := g.locks.Acquire(ctx, "submit:"+key, g.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			metricOrdersSuppressed.WithLabelValues("lock_held").Inc()
		}
		return fmt.Errorf("execution: close %s: %w", cl.Symbol, err)
	}
	defer unlock()

	if g.cfg.DryRun {
		g.log.Info("dry run: close skipped", slog.String("symbol", key), slog.Float64("qty", cl.Qty))
		return nil
	}

	if _, err := g.reg.BeginPartialClose(ctx, cl.PositionID); err != nil {
		return fmt.Errorf("execution: close %s: %w", cl.Symbol, err)
	}

	req := domain.OrderRequest{
		ClientID:    uuid.New().String(),
		Symbol:      key,
		VenueSymbol: cl.VenueSymbol,
		Side:        sideFor(cl.Side).Opposite(),
		Type:        domain.OrderTypeMarket,
		Qty:         cl.Qty,
		ReduceOnly:  true,
	}

	ref, err := g.venue.PlaceOrder(ctx, req)
	if err != nil {
		metricOrdersFailed.Inc()
		metricAPIErrors.Inc()
		return fmt.Errorf("execution: close %s: place order: %w", cl.Symbol, err)
	}
	metricOrdersPlaced.Inc()
	g.recordSubmission(ctx, key)

	if !cl.Full && g.cooldowns != nil && g.cfg.CooldownAfterTrim > 0 {
		if err := g.cooldowns.Mark(ctx, key, g.cfg.CooldownAfterTrim); err != nil {
			g.log.Warn("cooldown mark failed", slog.String("symbol", key), slog.Any("error", err))
		}
	}

	g.log.Info("reduce-only close submitted",
		slog.String("symbol", key),
		slog.Float64("qty", cl.Qty),
		slog.Bool("full", cl.Full),
		slog.String("reason", cl.Reason),
		slog.String("order_id", ref.OrderID))
	return nil
}

// PlaceStop submits a reduce-only protective stop for a position and records
// the verified protection in the registry.
func (g *Gateway) PlaceStop(ctx context.Context, pos domain.Position, stopPrice float64, reason domain.ProtectionReason) (domain.Position, error) {
	if stopPrice <= 0 {
		return domain.Position{}, fmt.Errorf("execution: place stop %s: non-positive stop", pos.Symbol)
	}
	req := domain.OrderRequest{
		ClientID:    uuid.New().String(),
		Symbol:      pos.Symbol,
		VenueSymbol: pos.VenueSymbol,
		Side:        sideFor(pos.Side).Opposite(),
		Type:        domain.OrderTypeStop,
		Qty:         pos.Size,
		StopPrice:   stopPrice,
		ReduceOnly:  true,
	}

	ref, err := g.venue.PlaceOrder(ctx, req)
	if err != nil {
		metricAPIErrors.Inc()
		return domain.Position{}, fmt.Errorf("execution: place stop %s: %w", pos.Symbol, err)
	}
	return g.reg.MarkProtected(ctx, pos.ID, stopPrice, ref.OrderID, reason)
}

// PlaceTakeProfits submits the TP ladder for a protected position. Each level
// requests min(snapshot target, remaining size), reduce-only. Unprotected
// positions are a hard refusal.
func (g *Gateway) PlaceTakeProfits(ctx context.Context, pos domain.Position, tp1Price, tp2Price float64) (domain.Position, error) {
	if pos.State != domain.StateOpenProtected {
		return domain.Position{}, fmt.Errorf("execution: take profits %s: position not protected", pos.Symbol)
	}

	type level struct {
		price  float64
		target float64
	}
	levels := []level{
		{tp1Price, pos.TP1QtyTarget},
		{tp2Price, pos.TP2QtyTarget},
	}

	var ids []string
	remaining := pos.Size
	for _, lv := range levels {
		qty := lv.target
		if qty > remaining {
			qty = remaining
		}
		if qty <= 0 || lv.price <= 0 {
			continue
		}
		ref, err := g.venue.PlaceOrder(ctx, domain.OrderRequest{
			ClientID:    uuid.New().String(),
			Symbol:      pos.Symbol,
			VenueSymbol: pos.VenueSymbol,
			Side:        sideFor(pos.Side).Opposite(),
			Type:        domain.OrderTypeTakeProfit,
			Qty:         qty,
			StopPrice:   lv.price,
			ReduceOnly:  true,
		})
		if err != nil {
			metricAPIErrors.Inc()
			return domain.Position{}, fmt.Errorf("execution: take profits %s: %w", pos.Symbol, err)
		}
		ids = append(ids, ref.OrderID)
		remaining -= qty
	}
	if len(ids) == 0 {
		return pos, nil
	}
	return g.reg.AttachTPOrders(ctx, pos.ID, ids)
}

// ForceClose submits a reduce-only market close for an exchange position with
// no registry row. Used exactly once per unmanaged position under the
// force_close policy.
func (g *Gateway) ForceClose(ctx context.Context, ex domain.ExchangePosition) error {
	ref, err := g.venue.PlaceOrder(ctx, domain.OrderRequest{
		ClientID:    uuid.New().String(),
		Symbol:      symbols.Normalize(ex.Symbol),
		VenueSymbol: ex.Symbol,
		Side:        sideFor(ex.Side).Opposite(),
		Type:        domain.OrderTypeMarket,
		Qty:         ex.Size,
		ReduceOnly:  true,
	})
	if err != nil {
		metricAPIErrors.Inc()
		return fmt.Errorf("execution: force close %s: %w", ex.Symbol, err)
	}
	g.log.Error("unmanaged position force-closed",
		slog.String("symbol", ex.Symbol),
		slog.Float64("qty", ex.Size),
		slog.String("order_id", ref.OrderID))
	return nil
}

// CancelOrder cancels one venue order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := g.venue.CancelOrder(ctx, orderID); err != nil {
		metricAPIErrors.Inc()
		return fmt.Errorf("execution: cancel %s: %w", orderID, err)
	}
	return nil
}

// ClearPending drops a local pending entry once the order is confirmed filled
// or cancelled.
func (g *Gateway) ClearPending(symbol string, side domain.OrderSide) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, pendingKey(symbols.Normalize(symbol), side))
	metricPendingOrders.Set(float64(len(g.pending)))
}

func (g *Gateway) intentSeen(ctx context.Context, hash string) bool {
	g.mu.Lock()
	_, inMem := g.seen[hash]
	g.mu.Unlock()
	if inMem {
		return true
	}
	exists, err := g.intents.Exists(ctx, hash)
	if err != nil {
		g.log.Warn("persisted intent check failed", slog.Any("error", err))
		return false
	}
	return exists
}

// venuePendingMatch asks the venue for its open orders and looks for a
// non-reduce-only order already working the same symbol and side.
func (g *Gateway) venuePendingMatch(ctx context.Context, key string, side domain.OrderSide) (bool, error) {
	orders, err := g.venue.GetOpenOrders(ctx)
	if err != nil {
		metricAPIErrors.Inc()
		return false, err
	}
	for _, o := range orders {
		if o.ReduceOnly {
			continue
		}
		if symbols.Normalize(o.Symbol) == key && o.Side == side {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gateway) pendingHeld(key string, side domain.OrderSide) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[pendingKey(key, side)]
	return ok
}

func (g *Gateway) trackPending(key string, side domain.OrderSide, clientID, orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[pendingKey(key, side)] = pendingOrder{
		ClientID: clientID,
		OrderID:  orderID,
		Symbol:   key,
		Side:     side,
		Placed:   time.Now(),
	}
	metricPendingOrders.Set(float64(len(g.pending)))
}

func (g *Gateway) recordSubmission(ctx context.Context, key string) {
	if g.reports == nil {
		return
	}
	if err := g.reports.RecordSubmission(ctx, key, time.Now().UTC()); err != nil {
		g.log.Warn("record submission failed", slog.String("symbol", key), slog.Any("error", err))
	}
}

func pendingKey(symbol string, side domain.OrderSide) string {
	return symbol + "|" + string(side)
}

func maxQty(q float64) float64 {
	if q <= 0 {
		return 1
	}
	return q
}
