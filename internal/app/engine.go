package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/auction"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/execution"
	"github.com/alanyoungcy/perpbot/internal/monitor"
	"github.com/alanyoungcy/perpbot/internal/reconcile"
	"github.com/alanyoungcy/perpbot/internal/registry"
	"github.com/alanyoungcy/perpbot/internal/risk"
	"github.com/alanyoungcy/perpbot/internal/symbols"
	"github.com/alanyoungcy/perpbot/internal/venue"
)

// Engine bundles the domain components built on top of wired dependencies
// and drives them through the configured mode's loops.
type Engine struct {
	cfg  *config.Config
	log  *slog.Logger
	deps *Dependencies

	registry   *registry.Registry
	validator  *risk.Validator
	allocator  *auction.Allocator
	monitor    *monitor.Monitor
	gateway    *execution.Gateway
	reconciler *reconcile.Reconciler
}

// buildEngine constructs the engine components from wired dependencies.
// Config percentages are human-scale (2.0 means 2%); the risk and monitor
// layers work in fractions, so the division happens here and only here.
func buildEngine(cfg *config.Config, logger *slog.Logger, deps *Dependencies) *Engine {
	reg := registry.New(deps.PositionStore, deps.AuditStore, logger, registry.Config{
		Account:         cfg.Venue.Account,
		TP1SizeFraction: cfg.Risk.TP1SizeFraction,
		TP2SizeFraction: cfg.Risk.TP2SizeFraction,
	})

	validator := risk.New(risk.Limits{
		RiskPerTradePct:   cfg.Risk.RiskPerTradePct / 100,
		MaxLeverage:       cfg.Risk.MaxLeverage,
		MaxPositions:      cfg.Risk.MaxPositions,
		MaxPositionMargin: cfg.Risk.MaxPositionMargin,
		MaxUtilization:    cfg.Risk.MaxUtilization,
		MinNotional:       cfg.Risk.MinNotional,
		SnapshotMaxAge:    cfg.Risk.SnapshotMaxAge.Duration,
		StopLossPct:       cfg.Risk.StopLossPct / 100,
		TP1Pct:            cfg.Risk.TP1Pct / 100,
		TP2Pct:            cfg.Risk.TP2Pct / 100,
	})

	mon := monitor.New(deps.StateStore, deps.AuditStore, logger, monitor.Thresholds{
		DrawdownWarnPct:      cfg.Monitor.DrawdownWarnPct / 100,
		DrawdownCriticalPct:  cfg.Monitor.DrawdownCriticalPct / 100,
		DrawdownEmergencyPct: cfg.Monitor.DrawdownEmergencyPct / 100,
		NotionalWarn:         cfg.Monitor.NotionalWarn,
		NotionalCritical:     cfg.Monitor.NotionalCritical,
		UtilizationWarn:      cfg.Monitor.UtilizationWarn,
		UtilizationCritical:  cfg.Monitor.UtilizationCritical,
		RejectRateWarn:       cfg.Monitor.RejectRateWarn,
		RejectRateCritical:   cfg.Monitor.RejectRateCritical,
		APIErrorRateWarn:     cfg.Monitor.APIErrorRateWarn,
		APIErrorRateCritical: cfg.Monitor.APIErrorRateCritical,
		DegradedSizingFactor: cfg.Monitor.DegradedSizingFactor,
	})

	alloc := auction.New(deps.Venue, validator, deps.Cooldowns, deps.ReportStore, logger, auction.Config{
		MaxPerSymbol:      cfg.Allocator.MaxPerSymbol,
		MaxReductions:     cfg.Allocator.MaxReductions,
		MaxMarginFreed:    cfg.Allocator.MaxMarginFreed,
		CooldownAfterTrim: cfg.Allocator.CooldownAfterTrim.Duration,
		MinScore:          cfg.Allocator.MinScore,
		ReplaceThreshold:  cfg.Allocator.ReplaceThreshold,
		SymbolWorkers:     cfg.Engine.SymbolWorkers,
		DefaultLeverage:   cfg.Risk.MaxLeverage,
	})

	gw := execution.New(deps.Venue, reg, deps.LockManager, deps.IntentStore, deps.ReportStore, deps.Cooldowns, mon, logger, execution.Config{
		Account:           cfg.Venue.Account,
		IntentLookback:    cfg.Engine.IntentLookback.Duration,
		CooldownAfterTrim: cfg.Allocator.CooldownAfterTrim.Duration,
		DryRun:            cfg.Engine.DryRun,
	})

	rec := reconcile.New(reg, gw, deps.Venue, validator, logger, reconcile.Config{
		Policy:                  reconcile.UnmanagedPolicy(cfg.Engine.UnmanagedPolicy),
		AdoptProtectImmediately: cfg.Engine.AdoptProtectImmediately,
		Interval:                cfg.Engine.ReconcileInterval.Duration,
		PendingEntryGrace:       cfg.Engine.PendingEntryGrace.Duration,
		BreakevenAfterTP1:       true,
	})

	return &Engine{
		cfg:        cfg,
		log:        logger.With(slog.String("component", "engine")),
		deps:       deps,
		registry:   reg,
		validator:  validator,
		allocator:  alloc,
		monitor:    mon,
		gateway:    gw,
		reconciler: rec,
	}
}

// RunTrade runs the full engine: startup reconciliation, then the tick loop,
// interval reconciliation, protection passes, the fill feed, and retention,
// all supervised by one errgroup. Startup order matters: state is restored
// before intents are warmed, and the trading loop never starts if startup
// reconciliation finds registry-integrity violations.
func (e *Engine) RunTrade(ctx context.Context) error {
	if err := e.monitor.Load(ctx); err != nil {
		return err
	}
	if err := e.gateway.WarmIntents(ctx); err != nil {
		return err
	}
	if _, err := e.reconciler.Run(ctx, reconcile.TriggerStartup); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.tickLoop(ctx) })
	g.Go(func() error { return e.reconciler.Loop(ctx) })
	g.Go(func() error { return e.protectionLoop(ctx) })
	g.Go(func() error { return e.retentionLoop(ctx) })

	if e.cfg.Venue.WsURL != "" {
		feed := venue.NewFillFeed(e.cfg.Venue.WsURL, e.cfg.Venue.ApiKey, e.cfg.Venue.ApiSecret, e.applyFill, e.log)
		g.Go(func() error { return feed.Run(ctx) })
	}

	return g.Wait()
}

// RunReconcileOnce performs a single full reconciliation pass and exits.
// Meant for operator use after manual intervention on the venue; it runs
// with startup semantics so integrity violations surface as a non-zero exit.
func (e *Engine) RunReconcileOnce(ctx context.Context) error {
	report, err := e.reconciler.Run(ctx, reconcile.TriggerStartup)
	if err != nil {
		return err
	}
	e.log.InfoContext(ctx, "reconciliation complete",
		slog.Int("matched", report.Matched),
		slog.Int("adopted", report.Adopted),
		slog.Int("force_closed", report.ForceClosed),
		slog.Int("zombies_removed", report.ZombiesRemoved),
		slog.Int("qty_resynced", report.QtyResynced),
		slog.Int("orphans_cancelled", report.OrphansCancelled),
		slog.Int("protection_healed", report.ProtectionHealed))
	return nil
}

// RunMonitor runs the invariant monitor read-only: it evaluates thresholds
// on every tick but never plans, submits, or reconciles. Useful as a
// watchdog next to a halted trading process.
func (e *Engine) RunMonitor(ctx context.Context) error {
	if err := e.monitor.Load(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(e.cfg.Engine.TickInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := e.collectStats(ctx, 0)
			if err != nil {
				e.log.WarnContext(ctx, "stats collection failed", slog.Any("error", err))
				continue
			}
			if _, err := e.monitor.Evaluate(ctx, stats); err != nil {
				e.log.ErrorContext(ctx, "monitor evaluation failed", slog.Any("error", err))
			}
		}
	}
}

// tickLoop drives one allocation cycle per tick.
func (e *Engine) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Engine.TickInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

// cycle is one full engine iteration: candidates in, plan built, plan
// executed, post-burst reconciliation, monitor evaluation, report persisted.
// Errors inside a cycle are logged and the cycle abandoned; the next tick
// starts clean.
func (e *Engine) cycle(ctx context.Context) {
	started := time.Now().UTC()

	candidates, err := e.deps.Signals.Candidates(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "candidate fetch failed", slog.Any("error", err))
		return
	}

	live, err := e.registry.Live(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "registry load failed", slog.Any("error", err))
		return
	}

	plan, err := e.allocator.BuildPlan(ctx, candidates, live)
	if err != nil {
		e.log.ErrorContext(ctx, "plan build failed", slog.Any("error", err))
		return
	}

	result := e.gateway.ExecutePlan(ctx, plan)

	var recReport domain.ReconciliationReport
	if result.Attempted() > 0 {
		recReport, err = e.reconciler.Run(ctx, reconcile.TriggerPostBurst)
		if err != nil {
			e.log.ErrorContext(ctx, "post-burst reconciliation failed", slog.Any("error", err))
		}
	}

	rejectRate := 0.0
	if attempts := len(plan.Opens) + len(plan.Closes) + len(plan.Rejections); attempts > 0 {
		rejectRate = float64(len(plan.Rejections)+result.Failed) / float64(attempts)
	}
	stats, err := e.collectStats(ctx, rejectRate)
	if err != nil {
		e.log.WarnContext(ctx, "stats collection failed", slog.Any("error", err))
	} else {
		next, err := e.monitor.Evaluate(ctx, stats)
		if err != nil {
			e.log.ErrorContext(ctx, "monitor evaluation failed", slog.Any("error", err))
		} else if next == domain.StateEmergency {
			e.flatten(ctx)
		}
	}

	report := domain.CycleReport{
		CycleID:       plan.CycleID,
		StartedAt:     started,
		FinishedAt:    time.Now().UTC(),
		State:         e.monitor.Record().State,
		Candidates:    len(candidates),
		PlannedOpens:  len(plan.Opens),
		PlannedCloses: len(plan.Closes),
		Rejections:    len(plan.Rejections),
		Submitted:     result.Submitted,
		Suppressed:    result.Suppressed,
		Reconcile:     recReport,
	}
	if err := e.deps.ReportStore.Insert(ctx, report); err != nil {
		e.log.ErrorContext(ctx, "cycle report insert failed", slog.Any("error", err))
	}
}

// collectStats gathers the monitor's per-cycle observations from the venue
// account, the registry, and the venue client's error counters.
func (e *Engine) collectStats(ctx context.Context, rejectRate float64) (monitor.Stats, error) {
	acct, err := e.deps.Venue.GetAccount(ctx)
	if err != nil {
		return monitor.Stats{}, err
	}
	live, err := e.registry.Live(ctx)
	if err != nil {
		return monitor.Stats{}, err
	}
	var notional float64
	for _, p := range live {
		notional += p.Notional()
	}
	utilization := 0.0
	if acct.Equity > 0 {
		utilization = acct.MarginUsed / acct.Equity
	}
	return monitor.Stats{
		Equity:       acct.Equity,
		OpenNotional: notional,
		Utilization:  utilization,
		RejectRate:   rejectRate,
		APIErrorRate: e.deps.Venue.ErrorRate(),
	}, nil
}

// flatten force-closes every open venue position. Called exactly when the
// monitor escalates to EMERGENCY; closes go through the gateway so they are
// reduce-only and audited.
func (e *Engine) flatten(ctx context.Context) {
	e.log.ErrorContext(ctx, "emergency flatten triggered")
	positions, err := e.deps.Venue.GetOpenPositions(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "flatten: fetch positions failed", slog.Any("error", err))
		return
	}
	for _, ex := range positions {
		if ex.Size <= 0 {
			continue
		}
		if err := e.gateway.ForceClose(ctx, ex); err != nil {
			e.log.ErrorContext(ctx, "flatten: force close failed",
				slog.String("symbol", ex.Symbol),
				slog.Any("error", err))
		}
	}
}

// protectionLoop runs the protection-only pass on its own faster cadence.
func (e *Engine) protectionLoop(ctx context.Context) error {
	interval := e.cfg.Engine.ProtectionInterval.Duration
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.reconciler.RunProtection(ctx); err != nil {
				e.log.ErrorContext(ctx, "protection pass failed", slog.Any("error", err))
			}
		}
	}
}

// applyFill routes one streamed execution event into the registry. A fill on
// the position's own side is an entry; the opposite side reduces. Fills for
// symbols the registry does not track are ignored, the reconciler will pick
// up whatever they produced on the venue.
func (e *Engine) applyFill(fill domain.Fill) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := symbols.Normalize(fill.Symbol)
	if key == "" {
		return
	}
	pos, err := e.registry.BySymbol(ctx, key)
	if err != nil {
		e.log.DebugContext(ctx, "fill for untracked symbol",
			slog.String("symbol", fill.Symbol),
			slog.String("exec_id", fill.ExecID))
		return
	}

	entrySide := domain.OrderSideBuy
	if pos.Side == domain.PositionSideShort {
		entrySide = domain.OrderSideSell
	}

	if fill.Side == entrySide {
		spec, err := e.deps.Venue.GetInstrumentSpec(ctx, fill.Symbol)
		if err != nil {
			e.log.ErrorContext(ctx, "fill: instrument spec unavailable",
				slog.String("symbol", fill.Symbol),
				slog.Any("error", err))
			return
		}
		updated, err := e.registry.ApplyEntryFill(ctx, pos.ID, fill, spec)
		if err != nil {
			e.log.ErrorContext(ctx, "entry fill apply failed",
				slog.String("position_id", pos.ID),
				slog.String("exec_id", fill.ExecID),
				slog.Any("error", err))
			return
		}
		e.gateway.ClearPending(key, fill.Side)
		e.protect(ctx, updated, spec)
		return
	}

	if _, err := e.registry.ApplyReduceFill(ctx, pos.ID, fill); err != nil {
		e.log.ErrorContext(ctx, "reduce fill apply failed",
			slog.String("position_id", pos.ID),
			slog.String("exec_id", fill.ExecID),
			slog.Any("error", err))
	}
}

// protect places the stop and the take-profit ladder for a freshly filled
// entry. Failures are logged, not retried here: the protection pass owns
// healing and will re-place a missing stop on its next run.
func (e *Engine) protect(ctx context.Context, pos domain.Position, spec domain.InstrumentSpec) {
	stopPrice := e.validator.StopPrice(pos.Side, pos.EntryPrice, spec)
	protected, err := e.gateway.PlaceStop(ctx, pos, stopPrice, domain.ProtectionReasonEntry)
	if err != nil {
		e.log.ErrorContext(ctx, "initial stop placement failed",
			slog.String("position_id", pos.ID),
			slog.Any("error", err))
		return
	}
	tp1, tp2 := e.validator.TPPrices(pos.Side, pos.EntryPrice, spec)
	if _, err := e.gateway.PlaceTakeProfits(ctx, protected, tp1, tp2); err != nil {
		e.log.ErrorContext(ctx, "take profit placement failed",
			slog.String("position_id", pos.ID),
			slog.Any("error", err))
	}
}

// retentionLoop archives aged cycle reports and closed positions to cold
// storage once a day, deleting rows only after the upload succeeded, and
// prunes expired intent hashes.
func (e *Engine) retentionLoop(ctx context.Context) error {
	if e.deps.Archiver == nil || e.cfg.Engine.ArchiveRetentionDays <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		e.runRetention(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) runRetention(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -e.cfg.Engine.ArchiveRetentionDays)

	if n, err := e.deps.Archiver.ArchiveCycleReports(ctx, cutoff); err != nil {
		e.log.ErrorContext(ctx, "cycle report archive failed", slog.Any("error", err))
	} else if n > 0 {
		if _, err := e.deps.ReportStore.DeleteBefore(ctx, cutoff); err != nil {
			e.log.ErrorContext(ctx, "cycle report prune failed", slog.Any("error", err))
		}
	}

	if n, err := e.deps.Archiver.ArchiveClosedPositions(ctx, cutoff); err != nil {
		e.log.ErrorContext(ctx, "closed position archive failed", slog.Any("error", err))
	} else if n > 0 {
		if _, err := e.deps.PositionStore.DeleteClosedBefore(ctx, cutoff); err != nil {
			e.log.ErrorContext(ctx, "closed position prune failed", slog.Any("error", err))
		}
	}

	intentCutoff := time.Now().UTC().Add(-2 * e.cfg.Engine.IntentLookback.Duration)
	if _, err := e.deps.IntentStore.DeleteBefore(ctx, intentCutoff); err != nil {
		e.log.ErrorContext(ctx, "intent prune failed", slog.Any("error", err))
	}
}
