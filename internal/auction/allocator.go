// Package auction implements the risk-constrained admission allocator. Each
// cycle it batches scored candidates, dedupes them on canonical symbols,
// ranks them, and greedily admits opens and reductions under the configured
// caps against a point-in-time margin snapshot.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/risk"
	"github.com/alanyoungcy/perpbot/internal/symbols"
)

// Config carries the allocator caps.
type Config struct {
	MaxPerSymbol      int
	MaxReductions     int
	MaxMarginFreed    float64
	CooldownAfterTrim time.Duration
	MinScore          float64
	ReplaceThreshold  float64
	SymbolWorkers     int
	DefaultLeverage   float64
}

// Allocator builds allocation plans. BuildPlan refuses to run concurrently
// with itself: a cycle that overruns the tick is skipped, never overlapped.
type Allocator struct {
	gateway   domain.ExchangeGateway
	validator *risk.Validator
	cooldowns domain.CooldownCache
	reports   domain.CycleReportStore
	log       *slog.Logger
	cfg       Config

	mu      sync.Mutex
	running bool
}

// New creates an Allocator.
func New(gateway domain.ExchangeGateway, validator *risk.Validator, cooldowns domain.CooldownCache, reports domain.CycleReportStore, log *slog.Logger, cfg Config) *Allocator {
	if cfg.SymbolWorkers <= 0 {
		cfg.SymbolWorkers = 20
	}
	if cfg.MaxPerSymbol <= 0 {
		cfg.MaxPerSymbol = 1
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	return &Allocator{
		gateway:   gateway,
		validator: validator,
		cooldowns: cooldowns,
		reports:   reports,
		log:       log.With(slog.String("component", "allocator")),
		cfg:       cfg,
	}
}

// candidateEval is one candidate with its resolved instrument data.
type candidateEval struct {
	cand     domain.Candidate
	symbol   string // canonical
	spec     domain.InstrumentSpec
	mark     float64
	specErr  error
	cooldown bool
}

// BuildPlan runs one admission cycle over the given candidates and live
// positions. The returned plan is built against a margin snapshot taken at
// the start of the cycle; opens sized before an in-plan close carry
// SkipMarginRecheck so downstream validation does not re-judge them on
// refreshed numbers.
func (a *Allocator) BuildPlan(ctx context.Context, candidates []domain.Candidate, live []domain.Position) (domain.AllocationPlan, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return domain.AllocationPlan{}, domain.ErrCycleInFlight
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	plan := domain.AllocationPlan{
		CycleID: uuid.New().String(),
		Caps: domain.PlanCaps{
			MaxPerSymbol:      a.cfg.MaxPerSymbol,
			MaxReductions:     a.cfg.MaxReductions,
			MaxMarginFreed:    a.cfg.MaxMarginFreed,
			CooldownAfterTrim: a.cfg.CooldownAfterTrim,
		},
		BuiltAt: time.Now().UTC(),
	}

	account, err := a.gateway.GetAccount(ctx)
	if err != nil {
		return plan, fmt.Errorf("auction: margin snapshot: %w", err)
	}
	plan.Snapshot = domain.MarginSnapshot{
		Equity:          account.Equity,
		MarginUsed:      account.MarginUsed,
		AvailableMargin: account.AvailableMargin,
		OpenPositionCnt: len(live),
		TakenAt:         time.Now().UTC(),
	}

	liveBySymbol := make(map[string]domain.Position, len(live))
	for _, p := range live {
		liveBySymbol[p.Symbol] = p
	}

	deduped := a.dedupe(candidates, &plan)
	evals := a.resolve(ctx, deduped)

	// Rank: score descending, canonical symbol ascending on ties so the
	// ordering is deterministic across runs.
	sort.Slice(evals, func(i, j int) bool {
		if evals[i].cand.Score != evals[j].cand.Score {
			return evals[i].cand.Score > evals[j].cand.Score
		}
		return evals[i].symbol < evals[j].symbol
	})

	a.admit(evals, liveBySymbol, &plan)

	a.log.Info("plan built",
		slog.String("cycle_id", plan.CycleID),
		slog.Int("candidates", len(candidates)),
		slog.Int("opens", len(plan.Opens)),
		slog.Int("closes", len(plan.Closes)),
		slog.Int("rejections", len(plan.Rejections)))
	return plan, nil
}

// dedupe collapses candidates that normalize to the same canonical key,
// keeping the highest score. BTC/USD and PF_XBTUSD in the same batch are one
// candidate, not two.
func (a *Allocator) dedupe(candidates []domain.Candidate, plan *domain.AllocationPlan) map[string]domain.Candidate {
	out := make(map[string]domain.Candidate, len(candidates))
	for _, c := range candidates {
		key := symbols.Normalize(c.Symbol)
		if key == "" {
			plan.Rejections = append(plan.Rejections, domain.Rejection{
				Symbol: c.Symbol, Side: c.Side,
				Reason: domain.RejectRisk, Detail: "unparseable symbol",
			})
			continue
		}
		if prev, ok := out[key]; ok {
			drop := c
			if c.Score > prev.Score {
				out[key] = c
				drop = prev
			}
			plan.Rejections = append(plan.Rejections, domain.Rejection{
				Symbol: drop.Symbol, Side: drop.Side,
				Reason: domain.RejectDuplicateSymbol,
				Detail: fmt.Sprintf("normalizes to %s", key),
			})
			continue
		}
		out[key] = c
	}
	return out
}

// resolve fetches instrument specs and cooldown status for each surviving
// candidate, bounded to SymbolWorkers concurrent venue calls.
func (a *Allocator) resolve(ctx context.Context, deduped map[string]domain.Candidate) []candidateEval {
	evals := make([]candidateEval, 0, len(deduped))
	for key, c := range deduped {
		evals = append(evals, candidateEval{cand: c, symbol: key})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.SymbolWorkers)
	for i := range evals {
		g.Go(func() error {
			ev := &evals[i]
			spec, err := a.gateway.GetInstrumentSpec(gctx, ev.cand.Symbol)
			if err != nil {
				ev.specErr = err
				return nil // a bad symbol skips the candidate, never the cycle
			}
			ev.spec = spec

			mark, err := a.gateway.GetMarkPrice(gctx, spec.VenueSymbol)
			if err != nil {
				ev.specErr = err
				return nil
			}
			ev.mark = mark

			if a.cooldowns != nil {
				active, err := a.cooldowns.Active(gctx, ev.symbol)
				if err == nil && active {
					ev.cooldown = true
				}
			}
			// Hour-plus cooldown windows consult the durable store, not the
			// bounded cache.
			if !ev.cooldown && a.reports != nil && a.cfg.CooldownAfterTrim >= time.Hour {
				last, err := a.reports.LastTradedAt(gctx, ev.symbol)
				if err == nil && !last.IsZero() && time.Since(last) < a.cfg.CooldownAfterTrim {
					ev.cooldown = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return evals
}

// admit walks the ranked candidates and greedily fills the plan under caps.
func (a *Allocator) admit(evals []candidateEval, liveBySymbol map[string]domain.Position, plan *domain.AllocationPlan) {
	marginUsed := plan.Snapshot.MarginUsed
	liveCount := plan.Snapshot.OpenPositionCnt
	marginFreed := 0.0
	closesPlanned := false
	opensPlanned := make(map[string]int)

	reject := func(ev candidateEval, reason domain.RejectReason, detail string) {
		plan.Rejections = append(plan.Rejections, domain.Rejection{
			Symbol: ev.cand.Symbol, Side: ev.cand.Side, Reason: reason, Detail: detail,
		})
	}

	for _, ev := range evals {
		if ev.specErr != nil {
			reject(ev, domain.RejectRisk, fmt.Sprintf("instrument spec: %v", ev.specErr))
			continue
		}
		if ev.cand.Score < a.cfg.MinScore {
			reject(ev, domain.RejectRisk, fmt.Sprintf("score %.3f below floor %.3f", ev.cand.Score, a.cfg.MinScore))
			continue
		}
		if ev.cooldown {
			reject(ev, domain.RejectCooldown, "post-trim cooldown active")
			continue
		}

		// A live same-side position occupies one per-symbol slot; planned
		// opens this cycle occupy the rest. Scale-ins are admitted only
		// while the budget has room.
		slotsUsed := opensPlanned[ev.symbol]

		if existing, ok := liveBySymbol[ev.symbol]; ok {
			if existing.Locked() {
				reject(ev, domain.RejectLockedPosition, string(existing.State))
				continue
			}
			switch {
			case existing.Side == ev.cand.Side:
				// Same direction: a scale-in, counted against the budget
				// alongside the live position.
				if slotsUsed+1 >= a.cfg.MaxPerSymbol {
					reject(ev, domain.RejectMaxPerSymbol, "per-symbol open budget exhausted")
					continue
				}
				slotsUsed++
			default:
				// Opposite signal: plan a full close, then admit the open
				// against the snapshot plus the margin the close frees.
				if len(plan.Closes) >= a.cfg.MaxReductions && a.cfg.MaxReductions > 0 {
					reject(ev, domain.RejectReductionCap, "max reductions reached")
					continue
				}
				if a.cfg.MaxMarginFreed > 0 && marginFreed+existing.MarginUsed > a.cfg.MaxMarginFreed {
					reject(ev, domain.RejectReductionCap, "margin-freed cap reached")
					continue
				}
				if ev.cand.Score < a.cfg.ReplaceThreshold {
					reject(ev, domain.RejectRisk, fmt.Sprintf("score %.3f below replace threshold %.3f", ev.cand.Score, a.cfg.ReplaceThreshold))
					continue
				}
				plan.Closes = append(plan.Closes, domain.PlannedClose{
					PositionID:  existing.ID,
					Symbol:      existing.Symbol,
					VenueSymbol: existing.VenueSymbol,
					Side:        existing.Side,
					Qty:         existing.Size,
					Full:        true,
					MarginFreed: existing.MarginUsed,
					Reason:      "signal reversal",
				})
				marginFreed += existing.MarginUsed
				marginUsed -= existing.MarginUsed
				liveCount--
				closesPlanned = true
			}
		} else if slotsUsed >= a.cfg.MaxPerSymbol {
			reject(ev, domain.RejectMaxPerSymbol, "per-symbol open budget exhausted")
			continue
		}

		entry := ev.mark
		if entry <= 0 {
			reject(ev, domain.RejectRisk, "no mark price")
			continue
		}
		stop := a.validator.StopPrice(ev.cand.Side, entry, ev.spec)
		qty, notional, margin := a.validator.SizeOpen(plan.Snapshot.Equity, entry, stop, a.cfg.DefaultLeverage, ev.spec)

		snap := plan.Snapshot
		snap.MarginUsed = marginUsed
		decision := a.validator.ValidateOpen(qty, notional, margin, snap, liveCount, false, time.Now())
		if !decision.Approved {
			reject(ev, decision.Reason, decision.Detail)
			continue
		}

		plan.Opens = append(plan.Opens, domain.PlannedOpen{
			Symbol:            ev.symbol,
			VenueSymbol:       ev.spec.VenueSymbol,
			Side:              ev.cand.Side,
			Score:             ev.cand.Score,
			Notional:          notional,
			Qty:               qty,
			Margin:            margin,
			SignalType:        ev.cand.Regime,
			SkipMarginRecheck: closesPlanned,
		})
		marginUsed += margin
		liveCount++
		opensPlanned[ev.symbol]++
	}
}

