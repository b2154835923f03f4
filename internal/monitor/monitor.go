// Package monitor is the invariant monitor and kill switch. It is the only
// component that writes SystemState; everything else reads through it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

var metricSystemState = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "perpbot_system_state",
	Help: "0=active, 1=degraded, 2=halted, 3=emergency",
})

func init() {
	prometheus.MustRegister(metricSystemState)
}

// Thresholds are the hard limits evaluated once per cycle. Each has a warning
// and a critical level; two warnings degrade, one critical halts, and
// critical drawdown past the emergency level flattens.
type Thresholds struct {
	DrawdownWarnPct      float64
	DrawdownCriticalPct  float64
	DrawdownEmergencyPct float64
	NotionalWarn         float64
	NotionalCritical     float64
	UtilizationWarn      float64
	UtilizationCritical  float64
	RejectRateWarn       float64
	RejectRateCritical   float64
	APIErrorRateWarn     float64
	APIErrorRateCritical float64
	DegradedSizingFactor float64
}

// Stats are the per-cycle observations the monitor judges.
type Stats struct {
	Equity       float64
	OpenNotional float64
	Utilization  float64
	RejectRate   float64 // rejected submissions / attempts, this cycle
	APIErrorRate float64 // venue call errors / calls, this cycle
}

// Monitor evaluates thresholds and owns SystemState transitions. HALTED and
// EMERGENCY are sticky: they persist until an operator clears them, never
// auto-clear on a healthy cycle.
type Monitor struct {
	store domain.SystemStateStore
	audit domain.AuditStore
	log   *slog.Logger
	th    Thresholds

	mu      sync.RWMutex
	current domain.StateRecord
	peak    float64
}

// New creates a Monitor. Call Load before the first evaluation.
func New(store domain.SystemStateStore, audit domain.AuditStore, log *slog.Logger, th Thresholds) *Monitor {
	return &Monitor{
		store: store,
		audit: audit,
		log:   log.With(slog.String("component", "monitor")),
		th:    th,
	}
}

// Load restores the persisted state. A missing row seeds ACTIVE; a persisted
// HALTED or EMERGENCY comes back exactly as it went down.
func (m *Monitor) Load(ctx context.Context) error {
	rec, err := m.store.Get(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("monitor: load state: %w", err)
		}
		rec = domain.StateRecord{
			State:     domain.StateActive,
			Reason:    "initial",
			ChangedAt: time.Now().UTC(),
			ChangedBy: "monitor",
		}
		if err := m.store.Set(ctx, rec); err != nil {
			return fmt.Errorf("monitor: seed state: %w", err)
		}
	}

	m.mu.Lock()
	m.current = rec
	m.mu.Unlock()
	metricSystemState.Set(stateOrdinal(rec.State))

	if rec.State.Sticky() {
		m.log.Error("restored in protective state",
			slog.String("state", string(rec.State)),
			slog.String("reason", rec.Reason))
	}
	return nil
}

// Current returns the system state. Implements the gateway's StateSource.
func (m *Monitor) Current(context.Context) (domain.SystemState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.State, nil
}

// Record returns the full state record.
func (m *Monitor) Record() domain.StateRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// PeakEquity returns the high-water mark seen so far.
func (m *Monitor) PeakEquity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peak
}

// SizingFactor returns the position-sizing multiplier for the current state.
func (m *Monitor) SizingFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.State == domain.StateDegraded && m.th.DegradedSizingFactor > 0 {
		return m.th.DegradedSizingFactor
	}
	return 1
}

// Evaluate judges one cycle's stats and transitions state if warranted. The
// returned state is what the next cycle must obey.
func (m *Monitor) Evaluate(ctx context.Context, stats Stats) (domain.SystemState, error) {
	m.mu.Lock()
	if stats.Equity > m.peak {
		m.peak = stats.Equity
	}
	peak := m.peak
	cur := m.current.State
	m.mu.Unlock()

	if cur.Sticky() {
		return cur, nil
	}

	drawdown := 0.0
	if peak > 0 {
		drawdown = (peak - stats.Equity) / peak
	}

	warnings := 0
	criticals := 0
	var reasons []string

	check := func(name string, value, warn, critical float64) {
		if critical > 0 && value >= critical {
			criticals++
			reasons = append(reasons, fmt.Sprintf("%s %.4f >= critical %.4f", name, value, critical))
			return
		}
		if warn > 0 && value >= warn {
			warnings++
			reasons = append(reasons, fmt.Sprintf("%s %.4f >= warn %.4f", name, value, warn))
		}
	}

	check("drawdown", drawdown, m.th.DrawdownWarnPct, m.th.DrawdownCriticalPct)
	check("notional", stats.OpenNotional, m.th.NotionalWarn, m.th.NotionalCritical)
	check("utilization", stats.Utilization, m.th.UtilizationWarn, m.th.UtilizationCritical)
	check("reject_rate", stats.RejectRate, m.th.RejectRateWarn, m.th.RejectRateCritical)
	check("api_error_rate", stats.APIErrorRate, m.th.APIErrorRateWarn, m.th.APIErrorRateCritical)

	next := domain.StateActive
	switch {
	case m.th.DrawdownEmergencyPct > 0 && drawdown >= m.th.DrawdownEmergencyPct:
		next = domain.StateEmergency
	case criticals > 0:
		next = domain.StateHalted
	case warnings >= 2:
		next = domain.StateDegraded
	}

	if next == cur {
		return cur, nil
	}
	return next, m.setState(ctx, next, joinReasons(reasons), "monitor")
}

// ClearProtective resets a sticky state back to ACTIVE. Operator action only.
func (m *Monitor) ClearProtective(ctx context.Context, operator string) error {
	m.mu.RLock()
	cur := m.current.State
	m.mu.RUnlock()
	if !cur.Sticky() {
		return nil
	}
	return m.setState(ctx, domain.StateActive, "cleared by operator", operator)
}

func (m *Monitor) setState(ctx context.Context, next domain.SystemState, reason, by string) error {
	rec := domain.StateRecord{
		State:     next,
		Reason:    reason,
		ChangedAt: time.Now().UTC(),
		ChangedBy: by,
	}
	if err := m.store.Set(ctx, rec); err != nil {
		return fmt.Errorf("monitor: persist state %s: %w", next, err)
	}

	m.mu.Lock()
	prev := m.current.State
	m.current = rec
	m.mu.Unlock()
	metricSystemState.Set(stateOrdinal(next))

	if m.audit != nil {
		_ = m.audit.Log(ctx, "system_state_changed", map[string]any{
			"from":   string(prev),
			"to":     string(next),
			"reason": reason,
			"by":     by,
		})
	}

	lvl := m.log.Info
	if next.Sticky() {
		lvl = m.log.Error
	}
	lvl("system state changed",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.String("reason", reason))
	return nil
}

func stateOrdinal(s domain.SystemState) float64 {
	switch s {
	case domain.StateDegraded:
		return 1
	case domain.StateHalted:
		return 2
	case domain.StateEmergency:
		return 3
	default:
		return 0
	}
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}
