// Package risk provides pure admissibility and sizing checks over the
// account's equity and margin. The validator never mutates state and is safe
// to call repeatedly with identical inputs.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Limits are the static risk bounds the validator enforces.
type Limits struct {
	RiskPerTradePct   float64 // fraction of equity risked between entry and stop
	MaxLeverage       float64
	MaxPositions      int
	MaxPositionMargin float64 // absolute cap on one position's margin, 0 = off
	MaxUtilization    float64 // aggregate margin cap as fraction of equity
	MinNotional       float64
	SnapshotMaxAge    time.Duration

	StopLossPct float64 // protective distances as fractions of entry
	TP1Pct      float64
	TP2Pct      float64
}

// Decision is the validator's verdict on one proposed open.
type Decision struct {
	Approved bool
	Reason   domain.RejectReason
	Detail   string
	Qty      float64
	Notional float64
	Margin   float64
}

// Validator evaluates proposed actions against Limits.
type Validator struct {
	limits Limits
}

// New creates a Validator with the given limits.
func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// SizeOpen derives the risk-based quantity for a new entry: the amount of
// equity at risk between entry and stop, divided by the stop distance, then
// quantized toward zero to the instrument step.
func (v *Validator) SizeOpen(equity, entryPrice, stopPrice, leverage float64, spec domain.InstrumentSpec) (qty, notional, margin float64) {
	dist := math.Abs(entryPrice - stopPrice)
	if dist <= 0 || entryPrice <= 0 || equity <= 0 {
		return 0, 0, 0
	}
	if v.limits.MaxLeverage > 0 && leverage > v.limits.MaxLeverage {
		leverage = v.limits.MaxLeverage
	}
	if leverage <= 0 {
		leverage = 1
	}

	riskAmount := equity * v.limits.RiskPerTradePct
	qty = spec.QuantizeQty(riskAmount / dist)
	if qty < spec.MinSize {
		return 0, 0, 0
	}
	notional = qty * entryPrice
	margin = notional / leverage
	return qty, notional, margin
}

// StopPrice returns the protective stop for an entry at the configured
// percentage distance, rounded to tick.
func (v *Validator) StopPrice(side domain.PositionSide, entryPrice float64, spec domain.InstrumentSpec) float64 {
	if side == domain.PositionSideShort {
		return spec.QuantizePrice(entryPrice * (1 + v.limits.StopLossPct))
	}
	return spec.QuantizePrice(entryPrice * (1 - v.limits.StopLossPct))
}

// TPPrices returns the two take-profit trigger prices for an entry.
func (v *Validator) TPPrices(side domain.PositionSide, entryPrice float64, spec domain.InstrumentSpec) (tp1, tp2 float64) {
	if side == domain.PositionSideShort {
		return spec.QuantizePrice(entryPrice * (1 - v.limits.TP1Pct)),
			spec.QuantizePrice(entryPrice * (1 - v.limits.TP2Pct))
	}
	return spec.QuantizePrice(entryPrice * (1 + v.limits.TP1Pct)),
		spec.QuantizePrice(entryPrice * (1 + v.limits.TP2Pct))
}

// ValidateOpen judges one proposed open against the snapshot the plan was
// built on. skipMarginRecheck marks opens already validated against a
// pre-close snapshot; those skip the staleness and aggregate-margin checks so
// a refresh between planning and execution cannot double-reject them.
func (v *Validator) ValidateOpen(qty, notional, margin float64, snap domain.MarginSnapshot, liveCount int, skipMarginRecheck bool, now time.Time) Decision {
	d := Decision{Qty: qty, Notional: notional, Margin: margin}

	if !skipMarginRecheck && v.limits.SnapshotMaxAge > 0 && now.Sub(snap.TakenAt) > v.limits.SnapshotMaxAge {
		d.Reason = domain.RejectRisk
		d.Detail = fmt.Sprintf("margin snapshot %s old, max %s", now.Sub(snap.TakenAt).Round(time.Second), v.limits.SnapshotMaxAge)
		return d
	}

	if qty <= 0 {
		d.Reason = domain.RejectRisk
		d.Detail = "sized to zero"
		return d
	}

	if notional < v.limits.MinNotional {
		d.Reason = domain.RejectMinNotional
		d.Detail = fmt.Sprintf("notional %.2f below floor %.2f", notional, v.limits.MinNotional)
		return d
	}

	if v.limits.MaxPositions > 0 && liveCount >= v.limits.MaxPositions {
		d.Reason = domain.RejectRisk
		d.Detail = fmt.Sprintf("%d positions open, max %d", liveCount, v.limits.MaxPositions)
		return d
	}

	if v.limits.MaxPositionMargin > 0 && margin > v.limits.MaxPositionMargin {
		d.Reason = domain.RejectMarginCap
		d.Detail = fmt.Sprintf("position margin %.2f exceeds cap %.2f", margin, v.limits.MaxPositionMargin)
		return d
	}

	if !skipMarginRecheck && v.limits.MaxUtilization > 0 {
		limit := snap.Equity * v.limits.MaxUtilization
		if snap.MarginUsed+margin > limit {
			d.Reason = domain.RejectMarginCap
			d.Detail = fmt.Sprintf("aggregate margin %.2f+%.2f exceeds cap %.2f", snap.MarginUsed, margin, limit)
			return d
		}
	}

	d.Approved = true
	return d
}
