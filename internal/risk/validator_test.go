package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

var btcSpec = domain.InstrumentSpec{
	VenueSymbol: "PF_XBTUSD",
	MinSize:     0.0001,
	SizeStep:    0.0001,
	TickSize:    0.5,
}

func testLimits() Limits {
	return Limits{
		RiskPerTradePct:   0.01,
		MaxLeverage:       10,
		MaxPositions:      5,
		MaxPositionMargin: 5000,
		MaxUtilization:    0.8,
		MinNotional:       100,
		SnapshotMaxAge:    60 * time.Second,
		StopLossPct:       0.04,
		TP1Pct:            0.02,
		TP2Pct:            0.05,
	}
}

func freshSnap(equity, used float64) domain.MarginSnapshot {
	return domain.MarginSnapshot{
		Equity:     equity,
		MarginUsed: used,
		TakenAt:    time.Now(),
	}
}

func TestSizeOpenRiskBased(t *testing.T) {
	v := New(testLimits())

	// 10_000 equity at 1% risk = 100 at risk; stop 2_000 away -> 0.05 BTC.
	qty, notional, margin := v.SizeOpen(10000, 50000, 48000, 5, btcSpec)
	assert.InDelta(t, 0.05, qty, 1e-9)
	assert.InDelta(t, 2500, notional, 1e-6)
	assert.InDelta(t, 500, margin, 1e-6)
}

func TestSizeOpenQuantizesTowardZero(t *testing.T) {
	v := New(testLimits())

	coarse := btcSpec
	coarse.SizeStep = 0.01

	// Raw size 0.0555... must floor to 0.05, never round to 0.06.
	qty, _, _ := v.SizeOpen(10000, 50000, 48200, 5, coarse)
	assert.InDelta(t, 0.05, qty, 1e-9)
}

func TestSizeOpenClampsLeverage(t *testing.T) {
	v := New(testLimits())

	_, notional, margin := v.SizeOpen(10000, 50000, 48000, 50, btcSpec)
	// Leverage clamped to 10, not 50.
	assert.InDelta(t, notional/10, margin, 1e-9)
}

func TestValidateOpenAggregateMarginCap(t *testing.T) {
	v := New(testLimits())

	// Spec scenario: equity 10_000, used 6_000, cap 0.8 -> 8_000 aggregate.
	// A 3_000-margin open would reach 9_000 and must be rejected.
	d := v.ValidateOpen(0.5, 25000, 3000, freshSnap(10000, 6000), 1, false, time.Now())
	assert.False(t, d.Approved)
	assert.Equal(t, domain.RejectMarginCap, d.Reason)

	// 1_500 fits under the cap.
	d = v.ValidateOpen(0.5, 25000, 1500, freshSnap(10000, 6000), 1, false, time.Now())
	assert.True(t, d.Approved)
}

func TestValidateOpenMinNotionalRejectsNotRounds(t *testing.T) {
	v := New(testLimits())

	d := v.ValidateOpen(0.001, 50, 10, freshSnap(10000, 0), 0, false, time.Now())
	assert.False(t, d.Approved)
	assert.Equal(t, domain.RejectMinNotional, d.Reason)
}

func TestValidateOpenMaxPositions(t *testing.T) {
	v := New(testLimits())

	d := v.ValidateOpen(0.05, 2500, 500, freshSnap(10000, 0), 5, false, time.Now())
	assert.False(t, d.Approved)
	assert.Equal(t, domain.RejectRisk, d.Reason)
}

func TestValidateOpenStaleSnapshot(t *testing.T) {
	v := New(testLimits())

	stale := freshSnap(10000, 0)
	stale.TakenAt = time.Now().Add(-2 * time.Minute)

	d := v.ValidateOpen(0.05, 2500, 500, stale, 0, false, time.Now())
	assert.False(t, d.Approved)
	assert.Equal(t, domain.RejectRisk, d.Reason)

	// Pre-validated opens skip the staleness check.
	d = v.ValidateOpen(0.05, 2500, 500, stale, 0, true, time.Now())
	assert.True(t, d.Approved)
}

func TestValidateOpenIdempotent(t *testing.T) {
	v := New(testLimits())
	snap := freshSnap(10000, 6000)
	now := time.Now()

	first := v.ValidateOpen(0.5, 25000, 3000, snap, 1, false, now)
	second := v.ValidateOpen(0.5, 25000, 3000, snap, 1, false, now)
	assert.Equal(t, first, second)
}

func TestProtectivePrices(t *testing.T) {
	v := New(testLimits())

	stop := v.StopPrice(domain.PositionSideLong, 50000, btcSpec)
	assert.InDelta(t, 48000, stop, 1e-6)

	stop = v.StopPrice(domain.PositionSideShort, 50000, btcSpec)
	assert.InDelta(t, 52000, stop, 1e-6)

	tp1, tp2 := v.TPPrices(domain.PositionSideLong, 50000, btcSpec)
	assert.InDelta(t, 51000, tp1, 1e-6)
	assert.InDelta(t, 52500, tp2, 1e-6)

	tp1, tp2 = v.TPPrices(domain.PositionSideShort, 50000, btcSpec)
	assert.InDelta(t, 49000, tp1, 1e-6)
	assert.InDelta(t, 47500, tp2, 1e-6)
}
