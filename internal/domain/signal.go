package domain

import (
	"context"
	"time"
)

// Candidate is one scored directional signal for a symbol, produced by the
// external signal generator once per cycle (or absent when there is no
// candidate for the symbol).
type Candidate struct {
	Symbol    string // as spelled by the generator; normalized before comparison
	Side      PositionSide
	Score     float64
	Regime    string
	CreatedAt time.Time
}

// SignalSource supplies candidates for one allocator cycle. Implementations
// are external collaborators; the engine only consumes.
type SignalSource interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// MarginSnapshot is the point-in-time equity and margin view an allocation
// plan was built against. TakenAt drives the staleness check in risk
// validation.
type MarginSnapshot struct {
	Equity          float64
	MarginUsed      float64
	AvailableMargin float64
	PeakEquity      float64
	OpenPositionCnt int
	TakenAt         time.Time
}

// Utilization returns margin used as a fraction of equity.
func (m MarginSnapshot) Utilization() float64 {
	if m.Equity <= 0 {
		return 0
	}
	return m.MarginUsed / m.Equity
}
