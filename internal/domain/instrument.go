package domain

import "math"

// InstrumentSpec carries the venue's tradable constraints for one symbol.
type InstrumentSpec struct {
	VenueSymbol  string
	MinSize      float64
	SizeStep     float64
	TickSize     float64
	MaxLeverage  float64
	LeverageMode string // "cross" or "isolated"
}

// QuantizeQty rounds a quantity toward zero to the instrument's step size.
// Nearest-rounding is never used for quantities: rounding up can request
// more than exists. A non-positive result means "nothing to do".
func (s InstrumentSpec) QuantizeQty(qty float64) float64 {
	if s.SizeStep <= 0 {
		return qty
	}
	steps := math.Floor(qty/s.SizeStep + 1e-9)
	if steps <= 0 {
		return 0
	}
	return steps * s.SizeStep
}

// QuantizePrice rounds a price to the nearest tick.
func (s InstrumentSpec) QuantizePrice(px float64) float64 {
	if s.TickSize <= 0 {
		return px
	}
	return math.Round(px/s.TickSize) * s.TickSize
}
