package domain

import "context"

// ExchangePosition is a position as reported by the venue.
type ExchangePosition struct {
	Symbol        string // venue spelling
	Side          PositionSide
	Size          float64 // absolute quantity
	EntryPrice    float64
	MarkPrice     float64
	Leverage      float64
	MarginUsed    float64
	UnrealizedPnL float64
}

// AccountSummary is the venue's equity and margin view.
type AccountSummary struct {
	Equity          float64
	MarginUsed      float64
	AvailableMargin float64
}

// ExchangeGateway is the capability interface over the venue. All calls are
// rate-limited upstream and may time out or report bad symbols; callers carry
// a per-call timeout and a single bounded retry, then skip the symbol for the
// cycle.
type ExchangeGateway interface {
	GetAccount(ctx context.Context) (AccountSummary, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
	GetOpenOrders(ctx context.Context) ([]VenueOrder, error)
	GetInstrumentSpec(ctx context.Context, venueSymbol string) (InstrumentSpec, error)
	GetMarkPrice(ctx context.Context, venueSymbol string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error)
	CancelOrder(ctx context.Context, orderID string) error
}
