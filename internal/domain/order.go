package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeMarket     OrderType = "mkt"
	OrderTypeLimit      OrderType = "lmt"
	OrderTypeStop       OrderType = "stp"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// OrderStatus tracks the order lifecycle on the venue.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// OrderRequest is a single order submission handed to the exchange gateway.
type OrderRequest struct {
	ClientID    string // client order id, stable across retries
	Symbol      string // canonical symbol; routing resolves the venue spelling
	VenueSymbol string
	Side        OrderSide
	Type        OrderType
	Qty         float64
	LimitPrice  float64 // limit orders only
	StopPrice   float64 // stop / take-profit triggers only
	ReduceOnly  bool    // trims and protective orders must set this
	SignalType  string  // originating signal class, part of the intent hash
}

// Notional returns the request's approximate notional at the given mark.
func (r OrderRequest) Notional(mark float64) float64 {
	price := r.LimitPrice
	if price == 0 {
		price = mark
	}
	return r.Qty * price
}

// OrderRef identifies an accepted order on the venue.
type OrderRef struct {
	OrderID  string
	ClientID string
	Status   OrderStatus
	Placed   time.Time
}

// VenueOrder is an open order as reported by the venue.
type VenueOrder struct {
	OrderID    string
	ClientID   string
	Symbol     string // venue spelling
	Side       OrderSide
	Type       OrderType
	Qty        float64
	FilledQty  float64
	LimitPrice float64
	StopPrice  float64
	ReduceOnly bool
	Status     OrderStatus
	PlacedAt   time.Time
}

// Fill is a confirmed execution event from the venue. ExecID is the
// idempotency key: applying the same fill twice is a no-op.
type Fill struct {
	ExecID   string
	OrderID  string
	ClientID string
	Symbol   string // venue spelling
	Side     OrderSide
	Qty      float64
	Price    float64
	Fee      float64
	Time     time.Time
}

// OrderIntent is the deduplication record for one attempted submission. The
// hash covers (symbol, side, rounded notional, coarse time bucket, signal
// type); intents are persisted and reloaded over a bounded lookback window on
// startup so a restart cannot resubmit.
type OrderIntent struct {
	Hash       string
	Symbol     string // canonical
	Side       OrderSide
	Notional   float64
	SignalType string
	Bucket     time.Time // coarse time bucket start
	CreatedAt  time.Time
}
