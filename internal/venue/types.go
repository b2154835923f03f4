package venue

import (
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// apiResult is the envelope every v3 endpoint wraps its payload in.
type apiResult struct {
	Result     string `json:"result"` // "success" or "error"
	Error      string `json:"error,omitempty"`
	ServerTime string `json:"serverTime,omitempty"`
}

func (r apiResult) ok() bool { return strings.EqualFold(r.Result, "success") }

type apiAccounts struct {
	apiResult
	Accounts map[string]apiAccount `json:"accounts"`
}

type apiAccount struct {
	Type     string             `json:"type"`
	Balances map[string]float64 `json:"balances"`
	Auxiliary struct {
		PortfolioValue float64 `json:"pv"`
		AvailableFunds float64 `json:"af"`
		InitialMargin  float64 `json:"im"`
	} `json:"auxiliary"`
}

type apiOpenPositions struct {
	apiResult
	OpenPositions []apiPosition `json:"openPositions"`
}

type apiPosition struct {
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"` // "long" or "short"
	Size              float64 `json:"size"`
	Price             float64 `json:"price"`
	MarkPrice         float64 `json:"markPrice"`
	UnrealizedFunding float64 `json:"unrealizedFunding"`
	PnL               float64 `json:"pnl"`
	EffectiveLeverage float64 `json:"effectiveLeverage"`
	InitialMargin     float64 `json:"initialMargin"`
}

func (p apiPosition) toDomain() domain.ExchangePosition {
	side := domain.PositionSideLong
	if strings.EqualFold(p.Side, "short") {
		side = domain.PositionSideShort
	}
	return domain.ExchangePosition{
		Symbol:        p.Symbol,
		Side:          side,
		Size:          p.Size,
		EntryPrice:    p.Price,
		MarkPrice:     p.MarkPrice,
		Leverage:      p.EffectiveLeverage,
		MarginUsed:    p.InitialMargin,
		UnrealizedPnL: p.PnL,
	}
}

type apiOpenOrders struct {
	apiResult
	OpenOrders []apiOrder `json:"openOrders"`
}

type apiOrder struct {
	OrderID     string  `json:"order_id"`
	ClientID    string  `json:"cliOrdId"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	OrderType   string  `json:"orderType"`
	Status      string  `json:"status"`
	UnfilledSize float64 `json:"unfilledSize"`
	FilledSize  float64 `json:"filledSize"`
	LimitPrice  float64 `json:"limitPrice"`
	StopPrice   float64 `json:"stopPrice"`
	ReduceOnly  bool    `json:"reduceOnly"`
	ReceivedTime string `json:"receivedTime"`
}

func (o apiOrder) toDomain() domain.VenueOrder {
	side := domain.OrderSideBuy
	if strings.EqualFold(o.Side, "sell") {
		side = domain.OrderSideSell
	}
	placed, _ := time.Parse(time.RFC3339, o.ReceivedTime)
	return domain.VenueOrder{
		OrderID:    o.OrderID,
		ClientID:   o.ClientID,
		Symbol:     o.Symbol,
		Side:       side,
		Type:       orderTypeFromAPI(o.OrderType),
		Qty:        o.UnfilledSize + o.FilledSize,
		FilledQty:  o.FilledSize,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		ReduceOnly: o.ReduceOnly,
		Status:     orderStatusFromAPI(o.Status),
		PlacedAt:   placed,
	}
}

func orderTypeFromAPI(t string) domain.OrderType {
	switch strings.ToLower(t) {
	case "stp", "stop":
		return domain.OrderTypeStop
	case "take_profit":
		return domain.OrderTypeTakeProfit
	case "lmt", "limit", "post":
		return domain.OrderTypeLimit
	default:
		return domain.OrderTypeMarket
	}
}

func orderStatusFromAPI(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "placed", "untouched", "open":
		return domain.OrderStatusOpen
	case "partiallyfilled":
		return domain.OrderStatusOpen
	case "filled":
		return domain.OrderStatusFilled
	case "cancelled":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusPending
	}
}

type apiInstruments struct {
	apiResult
	Instruments []apiInstrument `json:"instruments"`
}

type apiInstrument struct {
	Symbol          string  `json:"symbol"`
	Type            string  `json:"type"`
	Tradeable       bool    `json:"tradeable"`
	TickSize        float64 `json:"tickSize"`
	ContractSize    float64 `json:"contractSize"`
	ContractValueTradePrecision float64 `json:"contractValueTradePrecision"`
	MaxLeverage     float64 `json:"maxLeverage"`
	MinimumTradeSize float64 `json:"minimumTradeSize"`
}

func (i apiInstrument) toDomain() domain.InstrumentSpec {
	step := i.ContractSize
	if step <= 0 {
		step = sizeStepFromPrecision(i.ContractValueTradePrecision)
	}
	minSize := i.MinimumTradeSize
	if minSize <= 0 {
		minSize = step
	}
	return domain.InstrumentSpec{
		VenueSymbol:  i.Symbol,
		MinSize:      minSize,
		SizeStep:     step,
		TickSize:     i.TickSize,
		MaxLeverage:  i.MaxLeverage,
		LeverageMode: "isolated",
	}
}

func sizeStepFromPrecision(precision float64) float64 {
	step := 1.0
	for p := int(precision); p > 0; p-- {
		step /= 10
	}
	return step
}

type apiTicker struct {
	apiResult
	Ticker struct {
		Symbol    string  `json:"symbol"`
		MarkPrice float64 `json:"markPrice"`
		Last      float64 `json:"last"`
	} `json:"ticker"`
}

type apiSendOrder struct {
	apiResult
	SendStatus struct {
		OrderID      string `json:"order_id"`
		CliOrdID     string `json:"cliOrdId"`
		Status       string `json:"status"`
		ReceivedTime string `json:"receivedTime"`
	} `json:"sendStatus"`
}

type apiCancelOrder struct {
	apiResult
	CancelStatus struct {
		Status  string `json:"status"`
		OrderID string `json:"order_id"`
	} `json:"cancelStatus"`
}
