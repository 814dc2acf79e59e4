// Package domain defines the core value types shared across the backtest
// engine: markets, subscriptions, data points, orders and signals.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Market identifies the venue group a security trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
	MarketFX Market = "fx"
)

// ErrUnknownMarket is returned when a market name cannot be parsed.
var ErrUnknownMarket = errors.New("unknown market")

// ParseMarket converts a configuration string into a Market.
func ParseMarket(s string) (Market, error) {
	switch m := Market(strings.ToLower(strings.TrimSpace(s))); m {
	case MarketUS, MarketCN, MarketFX:
		return m, nil
	case "":
		return MarketUS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMarket, s)
	}
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is a request to buy or sell a quantity of a symbol.
type Order struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Qty            float64     `json:"qty"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	Status         OrderStatus `json:"status"`
	FilledQty      float64     `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	Reason         string      `json:"reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PositionSide is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is the current holding of one symbol.
type Position struct {
	Symbol        string       `json:"symbol"`
	Qty           float64      `json:"qty"`
	AvgEntryPrice float64      `json:"avg_entry_price"`
	MarketValue   float64      `json:"market_value"`
	UnrealizedPL  float64      `json:"unrealized_pl"`
	Side          PositionSide `json:"side"`
}

// AccountInfo summarises a simulated account.
type AccountInfo struct {
	Cash        float64 `json:"cash"`
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// SignalType is the action a strategy recommends.
type SignalType string

const (
	SignalTypeBuy  SignalType = "buy"
	SignalTypeSell SignalType = "sell"
	SignalTypeHold SignalType = "hold"
)

// Signal is a strategy's recommendation for one symbol. Strength is the
// target portfolio weight in [0, 1] for buy signals.
type Signal struct {
	ID         int64             `json:"id"`
	StrategyID string            `json:"strategy_id"`
	Symbol     string            `json:"symbol"`
	Type       SignalType        `json:"type"`
	Strength   float64           `json:"strength"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
