package domain

import (
	"maps"
	"time"
)

// DataKind tags the variant held by a DataPoint.
type DataKind uint8

const (
	KindBar DataKind = iota + 1
	KindTick
	KindCustom
)

func (k DataKind) String() string {
	switch k {
	case KindBar:
		return "bar"
	case KindTick:
		return "tick"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Bar is an OHLCV aggregate starting at Timestamp.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"trade_count"`
	VWAP       float64   `json:"vwap"`
}

// Tick is a single trade or quote observation.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	BidPrice   float64   `json:"bid_price,omitempty"`
	AskPrice   float64   `json:"ask_price,omitempty"`
	Exchange   string    `json:"exchange,omitempty"`
	Suspicious bool      `json:"suspicious,omitempty"`
}

// Trade is an executed trade as stored by the parquet trade store.
type Trade struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Price      float64   `json:"price"`
	Size       int64     `json:"size"`
	Exchange   string    `json:"exchange"`
	Conditions string    `json:"conditions,omitempty"`
}

// DataPoint is one timestamped observation for a subscription. Kind selects
// which of Bar, Tick or Fields is meaningful. Symbol, Time and Value are
// always set; Value is the close for bars and the last price for ticks.
type DataPoint struct {
	Kind        DataKind
	Symbol      string
	Time        time.Time
	Value       float64
	FillForward bool

	Bar    Bar
	Tick   Tick
	Fields map[string]string
}

// NewBarPoint wraps a bar.
func NewBarPoint(b Bar) DataPoint {
	return DataPoint{Kind: KindBar, Symbol: b.Symbol, Time: b.Timestamp, Value: b.Close, Bar: b}
}

// NewTickPoint wraps a tick.
func NewTickPoint(t Tick) DataPoint {
	return DataPoint{Kind: KindTick, Symbol: t.Symbol, Time: t.Timestamp, Value: t.Price, Tick: t}
}

// NewCustomPoint builds a custom data point.
func NewCustomPoint(symbol string, t time.Time, value float64, fields map[string]string) DataPoint {
	return DataPoint{Kind: KindCustom, Symbol: symbol, Time: t, Value: value, Fields: fields}
}

// CloneAt returns a deep copy of p stamped at t and marked as fill-forward.
func (p DataPoint) CloneAt(t time.Time) DataPoint {
	c := p
	c.Time = t
	c.FillForward = true
	c.Bar.Timestamp = t
	c.Tick.Timestamp = t
	if p.Fields != nil {
		c.Fields = maps.Clone(p.Fields)
	}
	return c
}

// Scale returns a copy of p with all prices multiplied by factor.
func (p DataPoint) Scale(factor float64) DataPoint {
	if factor == 1 || factor <= 0 {
		return p
	}
	c := p
	switch p.Kind {
	case KindBar:
		c.Bar.Open *= factor
		c.Bar.High *= factor
		c.Bar.Low *= factor
		c.Bar.Close *= factor
		c.Bar.VWAP *= factor
		c.Value = c.Bar.Close
	case KindTick:
		c.Tick.Price *= factor
		c.Tick.BidPrice *= factor
		c.Tick.AskPrice *= factor
		c.Value = c.Tick.Price
	default:
		return p
	}
	return c
}

// Price returns the point's reference price.
func (p DataPoint) Price() float64 {
	return p.Value
}

// TradeBars holds the bars of one instant keyed by symbol.
type TradeBars map[string]Bar

// Ticks holds the ticks of one instant keyed by symbol.
type Ticks map[string][]Tick
