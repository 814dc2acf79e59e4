package builtins

import (
	"context"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/strategy"
)

var _ strategy.Strategy = (*BuyAndHold)(nil)

// BuyAndHold buys an equal weight of every symbol on its first price and
// holds until the run liquidates.
type BuyAndHold struct {
	weight float64
	bought map[string]bool
}

// NewBuyAndHold returns a BuyAndHold strategy.
func NewBuyAndHold() *BuyAndHold {
	return &BuyAndHold{bought: make(map[string]bool)}
}

// Name returns "buy-and-hold".
func (b *BuyAndHold) Name() string { return "buy-and-hold" }

// Init splits capital across the subscribed symbols.
func (b *BuyAndHold) Init(_ context.Context, h *strategy.Host) error {
	if n := len(h.Securities().Symbols()); n > 0 {
		b.weight = 1 / float64(n)
	}
	return nil
}

// OnBars buys symbols seen for the first time.
func (b *BuyAndHold) OnBars(_ context.Context, bars domain.TradeBars) ([]domain.Signal, error) {
	var out []domain.Signal
	for sym := range bars {
		out = b.buy(out, sym)
	}
	return out, nil
}

// OnTicks buys symbols seen for the first time.
func (b *BuyAndHold) OnTicks(_ context.Context, ticks domain.Ticks) ([]domain.Signal, error) {
	var out []domain.Signal
	for sym := range ticks {
		out = b.buy(out, sym)
	}
	return out, nil
}

// OnData ignores custom data.
func (b *BuyAndHold) OnData(context.Context, domain.DataPoint) ([]domain.Signal, error) {
	return nil, nil
}

func (b *BuyAndHold) buy(out []domain.Signal, symbol string) []domain.Signal {
	if b.bought[symbol] {
		return out
	}
	b.bought[symbol] = true
	return append(out, domain.Signal{
		StrategyID: b.Name(),
		Symbol:     symbol,
		Type:       domain.SignalTypeBuy,
		Strength:   b.weight,
	})
}
