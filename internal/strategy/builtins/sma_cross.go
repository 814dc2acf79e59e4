// Package builtins provides built-in strategy implementations that ship with
// the backtest engine.
package builtins

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register("sma-cross", func(params map[string]float64) (strategy.Strategy, error) {
		short := int(strategy.Param(params, "short", 10))
		long := int(strategy.Param(params, "long", 30))
		period := time.Duration(strategy.Param(params, "period_minutes", 24*60)) * time.Minute
		return NewSMACross(short, long, period)
	})
	r.Register("buy-and-hold", func(map[string]float64) (strategy.Strategy, error) {
		return NewBuyAndHold(), nil
	})
}

// SMACross implements a simple moving average crossover strategy on
// consolidated bars. It generates a buy signal when the short-period SMA
// crosses above the long-period SMA, and a sell signal when it crosses
// below. Capital is split evenly across the subscribed symbols.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	period      time.Duration

	mu      sync.Mutex
	weight  float64
	closes  map[string][]float64
	above   map[string]int // 1 short above long, -1 below, 0 unknown
	pending []domain.Signal
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods, measured in bars of the given period.
func NewSMACross(short, long int, period time.Duration) (*SMACross, error) {
	if short < 1 || long <= short {
		return nil, fmt.Errorf("sma-cross needs 0 < short < long, got %d/%d", short, long)
	}
	if period <= 0 {
		return nil, fmt.Errorf("sma-cross needs a positive bar period, got %v", period)
	}
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		period:      period,
		closes:      make(map[string][]float64),
		above:       make(map[string]int),
	}, nil
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Init registers a consolidator for every subscribed symbol.
func (s *SMACross) Init(_ context.Context, h *strategy.Host) error {
	symbols := h.Securities().Symbols()
	if len(symbols) == 0 {
		return fmt.Errorf("sma-cross: no symbols")
	}
	s.weight = 1 / float64(len(symbols))
	for _, sym := range symbols {
		if err := h.Consolidate(sym, s.period, s.onBar); err != nil {
			return err
		}
	}
	return nil
}

// onBar appends a finished bar's close and queues a signal on a crossover.
func (s *SMACross) onBar(bar domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closes := append(s.closes[bar.Symbol], bar.Close)
	if len(closes) > s.longPeriod {
		closes = closes[len(closes)-s.longPeriod:]
	}
	s.closes[bar.Symbol] = closes
	if len(closes) < s.longPeriod {
		return
	}

	short, long := mean(closes[len(closes)-s.shortPeriod:]), mean(closes)
	state := -1
	if short > long {
		state = 1
	}
	prev := s.above[bar.Symbol]
	s.above[bar.Symbol] = state
	if prev == 0 || prev == state {
		return
	}

	sig := domain.Signal{
		StrategyID: s.Name(),
		Symbol:     bar.Symbol,
		Type:       domain.SignalTypeSell,
		Metadata: map[string]string{
			"short_sma": strconv.FormatFloat(short, 'f', 4, 64),
			"long_sma":  strconv.FormatFloat(long, 'f', 4, 64),
		},
	}
	if state > 0 {
		sig.Type = domain.SignalTypeBuy
		sig.Strength = s.weight
	}
	s.pending = append(s.pending, sig)
}

// OnBars returns the signals raised by consolidated bars in this slice.
func (s *SMACross) OnBars(_ context.Context, _ domain.TradeBars) ([]domain.Signal, error) {
	return s.drain(), nil
}

// OnTicks returns the signals raised by consolidated ticks in this slice.
func (s *SMACross) OnTicks(_ context.Context, _ domain.Ticks) ([]domain.Signal, error) {
	return s.drain(), nil
}

// OnData ignores custom data.
func (s *SMACross) OnData(context.Context, domain.DataPoint) ([]domain.Signal, error) {
	return nil, nil
}

func (s *SMACross) drain() []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
