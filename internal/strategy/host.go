package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/broker"
	"github.com/ydxt25/QuantSystem-sub000/internal/consolidator"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/engine"
	"github.com/ydxt25/QuantSystem-sub000/internal/result"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
)

var _ engine.Algorithm = (*Host)(nil)

// ErrUnknownSymbol is returned when a strategy refers to a symbol that has no
// subscription.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Host runs a Strategy inside the engine. It owns the run's securities and
// turns the strategy's signals into orders on the simulated broker.
type Host struct {
	strategy     Strategy
	secs         *security.Manager
	broker       *broker.SimulatorBroker
	risk         *engine.RiskManager
	results      result.Handler
	schedule     *engine.Scheduler
	orderTimeout time.Duration
	log          *slog.Logger

	mu   sync.RWMutex
	now  time.Time
	quit atomic.Bool
	sent atomic.Int64
}

// NewHost binds s to its securities, broker and result handler. risk may be
// nil.
func NewHost(s Strategy, secs *security.Manager, b *broker.SimulatorBroker, risk *engine.RiskManager, results result.Handler) *Host {
	return &Host{
		strategy:     s,
		secs:         secs,
		broker:       b,
		risk:         risk,
		results:      results,
		schedule:     engine.NewScheduler(),
		orderTimeout: 5 * time.Second,
		log:          slog.Default().With("component", "strategy", "strategy", s.Name()),
	}
}

// SetOrderTimeout bounds how long Liquidate waits for its orders.
func (h *Host) SetOrderTimeout(d time.Duration) {
	if d > 0 {
		h.orderTimeout = d
	}
}

// Init calls the strategy's Init and records the starting equity for the
// daily loss limit.
func (h *Host) Init(ctx context.Context) error {
	if h.risk != nil {
		h.risk.StartDay(h.PortfolioValue())
	}
	return h.strategy.Init(ctx, h)
}

// SetTime sets the simulated time.
func (h *Host) SetTime(t time.Time) {
	h.mu.Lock()
	h.now = t
	h.mu.Unlock()
}

// Time returns the simulated time.
func (h *Host) Time() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.now
}

// Securities returns the subscription registry.
func (h *Host) Securities() *security.Manager { return h.secs }

// Schedule returns the scheduler driven by simulated time. Events fire
// before the slice at or after their time is dispatched.
func (h *Host) Schedule() *engine.Scheduler { return h.schedule }

// Broker returns the simulated broker.
func (h *Host) Broker() *broker.SimulatorBroker { return h.broker }

// Consolidate aggregates symbol's data into bars of period and calls fn with
// each finished bar.
func (h *Host) Consolidate(symbol string, period time.Duration, fn func(domain.Bar)) error {
	sec, ok := h.secs.BySymbol(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if period <= 0 {
		return fmt.Errorf("consolidation period must be positive, got %v", period)
	}
	sec.AddConsolidator(consolidator.NewPeriodConsolidator(period, fn))
	return nil
}

// Quit asks the engine to stop after the current slice.
func (h *Host) Quit() { h.quit.Store(true) }

// QuitRequested reports whether Quit was called.
func (h *Host) QuitRequested() bool { return h.quit.Load() }

// PortfolioValue is cash plus holdings at the latest prices.
func (h *Host) PortfolioValue() float64 { return h.broker.TotalPortfolioValue() }

// OrdersSubmitted returns how many orders the host has sent.
func (h *Host) OrdersSubmitted() int { return int(h.sent.Load()) }

// OnBars forwards bars to the strategy and executes its signals.
func (h *Host) OnBars(ctx context.Context, bars domain.TradeBars) error {
	signals, err := h.strategy.OnBars(ctx, bars)
	if err != nil {
		return err
	}
	return h.Execute(ctx, signals)
}

// OnTicks forwards ticks to the strategy and executes its signals.
func (h *Host) OnTicks(ctx context.Context, ticks domain.Ticks) error {
	signals, err := h.strategy.OnTicks(ctx, ticks)
	if err != nil {
		return err
	}
	return h.Execute(ctx, signals)
}

// OnData forwards a custom data point to the strategy.
func (h *Host) OnData(ctx context.Context, p domain.DataPoint) error {
	signals, err := h.strategy.OnData(ctx, p)
	if err != nil {
		return err
	}
	return h.Execute(ctx, signals)
}

// OnEndOfDay resets the daily loss limit and lets the strategy act on the
// day boundary.
func (h *Host) OnEndOfDay(ctx context.Context, date time.Time) error {
	if h.risk != nil {
		h.risk.StartDay(h.PortfolioValue())
	}
	eod, ok := h.strategy.(EndOfDayHandler)
	if !ok {
		return nil
	}
	signals, err := eod.OnEndOfDay(ctx, date)
	if err != nil {
		return err
	}
	return h.Execute(ctx, signals)
}

// OnEndOfAlgorithm calls the strategy's end-of-run hook.
func (h *Host) OnEndOfAlgorithm(ctx context.Context) error {
	if eoa, ok := h.strategy.(EndOfAlgorithmHandler); ok {
		return eoa.OnEndOfAlgorithm(ctx)
	}
	return nil
}

// Liquidate sells every holding and waits for the orders to fill.
func (h *Host) Liquidate(ctx context.Context) error {
	orders, err := h.broker.Liquidate(ctx)
	if err != nil {
		return err
	}
	h.sent.Add(int64(len(orders)))
	if len(orders) == 0 {
		return nil
	}
	return h.broker.WaitReady(ctx, h.orderTimeout)
}

// Execute turns signals into orders. A buy signal targets Strength of the
// portfolio value in the symbol; a sell signal closes the position.
// Signals that cannot be priced or that break a risk rule are reported and
// skipped.
func (h *Host) Execute(ctx context.Context, signals []domain.Signal) error {
	for i := range signals {
		sig := &signals[i]
		if sig.StrategyID == "" {
			sig.StrategyID = h.strategy.Name()
		}
		if sig.CreatedAt.IsZero() {
			sig.CreatedAt = h.Time()
		}
		if sig.Type == domain.SignalTypeHold {
			continue
		}

		sec, ok := h.secs.BySymbol(sig.Symbol)
		if !ok {
			return fmt.Errorf("%w: signal for %s", ErrUnknownSymbol, sig.Symbol)
		}
		price := sec.Cache.Price()
		if price <= 0 {
			h.results.DebugMessage(fmt.Sprintf("no price for %s, signal skipped", sec.Symbol()))
			continue
		}

		order := h.orderFor(sig, sec.Symbol(), price)
		if order == nil {
			continue
		}
		if err := h.check(ctx, order, price); err != nil {
			h.results.DebugMessage(err.Error())
			continue
		}
		placed, err := h.broker.SubmitOrder(ctx, order)
		if err != nil {
			return fmt.Errorf("submitting %s %s: %w", order.Side, order.Symbol, err)
		}
		h.sent.Add(1)
		h.log.Debug("order submitted", "id", placed.ID, "symbol", placed.Symbol,
			"side", placed.Side, "qty", placed.Qty, "time", sig.CreatedAt)
	}
	return nil
}

// orderFor sizes the order that moves the holding toward the signal's
// target, or returns nil when nothing needs to trade.
func (h *Host) orderFor(sig *domain.Signal, symbol string, price float64) *domain.Order {
	held := h.broker.Quantity(symbol)
	var delta float64
	switch sig.Type {
	case domain.SignalTypeBuy:
		weight := math.Max(0, math.Min(1, sig.Strength))
		target := math.Floor(weight * h.PortfolioValue() / price)
		delta = target - held
	case domain.SignalTypeSell:
		delta = -held
	default:
		return nil
	}

	switch {
	case delta > 0:
		return &domain.Order{Symbol: symbol, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: delta}
	case delta < 0:
		return &domain.Order{Symbol: symbol, Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: -delta}
	default:
		return nil
	}
}

func (h *Host) check(ctx context.Context, order *domain.Order, price float64) error {
	if h.risk == nil {
		return nil
	}
	account, err := h.broker.GetAccount(ctx)
	if err != nil {
		return err
	}
	return h.risk.CheckOrder(ctx, order, price, h.broker.Quantity(order.Symbol), account)
}
