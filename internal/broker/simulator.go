package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/store"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

type holding struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

// SimulatorBroker implements the Broker interface for backtesting. Orders
// are queued on submission and filled by Run, or ProcessPending, at the
// latest price. Non-marketable limit orders are cancelled rather than
// left resting. Long positions only.
type SimulatorBroker struct {
	prices     Prices
	clock      func() time.Time
	orderStore store.OrderStore
	runID      string
	log        *slog.Logger

	mu        sync.Mutex
	cash      decimal.Decimal
	holdings  map[string]*holding
	orders    map[string]*domain.Order
	history   []string
	queue     []string
	inFlight  int
	realized  []float64
	wake      chan struct{}
	processed chan struct{}
}

// NewSimulatorBroker creates a SimulatorBroker holding cash and pricing
// fills from prices.
func NewSimulatorBroker(cash float64, prices Prices) *SimulatorBroker {
	return &SimulatorBroker{
		prices:    prices,
		clock:     time.Now,
		cash:      decimal.NewFromFloat(cash),
		holdings:  make(map[string]*holding),
		orders:    make(map[string]*domain.Order),
		wake:      make(chan struct{}, 1),
		processed: make(chan struct{}),
		log:       slog.Default().With("component", "broker"),
	}
}

// SetClock sets the source of order timestamps, normally simulated time.
func (b *SimulatorBroker) SetClock(clock func() time.Time) { b.clock = clock }

// SetOrderStore persists every order state change under runID.
func (b *SimulatorBroker) SetOrderStore(s store.OrderStore, runID string) {
	b.orderStore = s
	b.runID = runID
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SubmitOrder validates and queues the order. The returned copy carries the
// assigned ID and the new status.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	if order == nil || order.Symbol == "" || order.Qty <= 0 {
		return nil, fmt.Errorf("%w: symbol and positive quantity required", ErrInvalidOrder)
	}
	if order.Side != domain.OrderSideBuy && order.Side != domain.OrderSideSell {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, order.Side)
	}
	if order.Type == "" {
		order.Type = domain.OrderTypeMarket
	}
	if order.Type == domain.OrderTypeLimit && order.LimitPrice <= 0 {
		return nil, fmt.Errorf("%w: limit price required", ErrInvalidOrder)
	}

	o := *order
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Symbol = strings.ToUpper(o.Symbol)
	o.Status = domain.OrderStatusNew
	o.CreatedAt = b.clock()
	o.UpdatedAt = o.CreatedAt

	b.mu.Lock()
	if _, dup := b.orders[o.ID]; dup {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidOrder, o.ID)
	}
	b.orders[o.ID] = &o
	b.history = append(b.history, o.ID)
	b.queue = append(b.queue, o.ID)
	out := o
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return &out, nil
}

// CancelOrder cancels a queued order.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.Status != domain.OrderStatusNew {
		b.mu.Unlock()
		return fmt.Errorf("%w: order %s is %s", ErrInvalidOrder, orderID, o.Status)
	}
	for i, id := range b.queue {
		if id == orderID {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = b.clock()
	snapshot := *o
	b.signalLocked()
	b.mu.Unlock()

	b.persist(ctx, &snapshot)
	return nil
}

// Run fills queued orders as they arrive until ctx is done.
func (b *SimulatorBroker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.wake:
			b.ProcessPending(ctx)
		}
	}
}

// ProcessPending fills every queued order in submission order.
func (b *SimulatorBroker) ProcessPending(ctx context.Context) {
	b.mu.Lock()
	ids := b.queue
	b.queue = nil
	b.inFlight += len(ids)
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		o, ok := b.orders[id]
		var snapshot domain.Order
		if ok && o.Status == domain.OrderStatusNew {
			b.fillLocked(o)
			snapshot = *o
		}
		b.inFlight--
		b.mu.Unlock()
		if ok && snapshot.ID != "" {
			b.persist(ctx, &snapshot)
		}
	}

	b.mu.Lock()
	b.signalLocked()
	b.mu.Unlock()
}

// WaitReady blocks until no order is queued or being filled.
func (b *SimulatorBroker) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		if len(b.queue) == 0 && b.inFlight == 0 {
			b.mu.Unlock()
			return nil
		}
		ch := b.processed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrNotReady
		case <-ch:
		}
	}
}

func (b *SimulatorBroker) signalLocked() {
	close(b.processed)
	b.processed = make(chan struct{})
}

// fillLocked executes o at the latest price.
func (b *SimulatorBroker) fillLocked(o *domain.Order) {
	o.UpdatedAt = b.clock()
	px, ok := b.prices.Price(o.Symbol)
	if !ok || px <= 0 {
		b.reject(o, "no price")
		return
	}
	if o.Type == domain.OrderTypeLimit {
		if (o.Side == domain.OrderSideBuy && px > o.LimitPrice) || (o.Side == domain.OrderSideSell && px < o.LimitPrice) {
			o.Status = domain.OrderStatusCancelled
			o.Reason = "limit not marketable"
			return
		}
	}

	price := decimal.NewFromFloat(px)
	qty := decimal.NewFromFloat(o.Qty)
	notional := price.Mul(qty)
	h := b.holdings[o.Symbol]

	switch o.Side {
	case domain.OrderSideBuy:
		if notional.GreaterThan(b.cash) {
			b.reject(o, "insufficient cash")
			return
		}
		if h == nil {
			h = &holding{}
			b.holdings[o.Symbol] = h
		}
		cost := h.avg.Mul(h.qty).Add(notional)
		h.qty = h.qty.Add(qty)
		h.avg = cost.Div(h.qty)
		b.cash = b.cash.Sub(notional)

	case domain.OrderSideSell:
		if h == nil || qty.GreaterThan(h.qty) {
			b.reject(o, "insufficient position")
			return
		}
		pnl, _ := price.Sub(h.avg).Mul(qty).Float64()
		b.realized = append(b.realized, pnl)
		h.qty = h.qty.Sub(qty)
		if h.qty.IsZero() {
			delete(b.holdings, o.Symbol)
		}
		b.cash = b.cash.Add(notional)
	}

	o.Status = domain.OrderStatusFilled
	o.FilledQty = o.Qty
	o.FilledAvgPrice = px
}

func (b *SimulatorBroker) reject(o *domain.Order, reason string) {
	o.Status = domain.OrderStatusRejected
	o.Reason = reason
	b.log.Debug("order rejected", "id", o.ID, "symbol", o.Symbol, "reason", reason)
}

func (b *SimulatorBroker) persist(ctx context.Context, o *domain.Order) {
	if b.orderStore == nil {
		return
	}
	if err := b.orderStore.SaveOrder(ctx, b.runID, o); err != nil {
		b.log.Warn("failed to save order", "id", o.ID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Account state
// ---------------------------------------------------------------------------

// GetPositions returns all simulated positions, valued at the latest price.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]domain.Position, 0, len(b.holdings))
	for sym, h := range b.holdings {
		qty, _ := h.qty.Float64()
		avg, _ := h.avg.Float64()
		value := b.valueLocked(sym, h)
		mv, _ := value.Float64()
		positions = append(positions, domain.Position{
			Symbol:        sym,
			Qty:           qty,
			AvgEntryPrice: avg,
			MarketValue:   mv,
			UnrealizedPL:  mv - qty*avg,
			Side:          domain.PositionSideLong,
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetAccount returns simulated account information.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cash, _ := b.cash.Float64()
	equity, _ := b.equityLocked().Float64()
	return &domain.AccountInfo{Cash: cash, Equity: equity, BuyingPower: cash}, nil
}

// TotalPortfolioValue returns cash plus holdings marked to market.
func (b *SimulatorBroker) TotalPortfolioValue() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, _ := b.equityLocked().Float64()
	return v
}

// Cash returns the cash balance.
func (b *SimulatorBroker) Cash() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, _ := b.cash.Float64()
	return v
}

// Quantity returns the quantity held of symbol.
func (b *SimulatorBroker) Quantity(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.holdings[strings.ToUpper(symbol)]
	if !ok {
		return 0
	}
	v, _ := h.qty.Float64()
	return v
}

func (b *SimulatorBroker) equityLocked() decimal.Decimal {
	total := b.cash
	for sym, h := range b.holdings {
		total = total.Add(b.valueLocked(sym, h))
	}
	return total
}

// valueLocked marks a holding at the latest price, or at cost without one.
func (b *SimulatorBroker) valueLocked(sym string, h *holding) decimal.Decimal {
	if px, ok := b.prices.Price(sym); ok && px > 0 {
		return h.qty.Mul(decimal.NewFromFloat(px))
	}
	return h.qty.Mul(h.avg)
}

// Liquidate submits a market sell for every holding.
func (b *SimulatorBroker) Liquidate(ctx context.Context) ([]*domain.Order, error) {
	b.mu.Lock()
	type lot struct {
		symbol string
		qty    float64
	}
	var lots []lot
	for sym, h := range b.holdings {
		q, _ := h.qty.Float64()
		lots = append(lots, lot{sym, q})
	}
	b.mu.Unlock()
	sort.Slice(lots, func(i, j int) bool { return lots[i].symbol < lots[j].symbol })

	var out []*domain.Order
	for _, l := range lots {
		o, err := b.SubmitOrder(ctx, &domain.Order{Symbol: l.symbol, Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: l.qty})
		if err != nil {
			return out, fmt.Errorf("liquidating %s: %w", l.symbol, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// Orders returns every order in submission order.
func (b *SimulatorBroker) Orders() []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Order, 0, len(b.history))
	for _, id := range b.history {
		out = append(out, *b.orders[id])
	}
	return out
}

// RealizedPnL returns the profit or loss of every closing fill.
func (b *SimulatorBroker) RealizedPnL() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float64(nil), b.realized...)
}
