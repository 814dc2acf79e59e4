package strategy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ydxt25/QuantSystem-sub000/internal/broker"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/engine"
	"github.com/ydxt25/QuantSystem-sub000/internal/result"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
	"github.com/ydxt25/QuantSystem-sub000/internal/store"
	"github.com/ydxt25/QuantSystem-sub000/internal/util"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestHost(t *testing.T, cash float64, risk *engine.RiskManager) (*Host, *stubStrategy, *result.BacktestHandler) {
	t.Helper()
	secs := security.NewManager()
	for _, sym := range []string{"SPY", "QQQ"} {
		cfg, err := domain.NewSubscriptionConfig(sym, domain.SecurityTypeEquity, domain.MarketUS, domain.ResolutionMinute, false, false)
		require.NoError(t, err)
		_, err = secs.Add(security.New(cfg, util.NewTradingCalendar(domain.MarketUS)))
		require.NoError(t, err)
	}
	strat := &stubStrategy{name: "stub"}
	results := result.NewBacktestHandler(store.Run{ID: "host-test"}, nil, nil)
	h := NewHost(strat, secs, broker.NewSimulatorBroker(cash, secs), risk, results)
	require.NoError(t, h.Init(context.Background()))
	h.SetTime(t0)
	return h, strat, results
}

func setPrice(t *testing.T, h *Host, symbol string, px float64) {
	t.Helper()
	sec, ok := h.Securities().BySymbol(symbol)
	require.True(t, ok)
	sec.Cache.Update(domain.NewBarPoint(domain.Bar{Symbol: symbol, Timestamp: t0, Open: px, High: px, Low: px, Close: px}))
}

func TestHostTargetWeightOrders(t *testing.T) {
	h, strat, _ := newTestHost(t, 10000, nil)
	ctx := context.Background()
	setPrice(t, h, "SPY", 50)

	strat.signals = []domain.Signal{{Symbol: "SPY", Type: domain.SignalTypeBuy, Strength: 0.5}}
	require.NoError(t, h.OnBars(ctx, domain.TradeBars{}))
	h.Broker().ProcessPending(ctx)
	assert.Equal(t, 100.0, h.Broker().Quantity("SPY"))
	assert.Equal(t, 1, h.OrdersSubmitted())

	// Already at target.
	require.NoError(t, h.Execute(ctx, []domain.Signal{{Symbol: "SPY", Type: domain.SignalTypeBuy, Strength: 0.5}}))
	assert.Equal(t, 1, h.OrdersSubmitted())

	// Lower target sells the excess.
	require.NoError(t, h.Execute(ctx, []domain.Signal{{Symbol: "SPY", Type: domain.SignalTypeBuy, Strength: 0.25}}))
	h.Broker().ProcessPending(ctx)
	assert.Equal(t, 50.0, h.Broker().Quantity("SPY"))

	require.NoError(t, h.Execute(ctx, []domain.Signal{{Symbol: "SPY", Type: domain.SignalTypeSell}}))
	h.Broker().ProcessPending(ctx)
	assert.Zero(t, h.Broker().Quantity("SPY"))
	assert.Equal(t, 10000.0, h.PortfolioValue())
}

func TestHostSkipsUnpricedAndRejectsUnknown(t *testing.T) {
	h, _, results := newTestHost(t, 10000, nil)
	ctx := context.Background()

	require.NoError(t, h.Execute(ctx, []domain.Signal{{Symbol: "QQQ", Type: domain.SignalTypeBuy, Strength: 1}}))
	assert.Zero(t, h.OrdersSubmitted())
	msgs := results.Messages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1].Text, "no price for QQQ")

	err := h.Execute(ctx, []domain.Signal{{Symbol: "TSLA", Type: domain.SignalTypeBuy, Strength: 1}})
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	hold := []domain.Signal{{Symbol: "TSLA", Type: domain.SignalTypeHold}}
	require.NoError(t, h.Execute(ctx, hold))
	assert.Equal(t, "stub", hold[0].StrategyID)
	assert.True(t, hold[0].CreatedAt.Equal(t0))
}

func TestHostRiskLimits(t *testing.T) {
	h, _, results := newTestHost(t, 10000, engine.NewRiskManager(0.2, 0))
	ctx := context.Background()
	setPrice(t, h, "SPY", 50)

	require.NoError(t, h.Execute(ctx, []domain.Signal{{Symbol: "SPY", Type: domain.SignalTypeBuy, Strength: 0.5}}))
	assert.Zero(t, h.OrdersSubmitted())
	var rejected bool
	for _, m := range results.Messages() {
		rejected = rejected || strings.Contains(m.Text, "rejected by risk rules")
	}
	assert.True(t, rejected)

	require.NoError(t, h.Execute(ctx, []domain.Signal{{Symbol: "SPY", Type: domain.SignalTypeBuy, Strength: 0.1}}))
	assert.Equal(t, 1, h.OrdersSubmitted())
}

func TestHostConsolidateQuitAndSchedule(t *testing.T) {
	h, _, _ := newTestHost(t, 1000, nil)

	var bars []domain.Bar
	require.NoError(t, h.Consolidate("SPY", 5*time.Minute, func(b domain.Bar) { bars = append(bars, b) }))
	assert.ErrorIs(t, h.Consolidate("TSLA", time.Minute, nil), ErrUnknownSymbol)
	assert.Error(t, h.Consolidate("SPY", 0, nil))

	sec, _ := h.Securities().BySymbol("SPY")
	require.Len(t, sec.Consolidators(), 1)
	for i := range 6 {
		px := float64(10 + i)
		sec.Consolidators()[0].Update(domain.NewBarPoint(domain.Bar{Symbol: "SPY", Timestamp: t0.Add(time.Duration(i) * time.Minute), Open: px, High: px, Low: px, Close: px}))
	}
	require.Len(t, bars, 1)
	assert.Equal(t, 14.0, bars[0].Close)

	fired := 0
	h.Schedule().At("check", t0.Add(time.Hour), func(time.Time) { fired++ })
	h.Schedule().SetTime(t0.Add(2 * time.Hour))
	assert.Equal(t, 1, fired)

	assert.False(t, h.QuitRequested())
	h.Quit()
	assert.True(t, h.QuitRequested())
}

func TestHostLiquidate(t *testing.T) {
	h, _, _ := newTestHost(t, 1000, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Broker().Run(ctx)
	setPrice(t, h, "SPY", 10)

	require.NoError(t, h.Execute(ctx, []domain.Signal{{Symbol: "SPY", Type: domain.SignalTypeBuy, Strength: 1}}))
	require.NoError(t, h.Broker().WaitReady(ctx, time.Second))
	assert.Equal(t, 100.0, h.Broker().Quantity("SPY"))

	setPrice(t, h, "SPY", 12)
	require.NoError(t, h.Liquidate(ctx))
	assert.Zero(t, h.Broker().Quantity("SPY"))
	assert.Equal(t, 1200.0, h.Broker().Cash())
	assert.NoError(t, h.Liquidate(ctx), "nothing left to sell")
}
