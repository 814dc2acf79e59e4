package builtins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ydxt25/QuantSystem-sub000/internal/broker"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/result"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
	"github.com/ydxt25/QuantSystem-sub000/internal/store"
	"github.com/ydxt25/QuantSystem-sub000/internal/strategy"
	"github.com/ydxt25/QuantSystem-sub000/internal/util"
)

func newHost(t *testing.T, s strategy.Strategy, symbols ...string) *strategy.Host {
	t.Helper()
	secs := security.NewManager()
	for _, sym := range symbols {
		cfg, err := domain.NewSubscriptionConfig(sym, domain.SecurityTypeEquity, domain.MarketUS, domain.ResolutionMinute, false, false)
		require.NoError(t, err)
		_, err = secs.Add(security.New(cfg, util.NewTradingCalendar(domain.MarketUS)))
		require.NoError(t, err)
	}
	results := result.NewBacktestHandler(store.Run{ID: "builtins"}, nil, nil)
	h := strategy.NewHost(s, secs, broker.NewSimulatorBroker(10000, secs), nil, results)
	require.NoError(t, h.Init(context.Background()))
	return h
}

func TestRegister(t *testing.T) {
	r := strategy.NewRegistry()
	Register(r)
	assert.Equal(t, []string{"buy-and-hold", "sma-cross"}, r.List())

	s, err := r.New("sma-cross", map[string]float64{"short": 3, "long": 7})
	require.NoError(t, err)
	assert.Equal(t, "sma-cross", s.Name())
	assert.Equal(t, 3, s.(*SMACross).shortPeriod)

	_, err = r.New("sma-cross", map[string]float64{"short": 30, "long": 10})
	assert.Error(t, err)
}

func TestSMACrossSignals(t *testing.T) {
	s, err := NewSMACross(2, 3, 24*time.Hour)
	require.NoError(t, err)
	s.weight = 0.5

	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	var got []domain.Signal
	for i, px := range []float64{10, 10, 10, 13, 5} {
		s.onBar(domain.Bar{Symbol: "SPY", Timestamp: day.AddDate(0, 0, i), Close: px})
		signals, err := s.OnBars(context.Background(), nil)
		require.NoError(t, err)
		got = append(got, signals...)
	}

	require.Len(t, got, 2)
	assert.Equal(t, domain.SignalTypeBuy, got[0].Type)
	assert.Equal(t, 0.5, got[0].Strength)
	assert.Equal(t, "11.5000", got[0].Metadata["short_sma"])
	assert.Equal(t, domain.SignalTypeSell, got[1].Type)
	assert.Equal(t, "SPY", got[1].Symbol)
}

func TestSMACrossInitRegistersConsolidators(t *testing.T) {
	s, err := NewSMACross(2, 3, time.Hour)
	require.NoError(t, err)
	h := newHost(t, s, "SPY", "QQQ")

	assert.Equal(t, 0.5, s.weight)
	for _, sec := range h.Securities().All() {
		assert.Len(t, sec.Consolidators(), 1, sec.Symbol())
	}

	_, err = NewSMACross(2, 3, 0)
	assert.Error(t, err)
}

func TestBuyAndHold(t *testing.T) {
	b := NewBuyAndHold()
	newHost(t, b, "SPY", "QQQ")
	ctx := context.Background()

	signals, err := b.OnBars(ctx, domain.TradeBars{"SPY": {Symbol: "SPY", Close: 1}})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SignalTypeBuy, signals[0].Type)
	assert.Equal(t, 0.5, signals[0].Strength)

	signals, err = b.OnBars(ctx, domain.TradeBars{"SPY": {Symbol: "SPY", Close: 2}})
	require.NoError(t, err)
	assert.Empty(t, signals)

	signals, err = b.OnTicks(ctx, domain.Ticks{"QQQ": {{Symbol: "QQQ", Price: 3}}})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "QQQ", signals[0].Symbol)
}
