package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/feed"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
	"github.com/ydxt25/QuantSystem-sub000/internal/stream"
)

// preloadedFeed has finished producing; its bridges hold the whole run.
type preloadedFeed struct {
	bridges []*feed.Bridge
	exited  atomic.Bool
	changed chan struct{}
}

func newPreloadedFeed(t *testing.T, batches ...[]feed.Batch) *preloadedFeed {
	t.Helper()
	f := &preloadedFeed{changed: make(chan struct{})}
	for _, bs := range batches {
		br := feed.NewBridge(len(bs)+1, nil, 0)
		for _, b := range bs {
			require.NoError(t, br.TryPush(b))
		}
		f.bridges = append(f.bridges, br)
	}
	return f
}

func (f *preloadedFeed) Bridges() int                  { return len(f.bridges) }
func (f *preloadedFeed) Bridge(i int) *feed.Bridge     { return f.bridges[i] }
func (f *preloadedFeed) IsEndOfBridge(int) bool        { return true }
func (f *preloadedFeed) EndOfBridges() bool            { return true }
func (f *preloadedFeed) LoadedDataFrontier() time.Time { return time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC) }
func (f *preloadedFeed) Increment() time.Duration      { return time.Minute }
func (f *preloadedFeed) Changed() <-chan struct{}      { return f.changed }
func (f *preloadedFeed) Exit() {
	f.exited.Store(true)
	for _, b := range f.bridges {
		b.Purge()
	}
}

type fakeExchange struct{}

func (fakeExchange) DateIsOpen(time.Time) bool                 { return true }
func (fakeExchange) DateTimeIsOpen(time.Time) bool             { return true }
func (fakeExchange) DateTimeIsExtendedOpen(time.Time) bool     { return true }
func (fakeExchange) TimeOfDayClosed(time.Time) bool            { return false }
func (fakeExchange) MarketClose(d time.Time, _ bool) time.Time { return d }

type recorder struct {
	mu         sync.Mutex
	secs       *security.Manager
	now        []time.Time
	bars       []domain.TradeBars
	ticks      []domain.Ticks
	custom     []domain.DataPoint
	endOfDays  []time.Time
	ended      bool
	liquidated bool
	quitAfter  int
	value      float64
	failOn     int
}

func (r *recorder) SetTime(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = append(r.now, t)
}
func (r *recorder) Securities() *security.Manager { return r.secs }
func (r *recorder) OnBars(_ context.Context, b domain.TradeBars) error {
	r.bars = append(r.bars, b)
	r.value += 10
	if r.failOn > 0 && len(r.bars) == r.failOn {
		return errors.New("strategy failed")
	}
	return nil
}
func (r *recorder) OnTicks(_ context.Context, t domain.Ticks) error {
	r.ticks = append(r.ticks, t)
	return nil
}
func (r *recorder) OnData(_ context.Context, p domain.DataPoint) error {
	r.custom = append(r.custom, p)
	return nil
}
func (r *recorder) OnEndOfDay(_ context.Context, d time.Time) error {
	r.endOfDays = append(r.endOfDays, d)
	return nil
}
func (r *recorder) OnEndOfAlgorithm(context.Context) error { r.ended = true; return nil }
func (r *recorder) QuitRequested() bool                    { return r.quitAfter > 0 && len(r.bars) >= r.quitAfter }
func (r *recorder) PortfolioValue() float64                { return r.value }
func (r *recorder) Liquidate(context.Context) error        { r.liquidated = true; return nil }

type results struct {
	mu       sync.Mutex
	equity   []time.Time
	perf     []float64
	prices   int
	statuses []string
	errs     []error
	flushed  int
}

func (r *results) SampleEquity(t time.Time, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.equity = append(r.equity, t)
}
func (r *results) SamplePerformance(_ time.Time, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perf = append(r.perf, v)
}
func (r *results) SampleAssetPrice(string, time.Time, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices++
}
func (r *results) DebugMessage(string) {}
func (r *results) ErrorMessage(string) {}
func (r *results) RuntimeError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}
func (r *results) SendStatusUpdate(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}
func (r *results) FlushCharts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
}
func (r *results) ProcessMessages() {}

type slowOrders struct{ waits atomic.Int32 }

func (s *slowOrders) WaitReady(context.Context, time.Duration) error {
	s.waits.Add(1)
	return nil
}

var d0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*security.Manager, *recorder) {
	t.Helper()
	secs := security.NewManager()
	for _, sym := range []string{"SPY", "QQQ"} {
		cfg, err := domain.NewSubscriptionConfig(sym, domain.SecurityTypeEquity, domain.MarketUS, domain.ResolutionMinute, false, false)
		require.NoError(t, err)
		_, err = secs.Add(security.New(cfg, fakeExchange{}))
		require.NoError(t, err)
	}
	return secs, &recorder{secs: secs, value: 100}
}

func barBatch(sym string, t time.Time, px float64) feed.Batch {
	return feed.Batch{Time: t, Points: []domain.DataPoint{
		domain.NewBarPoint(domain.Bar{Symbol: sym, Timestamp: t, Open: px, High: px, Low: px, Close: px}),
	}}
}

func twoDays() [][]feed.Batch {
	day2 := d0.AddDate(0, 0, 1)
	return [][]feed.Batch{
		{barBatch("SPY", d0.Add(10*time.Hour), 1), barBatch("SPY", d0.Add(11*time.Hour), 2), barBatch("SPY", day2.Add(10*time.Hour), 3)},
		{barBatch("QQQ", d0.Add(10*time.Hour), 5), {Time: d0.Add(12 * time.Hour), Points: []domain.DataPoint{
			domain.NewTickPoint(domain.Tick{Symbol: "QQQ", Timestamp: d0.Add(12 * time.Hour), Price: 6}),
			domain.NewCustomPoint("QQQ", d0.Add(12*time.Hour), 42, nil),
		}}},
	}
}

func TestManagerCompletesBacktest(t *testing.T) {
	secs, algo := setup(t)
	var consolidated []domain.DataPoint
	secs.Get(0).AddConsolidator(consolidatorFunc(func(p domain.DataPoint) { consolidated = append(consolidated, p) }))

	f := newPreloadedFeed(t, twoDays()...)
	res := &results{}
	orders := &slowOrders{}
	rc := NewRunContext("test", ModeBacktest)

	status, err := NewManager(rc).Run(context.Background(), Job{
		Feed: f, Stream: stream.New(time.Second), Start: d0, Algorithm: algo,
		Transactions: orders, Results: res, SynchronousOrders: true, SamplePeriod: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, StatusCompleted, rc.Status())

	// 10:00 (both), 11:00, 12:00 (tick + custom), next day 10:00
	require.Len(t, algo.now, 4)
	require.Len(t, algo.bars, 3)
	assert.Len(t, algo.bars[0], 2)
	require.Len(t, algo.ticks, 1)
	assert.Equal(t, 6.0, algo.ticks[0]["QQQ"][0].Price)
	require.Len(t, algo.custom, 1)
	assert.Equal(t, 42.0, algo.custom[0].Value)

	assert.Equal(t, []time.Time{d0, d0.AddDate(0, 0, 1)}, algo.endOfDays)
	assert.True(t, algo.ended)
	assert.True(t, algo.liquidated)
	assert.Equal(t, int32(4), orders.waits.Load())
	assert.Len(t, consolidated, 3)
	assert.Equal(t, 3.0, secs.Get(0).Cache.Price())

	assert.Equal(t, []string{"running", "completed"}, res.statuses)
	assert.NotZero(t, res.flushed)
	assert.NotZero(t, res.prices)
	assert.False(t, f.exited.Load())
}

func TestManagerQuit(t *testing.T) {
	_, algo := setup(t)
	algo.quitAfter = 1
	f := newPreloadedFeed(t, twoDays()...)
	res := &results{}

	status, err := NewManager(NewRunContext("q", ModeBacktest)).Run(context.Background(), Job{
		Feed: f, Stream: stream.New(time.Second), Start: d0, Algorithm: algo, Results: res,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQuit, status)
	assert.Len(t, algo.bars, 1)
	assert.True(t, f.exited.Load())
	assert.True(t, algo.ended)
}

func TestManagerExternalStopAndDelete(t *testing.T) {
	for _, tc := range []struct {
		name   string
		signal func(*RunContext)
		want   Status
		ended  bool
	}{
		{"stop", (*RunContext).Stop, StatusStopped, true},
		{"delete", (*RunContext).Delete, StatusDeleted, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, algo := setup(t)
			f := newPreloadedFeed(t, twoDays()...)
			rc := NewRunContext(tc.name, ModeBacktest)
			tc.signal(rc)

			status, err := NewManager(rc).Run(context.Background(), Job{
				Feed: f, Stream: stream.New(time.Second), Start: d0, Algorithm: algo, Results: &results{},
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
			assert.Empty(t, algo.bars)
			assert.Equal(t, tc.ended, algo.ended)
			assert.True(t, f.exited.Load())
		})
	}
}

func TestManagerRuntimeError(t *testing.T) {
	_, algo := setup(t)
	algo.failOn = 2
	res := &results{}

	status, err := NewManager(NewRunContext("e", ModeBacktest)).Run(context.Background(), Job{
		Feed: newPreloadedFeed(t, twoDays()...), Stream: stream.New(time.Second), Start: d0, Algorithm: algo, Results: res,
	})
	assert.Error(t, err)
	assert.Equal(t, StatusRuntimeError, status)
	assert.Len(t, res.errs, 1)
	assert.False(t, algo.liquidated)
	assert.Equal(t, "runtime_error", res.statuses[len(res.statuses)-1])
}

func TestManagerSameSymbolKeepsFinestBar(t *testing.T) {
	for _, order := range [][]domain.Resolution{
		{domain.ResolutionMinute, domain.ResolutionDaily},
		{domain.ResolutionDaily, domain.ResolutionMinute},
	} {
		t.Run(string(order[0])+"_first", func(t *testing.T) {
			secs := security.NewManager()
			var batches [][]feed.Batch
			for _, res := range order {
				cfg, err := domain.NewSubscriptionConfig("SPY", domain.SecurityTypeEquity, domain.MarketUS, res, false, false)
				require.NoError(t, err)
				_, err = secs.Add(security.New(cfg, fakeExchange{}))
				require.NoError(t, err)
				px := 1.0
				if res == domain.ResolutionDaily {
					px = 100
				}
				batches = append(batches, []feed.Batch{barBatch("SPY", d0.Add(10*time.Hour), px)})
			}
			algo := &recorder{secs: secs, value: 100}

			status, err := NewManager(NewRunContext("dup", ModeBacktest)).Run(context.Background(), Job{
				Feed: newPreloadedFeed(t, batches...), Stream: stream.New(time.Second), Start: d0, Algorithm: algo, Results: &results{},
			})
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, status)
			require.Len(t, algo.bars, 1)
			require.Len(t, algo.bars[0], 1)
			assert.Equal(t, 1.0, algo.bars[0]["SPY"].Close)
		})
	}
}

func TestRunContextSignalsOnce(t *testing.T) {
	rc := NewRunContext("x", ModeLive)
	rc.Stop()
	rc.Delete()
	assert.Equal(t, StatusStopped, rc.Requested())
	select {
	case <-rc.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
}

func TestSchedulerFiresInOrder(t *testing.T) {
	s := NewScheduler()
	var fired []string
	s.Every("hourly", d0.Add(time.Hour), time.Hour, func(at time.Time) {
		fired = append(fired, "hourly@"+at.Format("15"))
	})
	s.At("once", d0.Add(90*time.Minute), func(time.Time) { fired = append(fired, "once") })

	s.SetTime(d0.Add(30 * time.Minute))
	assert.Empty(t, fired)
	s.SetTime(d0.Add(2 * time.Hour))
	assert.Equal(t, []string{"hourly@01", "once", "hourly@02"}, fired)
	assert.Equal(t, 1, s.Len())
}

func TestRiskManagerCheckOrder(t *testing.T) {
	rm := NewRiskManager(0.10, 0.02)
	rm.StartDay(100000)

	order := &domain.Order{
		ID:     "test-order-1",
		Symbol: "AAPL",
		Side:   domain.OrderSideBuy,
		Type:   domain.OrderTypeMarket,
		Qty:    10,
	}
	account := &domain.AccountInfo{
		Equity:      100000,
		Cash:        50000,
		BuyingPower: 200000,
	}

	require.NoError(t, rm.CheckOrder(context.Background(), order, 100, 0, account))

	order.Qty = 200
	assert.ErrorIs(t, rm.CheckOrder(context.Background(), order, 100, 0, account), ErrRiskRejected, "oversized order")

	order.Qty = 10
	account.Equity = 97000
	assert.ErrorIs(t, rm.CheckOrder(context.Background(), order, 100, 0, account), ErrRiskRejected, "after daily loss")

	order.Side = domain.OrderSideSell
	assert.NoError(t, rm.CheckOrder(context.Background(), order, 100, 0, account), "sells are not limited")
}

type consolidatorFunc func(domain.DataPoint)

func (f consolidatorFunc) Update(p domain.DataPoint) { f(p) }
