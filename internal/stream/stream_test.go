package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ydxt25/QuantSystem-sub000/internal/datafile"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/feed"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
)

// weekdays is open 09:30-16:00 UTC on weekdays.
type weekdays struct{}

func (weekdays) DateIsOpen(d time.Time) bool {
	return d.Weekday() != time.Saturday && d.Weekday() != time.Sunday
}

func (w weekdays) DateTimeIsOpen(t time.Time) bool {
	return w.DateIsOpen(t) && !w.TimeOfDayClosed(t)
}

func (w weekdays) DateTimeIsExtendedOpen(t time.Time) bool { return w.DateTimeIsOpen(t) }

func (weekdays) TimeOfDayClosed(t time.Time) bool {
	off := t.Sub(day(t))
	return off < 9*time.Hour+30*time.Minute || off >= 16*time.Hour
}

func (weekdays) MarketClose(d time.Time, _ bool) time.Time { return day(d).Add(16 * time.Hour) }

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type memResolver map[string][]domain.DataPoint

func memKey(cfg *domain.SubscriptionConfig, d time.Time) string {
	return fmt.Sprintf("%s/%s/%s", cfg.Symbol, cfg.Resolution, d.Format(time.DateOnly))
}

func (m memResolver) Open(_ context.Context, cfg *domain.SubscriptionConfig, d time.Time) (feed.Source, error) {
	pts, ok := m[memKey(cfg, d)]
	if !ok {
		return nil, datafile.ErrSourceNotFound
	}
	return feed.NewSliceSource(append([]domain.DataPoint(nil), pts...)), nil
}

func bar(symbol string, t time.Time, px float64) domain.DataPoint {
	return domain.NewBarPoint(domain.Bar{Symbol: symbol, Timestamp: t, Open: px, High: px, Low: px, Close: px, Volume: 1})
}

func sec(t *testing.T, symbol string, res domain.Resolution, ff bool) *security.Security {
	t.Helper()
	cfg, err := domain.NewSubscriptionConfig(symbol, domain.SecurityTypeEquity, domain.MarketUS, res, ff, false)
	require.NoError(t, err)
	return security.New(cfg, weekdays{})
}

// run drives f and the synchronizer together, checking each emitted slice
// against the feed's watermark at emission.
func run(t *testing.T, f *feed.DataFeed, start time.Time) []Slice {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	var out []Slice
	err := New(BacktestTimeout).Stream(ctx, f, start, func(sl Slice) error {
		if !f.EndOfBridges() {
			assert.True(t, sl.Time.Before(f.LoadedDataFrontier()),
				"slice %v emitted ahead of watermark %v", sl.Time, f.LoadedDataFrontier())
		}
		out = append(out, sl)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-done)

	for i := 1; i < len(out); i++ {
		assert.True(t, out[i].Time.After(out[i-1].Time), "slice keys not strictly increasing at %d", i)
	}
	return out
}

func newFeed(t *testing.T, start, end time.Time, capacity int, res feed.SourceResolver, secs ...*security.Security) *feed.DataFeed {
	t.Helper()
	f, err := feed.New(feed.Config{Start: start, End: end, Capacity: capacity, PollInterval: 5 * time.Millisecond},
		secs, res, nil, nil)
	require.NoError(t, err)
	return f
}

var mon = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func TestDailyFiveDays(t *testing.T) {
	spy := sec(t, "SPY", domain.ResolutionDaily, false)
	res := memResolver{}
	for i := 0; i < 5; i++ {
		d := mon.AddDate(0, 0, i)
		res[memKey(spy.Config, d)] = []domain.DataPoint{bar("SPY", d, float64(100+i))}
	}

	out := run(t, newFeed(t, mon, mon.AddDate(0, 0, 4), 4, res, spy), mon)
	require.Len(t, out, 5)
	for i, sl := range out {
		assert.True(t, sl.Time.Equal(mon.AddDate(0, 0, i)))
		assert.Equal(t, 1, sl.Len())
		assert.Equal(t, []int{0}, sl.Indices())
		assert.Equal(t, float64(100+i), sl.Data[0][0].Value)
	}
}

func TestMinuteAndDailyTogether(t *testing.T) {
	qqq := sec(t, "QQQ", domain.ResolutionMinute, false)
	spy := sec(t, "SPY", domain.ResolutionDaily, false)
	res := memResolver{}
	open := mon.Add(9*time.Hour + 30*time.Minute)
	for m := 0; m < 5; m++ {
		res[memKey(qqq.Config, mon)] = append(res[memKey(qqq.Config, mon)], bar("QQQ", open.Add(time.Duration(m)*time.Minute), 300))
	}
	res[memKey(spy.Config, mon)] = []domain.DataPoint{bar("SPY", mon, 500)}

	out := run(t, newFeed(t, mon, mon, 4, res, qqq, spy), mon)

	dailySeen := 0
	minuteSlices := 0
	for _, sl := range out {
		if pts, ok := sl.Data[1]; ok {
			dailySeen += len(pts)
			assert.True(t, sl.Time.Equal(mon))
		}
		if !sl.Time.Before(open) {
			minuteSlices++
			require.Len(t, sl.Data[0], 1, "minute slice %v lacks the minute point", sl.Time)
		}
	}
	assert.Equal(t, 1, dailySeen)
	assert.Equal(t, 5, minuteSlices)
	assert.Len(t, out, 6)
}

func TestOrderingWithFillForwardAndBackpressure(t *testing.T) {
	a := sec(t, "AAA", domain.ResolutionMinute, true)
	b := sec(t, "BBB", domain.ResolutionMinute, true)
	res := memResolver{}
	open := mon.Add(9*time.Hour + 30*time.Minute)
	for m := 0; m < 30; m += 3 {
		res[memKey(a.Config, mon)] = append(res[memKey(a.Config, mon)], bar("AAA", open.Add(time.Duration(m)*time.Minute), 10))
	}
	for m := 1; m < 30; m += 7 {
		res[memKey(b.Config, mon)] = append(res[memKey(b.Config, mon)], bar("BBB", open.Add(time.Duration(m)*time.Minute), 20))
	}

	out := run(t, newFeed(t, mon, mon, 2, res, a, b), mon)

	last := map[int]time.Time{}
	for _, sl := range out {
		for i, pts := range sl.Data {
			for _, p := range pts {
				assert.False(t, p.Time.Before(last[i]), "subscription %d went back in time", i)
				assert.True(t, p.Time.Equal(sl.Time))
				last[i] = p.Time
			}
		}
	}
	// both fill through the close at 16:00
	assert.True(t, last[0].Equal(mon.Add(16*time.Hour)))
	assert.True(t, last[1].Equal(mon.Add(16*time.Hour)))
}

func TestStreamStopsOnCallbackError(t *testing.T) {
	spy := sec(t, "SPY", domain.ResolutionDaily, false)
	res := memResolver{}
	for i := 0; i < 3; i++ {
		d := mon.AddDate(0, 0, i)
		res[memKey(spy.Config, d)] = []domain.DataPoint{bar("SPY", d, 1)}
	}
	f := newFeed(t, mon, mon.AddDate(0, 0, 2), 1, res, spy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	stop := fmt.Errorf("stop")
	n := 0
	err := New(time.Second).Stream(ctx, f, mon, func(Slice) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
	f.Exit()
}

func TestStreamCancelled(t *testing.T) {
	spy := sec(t, "SPY", domain.ResolutionDaily, false)
	f := newFeed(t, mon, mon, 1, memResolver{}, spy)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(time.Second).GetData(ctx, f, mon)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLongFillForwardGap(t *testing.T) {
	spy := sec(t, "SPY", domain.ResolutionSecond, true)
	res := memResolver{memKey(spy.Config, mon): {bar("SPY", mon.Add(15*time.Hour), 1)}}
	tue := mon.AddDate(0, 0, 1)

	out := run(t, newFeed(t, mon, tue, 4, res, spy), mon)

	// Monday 15:00 through the 16:00 close, then all of Tuesday's session
	require.Len(t, out, 3601+23400)
	assert.True(t, out[3600].Time.Equal(mon.Add(16*time.Hour)))
	assert.True(t, out[3601].Time.Equal(tue.Add(9*time.Hour+30*time.Minute)))
	assert.True(t, out[len(out)-1].Time.Equal(tue.Add(16*time.Hour-time.Second)))
	for _, sl := range out {
		require.Equal(t, 1, sl.Len())
	}
}

func TestAccumulatorEmitsInTimeOrder(t *testing.T) {
	acc := newAccumulator()
	at := func(m int) time.Time { return mon.Add(time.Duration(m) * time.Minute) }
	batch := func(m int) feed.Batch {
		return feed.Batch{Time: at(m), Points: []domain.DataPoint{bar("SPY", at(m), float64(m))}}
	}
	for _, m := range []int{5, 1, 4, 2} {
		acc.add(0, batch(m))
	}
	acc.add(1, batch(4))
	acc.add(1, batch(3))

	var got []time.Time
	collect := func(sl Slice) error {
		got = append(got, sl.Time)
		return nil
	}
	cut := at(4)
	require.NoError(t, acc.emit(&cut, collect))
	assert.Equal(t, []time.Time{at(1), at(2), at(3)}, got)
	assert.Equal(t, 2, acc.Len())

	got = nil
	var four Slice
	require.NoError(t, acc.emit(nil, func(sl Slice) error {
		if sl.Time.Equal(at(4)) {
			four = sl
		}
		return collect(sl)
	}))
	assert.Equal(t, []time.Time{at(4), at(5)}, got)
	assert.Equal(t, []int{0, 1}, four.Indices())
	assert.Equal(t, 0, acc.Len())

	acc.add(0, batch(9))
	stop := fmt.Errorf("stop")
	assert.ErrorIs(t, acc.emit(nil, func(Slice) error { return stop }), stop)
	assert.Equal(t, 0, acc.Len())
}
