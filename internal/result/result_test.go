package result

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ydxt25/QuantSystem-sub000/internal/store"
)

type capture struct {
	mu      sync.Mutex
	packets []Packet
}

func (c *capture) Publish(p Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, p)
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.packets {
		out = append(out, p.Type)
	}
	return out
}

func TestBacktestHandlerPersistsAndPublishes(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer db.Close()

	pub := &capture{}
	d := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	h := NewBacktestHandler(store.Run{ID: "run-1", Algorithm: "buy-and-hold", StartDate: d, EndDate: d, StartedAt: time.Now()}, db, pub)

	h.SendStatusUpdate("running")
	h.SampleEquity(d, 100)
	h.SamplePerformance(d, 0)
	h.SampleAssetPrice("SPY", d, 500)
	h.DebugMessage("no data for SPY")
	h.ProcessMessages()

	ctx := context.Background()
	eq, err := db.ListSamples(ctx, "run-1", SeriesEquity)
	require.NoError(t, err)
	require.Len(t, eq, 1)
	assert.Equal(t, 100.0, eq[0].Value)

	msgs, err := db.ListMessages(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, LevelDebug, msgs[0].Level)

	h.RuntimeError(errors.New("boom"))
	h.SendStatusUpdate("runtime_error")
	run, err := db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "runtime_error", run.Status)
	assert.False(t, run.FinishedAt.IsZero())
	assert.EqualError(t, h.Err(), "boom")

	assert.Equal(t, []string{PacketStatus, PacketMessage, PacketSamples, PacketStatus}, pub.types())
	assert.Len(t, h.AllSamples(), 3)
}

func TestFlushChartsWithoutStore(t *testing.T) {
	h := NewBacktestHandler(store.Run{ID: "r"}, nil, nil)
	h.FlushCharts()
	h.SampleEquity(time.Now(), 1)
	h.FlushCharts()
	assert.Len(t, h.Samples(SeriesEquity), 1)
}

func TestStatistics(t *testing.T) {
	h := NewBacktestHandler(store.Run{ID: "r"}, nil, nil)
	d := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	// two samples on the first day; the later one counts
	h.SampleEquity(d.Add(10*time.Hour), 105)
	h.SampleEquity(d.Add(16*time.Hour), 110)
	h.SampleEquity(d.AddDate(0, 0, 1), 99)
	h.SampleEquity(d.AddDate(0, 0, 2), 121)

	s := h.Statistics(100)
	assert.Equal(t, 3, s.TradingDays)
	assert.Equal(t, 121.0, s.FinalEquity)
	assert.InDelta(t, 0.21, s.TotalReturn, 1e-9)
	assert.InDelta(t, 0.1, s.MaxDrawdown, 1e-9)
	assert.NotZero(t, s.SharpeRatio)

	empty := NewBacktestHandler(store.Run{ID: "e"}, nil, nil).Statistics(100)
	assert.Equal(t, 100.0, empty.FinalEquity)
	assert.Zero(t, empty.TotalReturn)
}
