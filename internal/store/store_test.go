package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	assert.Equal(t, filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet"), ps.barPath("aapl", "us", 2024))
	assert.Equal(t, filepath.Join("/data", "cn", "trades", "TSLA", "2024-06-15.parquet"),
		ps.tradePath("TSLA", "cn", time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)))
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.Bar{
		{Symbol: "AAPL", Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Open: 185.5, High: 187.0, Low: 185.0, Close: 186.0, Volume: 45000000},
		{Symbol: "AAPL", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 185.0, High: 186.5, Low: 184.0, Close: 185.5, Volume: 50000000},
	}
	require.NoError(t, ps.WriteBars(ctx, "us", bars))

	got, err := ps.ReadBars(ctx, "AAPL", "us",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 185.5, got[0].Close, "bars come back sorted by time")
	assert.Equal(t, 186.0, got[1].Close)

	// Merge keeps the existing bar and adds the new one.
	more := []domain.Bar{{Symbol: "AAPL", Timestamp: time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), Open: 186, High: 188, Low: 185, Close: 187}}
	require.NoError(t, ps.WriteBars(ctx, "us", more))
	got, err = ps.ReadBars(ctx, "AAPL", "us",
		time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 187.0, got[0].Close)

	symbols, err := ps.ListSymbols(ctx, "us")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, symbols)
}

func TestParquetStoreTradesAndSamples(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()
	ts := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

	trades := []domain.Trade{
		{ID: "2", Symbol: "SPY", Timestamp: ts.Add(time.Second), Price: 501, Size: 10},
		{ID: "1", Symbol: "SPY", Timestamp: ts, Price: 500, Size: 5},
	}
	require.NoError(t, ps.WriteTrades(ctx, "us", trades))
	got, err := ps.ReadTrades(ctx, "SPY", "us", ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID, "trades come back ordered by time")

	path := filepath.Join(dir, "export", "equity.parquet")
	samples := []Sample{{Series: "equity", Time: ts, Value: 100000}, {Series: "equity", Time: ts.Add(time.Hour), Value: 100500}}
	require.NoError(t, ps.WriteSamples(path, samples))
	back, err := ps.ReadSamples(path)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, 100500.0, back[1].Value)
}

func TestSQLiteStoreResults(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	run := &Run{ID: "run-1", Algorithm: "sma-cross", Status: "Running", StartDate: start, EndDate: start.AddDate(0, 0, 4), StartedAt: time.Now()}
	require.NoError(t, st.SaveRun(ctx, run))
	run.Status = "Completed"
	run.FinishedAt = time.Now()
	require.NoError(t, st.SaveRun(ctx, run), "update")
	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Completed", got.Status)
	assert.False(t, got.FinishedAt.IsZero())
	_, err = st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	samples := []Sample{
		{Series: "performance", Time: start.AddDate(0, 0, 1), Value: 0},
		{Series: "equity", Time: start, Value: 100000},
		{Series: "performance", Time: start, Value: 0.5},
	}
	require.NoError(t, st.SaveSamples(ctx, "run-1", samples))
	perf, err := st.ListSamples(ctx, "run-1", "performance")
	require.NoError(t, err)
	require.Len(t, perf, 2)
	assert.Equal(t, 0.5, perf[0].Value, "samples come back ordered by time")

	order := &domain.Order{ID: "o1", Symbol: "SPY", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 10,
		Status: domain.OrderStatusNew, CreatedAt: start, UpdatedAt: start}
	require.NoError(t, st.SaveOrder(ctx, "run-1", order))
	order.Status = domain.OrderStatusFilled
	order.FilledQty = 10
	order.FilledAvgPrice = 500
	require.NoError(t, st.SaveOrder(ctx, "run-1", order), "fill")
	orders, err := st.ListOrders(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusFilled, orders[0].Status)
	assert.Equal(t, 500.0, orders[0].FilledAvgPrice)

	require.NoError(t, st.SaveMessage(ctx, "run-1", Message{Level: "debug", Text: "missing source", Time: start}))
	msgs, err := st.ListMessages(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "missing source", msgs[0].Text)
}
