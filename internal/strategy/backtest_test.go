package strategy_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ydxt25/QuantSystem-sub000/internal/config"
	"github.com/ydxt25/QuantSystem-sub000/internal/datafile"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/engine"
	"github.com/ydxt25/QuantSystem-sub000/internal/result"
	"github.com/ydxt25/QuantSystem-sub000/internal/store"
	"github.com/ydxt25/QuantSystem-sub000/internal/strategy"
	"github.com/ydxt25/QuantSystem-sub000/internal/strategy/builtins"
)

// seedDaily caches one SPY daily bar per weekday of 2024-03-04..08, closing
// at 100, 101, ... 104.
func seedDaily(t *testing.T, root string) {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	cfg, err := domain.NewSubscriptionConfig("SPY", domain.SecurityTypeEquity, domain.MarketUS, domain.ResolutionDaily, false, false)
	require.NoError(t, err)
	for i := range 5 {
		day := time.Date(2024, 3, 4+i, 0, 0, 0, 0, loc)
		px := 100 + float64(i)
		p := domain.NewBarPoint(domain.Bar{Symbol: "SPY", Timestamp: day, Open: px, High: px, Low: px, Close: px, Volume: 1000})
		_, err := datafile.WritePoints(root, cfg, day, loc, []domain.DataPoint{p})
		require.NoError(t, err)
	}
}

func loadConfig(t *testing.T, dir, algorithm string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "quantsys.yaml")
	yaml := fmt.Sprintf(`
storage:
  data_dir: %q
  sqlite_path: %q
backtest:
  algorithm: %q
  start_date: "2024-03-04"
  end_date: "2024-03-08"
  cash: 100000
  synchronous_orders: true
  export_path: %q
  subscriptions:
    - symbol: SPY
      security_type: equity
      resolution: daily
`, filepath.Join(dir, "data"), filepath.Join(dir, "results.db"), algorithm, filepath.Join(dir, "equity.parquet"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newBacktester() *strategy.Backtester {
	r := strategy.NewRegistry()
	builtins.Register(r)
	return strategy.NewBacktester(r)
}

func TestBacktestBuyAndHold(t *testing.T) {
	dir := t.TempDir()
	seedDaily(t, filepath.Join(dir, "data"))
	cfg := loadConfig(t, dir, "buy-and-hold")

	bt := newBacktester()
	var session strategy.Session
	bt.OnStart = func(s strategy.Session) { session = s }

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := bt.Run(ctx, cfg)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.Equal(t, "buy-and-hold", res.Algorithm)
	assert.Equal(t, 2, res.TotalTrades, "one buy and the closing liquidation")
	assert.InDelta(t, 0.04, res.Summary.TotalReturn, 1e-9)
	assert.Equal(t, 1.0, res.WinRate)
	assert.Equal(t, 104000.0, session.Broker.Cash())
	assert.Equal(t, string(engine.StatusCompleted), session.Results.Status())

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	require.NoError(t, err)
	defer db.Close()
	run, err := db.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	orders, err := db.ListOrders(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	equity, err := db.ListSamples(ctx, res.RunID, result.SeriesEquity)
	require.NoError(t, err)
	assert.NotEmpty(t, equity)

	exported, err := store.NewParquetStore(dir).ReadSamples(cfg.Backtest.ExportPath)
	require.NoError(t, err)
	assert.Len(t, exported, len(session.Results.AllSamples()))
}

func TestBacktestStopBeforeData(t *testing.T) {
	dir := t.TempDir()
	seedDaily(t, filepath.Join(dir, "data"))
	cfg := loadConfig(t, dir, "buy-and-hold")

	bt := newBacktester()
	bt.OnStart = func(s strategy.Session) { s.Context.Stop() }

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := bt.Run(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusStopped, res.Status)
	assert.Zero(t, res.TotalTrades)
}

func TestBacktestSetupErrors(t *testing.T) {
	dir := t.TempDir()
	bt := newBacktester()

	_, err := bt.Run(context.Background(), loadConfig(t, dir, "no-such-strategy"))
	assert.True(t, errors.Is(err, strategy.ErrUnknownStrategy), "got %v", err)

	cfg := loadConfig(t, dir, "buy-and-hold")
	cfg.Backtest.Subscriptions = nil
	_, err = bt.Run(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
