package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ydxt25/QuantSystem-sub000/internal/broker"
	"github.com/ydxt25/QuantSystem-sub000/internal/config"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/engine"
	"github.com/ydxt25/QuantSystem-sub000/internal/factor"
	"github.com/ydxt25/QuantSystem-sub000/internal/feed"
	"github.com/ydxt25/QuantSystem-sub000/internal/gather"
	"github.com/ydxt25/QuantSystem-sub000/internal/gather/us"
	"github.com/ydxt25/QuantSystem-sub000/internal/result"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
	"github.com/ydxt25/QuantSystem-sub000/internal/store"
	"github.com/ydxt25/QuantSystem-sub000/internal/stream"
	"github.com/ydxt25/QuantSystem-sub000/internal/util"
)

// BacktestResult holds the summary metrics produced by a backtest run.
type BacktestResult struct {
	RunID        string         `json:"run_id"`
	Algorithm    string         `json:"algorithm"`
	Status       engine.Status  `json:"status"`
	Summary      result.Summary `json:"summary"`
	TotalTrades  int            `json:"total_trades"`
	WinRate      float64        `json:"win_rate"`
	ProfitFactor float64        `json:"profit_factor"`
	Elapsed      time.Duration  `json:"elapsed"`
}

// Session exposes a started run to observers such as the status API.
type Session struct {
	Context *engine.RunContext
	Results *result.BacktestHandler
	Broker  *broker.SimulatorBroker
}

// Backtester replays cached market data through a strategy and computes
// performance metrics.
type Backtester struct {
	registry *Registry
	log      *slog.Logger

	// Publisher receives live result packets. Optional.
	Publisher result.Publisher
	// Downloader overrides the downloader built from the gather settings.
	Downloader gather.Downloader
	// OnStart is called once the run is wired, before any data flows.
	OnStart func(Session)
}

// NewBacktester creates a Backtester that looks up strategies in the
// provided registry.
func NewBacktester(registry *Registry) *Backtester {
	return &Backtester{
		registry: registry,
		log:      slog.Default().With("component", "backtest"),
	}
}

// Run executes the backtest described by cfg. A run that ends in a runtime
// error returns its result together with the error.
func (bt *Backtester) Run(ctx context.Context, cfg *config.Config) (*BacktestResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := cfg.Backtest
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	start, end, err := cfg.Window()
	if err != nil {
		return nil, err
	}
	subs, err := cfg.SubscriptionConfigs()
	if err != nil {
		return nil, err
	}

	strat, err := bt.registry.New(b.Algorithm, b.Parameters)
	if err != nil {
		return nil, err
	}

	secs := security.NewManager()
	calendars := make(map[domain.Market]*util.TradingCalendar)
	for _, sub := range subs {
		cal, ok := calendars[sub.Market]
		if !ok {
			cal = util.NewTradingCalendar(sub.Market)
			calendars[sub.Market] = cal
		}
		if _, err := secs.Add(security.New(sub, cal)); err != nil {
			return nil, err
		}
	}

	dl, closeDL, err := bt.downloader(cfg, loc)
	if err != nil {
		return nil, err
	}
	defer closeDL()

	var pq *store.ParquetStore
	if cfg.Storage.ParquetDir != "" {
		pq = store.NewParquetStore(cfg.Storage.ParquetDir)
	}
	resolver := feed.NewFileResolver(cfg.Storage.DataDir, loc, dl, pq)

	var rs store.ResultStore
	if cfg.Storage.SQLitePath != "" {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening result store: %w", err)
		}
		defer db.Close()
		rs = db
	}

	runID := uuid.NewString()
	results := result.NewBacktestHandler(store.Run{
		ID:        runID,
		Algorithm: strat.Name(),
		StartDate: start,
		EndDate:   end,
		StartedAt: time.Now(),
	}, rs, bt.Publisher)

	rc := engine.NewRunContext(runID, engine.ModeBacktest)
	rc.SetTime(start)
	brk := broker.NewSimulatorBroker(b.Cash, secs)
	brk.SetClock(rc.Time)
	if rs != nil {
		brk.SetOrderStore(rs, runID)
	}

	host := NewHost(strat, secs, brk, engine.NewRiskManager(b.MaxPositionPct, b.MaxDailyLossPct), results)
	host.SetOrderTimeout(b.OrderTimeout)
	if err := host.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing %s: %w", strat.Name(), err)
	}

	df, err := feed.New(feed.Config{
		Start:        start,
		End:          end,
		Location:     loc,
		Capacity:     b.BridgeCapacity,
		IncludeTicks: b.IncludeTicks,
		PollInterval: b.PollInterval,
	}, secs.All(), resolver, factor.NewProvider(cfg.Storage.DataDir), results)
	if err != nil {
		return nil, fmt.Errorf("building feed: %w", err)
	}

	if bt.OnStart != nil {
		bt.OnStart(Session{Context: rc, Results: results, Broker: brk})
	}

	bt.log.Info("backtest starting",
		"run", runID,
		"algorithm", strat.Name(),
		"start", start.Format(time.DateOnly),
		"end", end.Format(time.DateOnly),
		"subscriptions", secs.Len())
	began := time.Now()

	// The broker outlives a cancelled run so liquidation can still fill.
	brokerCtx, stopBroker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBroker()

	var (
		status engine.Status
		runErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return brk.Run(brokerCtx)
	})
	g.Go(func() error {
		if err := df.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("feed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopBroker()
		status, runErr = engine.NewManager(rc).Run(gctx, engine.Job{
			Feed:              df,
			Stream:            stream.New(b.SyncTimeout),
			Start:             start,
			Algorithm:         host,
			Transactions:      brk,
			RealTime:          host.Schedule(),
			Results:           results,
			SynchronousOrders: b.SynchronousOrders,
			OrderTimeout:      b.OrderTimeout,
			SamplePeriod:      b.SamplePeriod,
			LiquidateOnExit:   b.LiquidateOnExit,
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &BacktestResult{
		RunID:     runID,
		Algorithm: strat.Name(),
		Status:    status,
		Summary:   results.Statistics(b.Cash),
		Elapsed:   time.Since(began),
	}
	for _, o := range brk.Orders() {
		if o.Status == domain.OrderStatusFilled {
			res.TotalTrades++
		}
	}
	res.WinRate, res.ProfitFactor = tradeStats(brk.RealizedPnL())

	if b.ExportPath != "" {
		exporter := pq
		if exporter == nil {
			exporter = store.NewParquetStore(filepath.Dir(b.ExportPath))
		}
		if err := exporter.WriteSamples(b.ExportPath, results.AllSamples()); err != nil {
			bt.log.Error("exporting samples failed", "path", b.ExportPath, "error", err)
		}
	}

	bt.log.Info("backtest finished",
		"run", runID,
		"status", status,
		"return", res.Summary.TotalReturn,
		"trades", res.TotalTrades,
		"elapsed", res.Elapsed.Round(time.Millisecond))
	if runErr != nil {
		return res, fmt.Errorf("run %s: %w", runID, runErr)
	}
	return res, nil
}

// downloader returns the remote source for days missing from the cache, or
// nil when remote fetching is off.
func (bt *Backtester) downloader(cfg *config.Config, loc *time.Location) (gather.Downloader, func(), error) {
	if bt.Downloader != nil {
		return bt.Downloader, func() {}, nil
	}
	if !cfg.Gather.RemoteFetch {
		return nil, func() {}, nil
	}
	d, err := us.NewAlpacaDownloader(us.DownloaderConfig{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Gather.Feed,
		RateLimitPerMin: cfg.Gather.RateLimitPerMin,
		MaxAttempts:     cfg.Gather.MaxAttempts,
		StateDir:        filepath.Join(cfg.Storage.DataDir, "equity", ".gather"),
		Location:        loc,
	})
	if err != nil {
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

// tradeStats returns the share of winning round trips and gross profit over
// gross loss. The profit factor is zero when there are no losses.
func tradeStats(pnl []float64) (winRate, profitFactor float64) {
	if len(pnl) == 0 {
		return 0, 0
	}
	var wins int
	var gain, loss float64
	for _, p := range pnl {
		switch {
		case p > 0:
			wins++
			gain += p
		case p < 0:
			loss -= p
		}
	}
	winRate = float64(wins) / float64(len(pnl))
	if loss > 0 {
		profitFactor = gain / loss
	}
	return winRate, profitFactor
}
