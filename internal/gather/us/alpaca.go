// Package us fetches US equity market data from Alpaca into the local
// cache.
package us

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/gather"
	"github.com/ydxt25/QuantSystem-sub000/internal/util"
)

var _ gather.Downloader = (*AlpacaDownloader)(nil)

// marketData is the part of the Alpaca market-data client the downloader
// uses. *marketdata.Client implements it.
type marketData interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
	GetTrades(symbol string, req marketdata.GetTradesRequest) ([]marketdata.Trade, error)
}

// DownloaderConfig configures an AlpacaDownloader.
type DownloaderConfig struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string // "sip" or "iex"
	RateLimitPerMin int
	MaxAttempts     int
	StateDir        string // holds the .tried-empty record
	Location        *time.Location
}

// AlpacaDownloader fetches one US equity subscription-day at a time through
// the Alpaca market-data API. Requests are rate limited and retried. Days
// that came back empty are remembered so they are not requested again.
type AlpacaDownloader struct {
	client      marketData
	feed        marketdata.Feed
	limiter     *util.RateLimiter
	maxAttempts int
	baseDelay   time.Duration
	loc         *time.Location
	tracker     *progressTracker
	log         *slog.Logger
}

// NewAlpacaDownloader creates a downloader from cfg.
func NewAlpacaDownloader(cfg DownloaderConfig) (*AlpacaDownloader, error) {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return newDownloader(marketdata.NewClient(opts), cfg)
}

func newDownloader(client marketData, cfg DownloaderConfig) (*AlpacaDownloader, error) {
	tracker, err := newProgressTracker(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("creating progress tracker: %w", err)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	feed := cfg.Feed
	if feed == "" {
		feed = "sip"
	}
	return &AlpacaDownloader{
		client:      client,
		feed:        marketdata.Feed(feed),
		limiter:     util.NewRateLimiter(cfg.RateLimitPerMin),
		maxAttempts: max(cfg.MaxAttempts, 1),
		baseDelay:   time.Second,
		loc:         loc,
		tracker:     tracker,
		log:         slog.Default().With("component", "alpaca"),
	}, nil
}

// Close flushes the empty-day record.
func (d *AlpacaDownloader) Close() error {
	return d.tracker.Close()
}

// Download fetches cfg's data for the trading day date. It returns
// gather.ErrUnsupported for subscriptions Alpaca cannot serve and
// gather.ErrNoData when the provider has nothing for the day.
func (d *AlpacaDownloader) Download(ctx context.Context, cfg *domain.SubscriptionConfig, date time.Time) ([]domain.DataPoint, error) {
	if cfg.SecurityType != domain.SecurityTypeEquity || cfg.Market != domain.MarketUS {
		return nil, fmt.Errorf("%w: %s", gather.ErrUnsupported, cfg)
	}
	key := emptyKey(cfg, date)
	if d.tracker.IsTriedEmpty(key) {
		return nil, gather.ErrNoData
	}

	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, d.loc)
	var (
		points []domain.DataPoint
		err    error
	)
	switch cfg.Resolution {
	case domain.ResolutionTick:
		points, err = d.trades(ctx, cfg, day)
	case domain.ResolutionMinute, domain.ResolutionHour, domain.ResolutionDaily:
		points, err = d.bars(ctx, cfg, day)
	default:
		return nil, fmt.Errorf("%w: %s", gather.ErrUnsupported, cfg)
	}
	if err != nil {
		return nil, err
	}

	if len(points) == 0 {
		if err := d.tracker.MarkEmpty([]string{key}); err != nil {
			d.log.Error("marking empty failed", "key", key, "error", err)
		}
		return nil, gather.ErrNoData
	}
	d.log.Debug("downloaded", "subscription", cfg.String(), "date", day.Format(time.DateOnly), "points", len(points))
	return points, nil
}

func (d *AlpacaDownloader) bars(ctx context.Context, cfg *domain.SubscriptionConfig, day time.Time) ([]domain.DataPoint, error) {
	req := marketdata.GetBarsRequest{
		TimeFrame: timeFrame(cfg.Resolution),
		Start:     day,
		End:       day.AddDate(0, 0, 1).Add(-time.Nanosecond),
		Feed:      d.feed,
	}
	var raw []marketdata.Bar
	err := d.call(ctx, func() (err error) {
		raw, err = d.client.GetBars(cfg.MappedSymbol(), req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s %s: %w", cfg.MappedSymbol(), day.Format(time.DateOnly), err)
	}

	points := make([]domain.DataPoint, 0, len(raw))
	for _, ab := range raw {
		ts := ab.Timestamp.In(d.loc)
		if cfg.Resolution == domain.ResolutionDaily {
			ts = day
		}
		points = append(points, domain.NewBarPoint(domain.Bar{
			Symbol:     cfg.Symbol,
			Timestamp:  ts,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		}))
	}
	return points, nil
}

func (d *AlpacaDownloader) trades(ctx context.Context, cfg *domain.SubscriptionConfig, day time.Time) ([]domain.DataPoint, error) {
	req := marketdata.GetTradesRequest{
		Start: day,
		End:   day.AddDate(0, 0, 1).Add(-time.Nanosecond),
		Feed:  d.feed,
	}
	var raw []marketdata.Trade
	err := d.call(ctx, func() (err error) {
		raw, err = d.client.GetTrades(cfg.MappedSymbol(), req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetTrades %s %s: %w", cfg.MappedSymbol(), day.Format(time.DateOnly), err)
	}

	points := make([]domain.DataPoint, 0, len(raw))
	for _, at := range raw {
		points = append(points, domain.NewTickPoint(domain.Tick{
			Symbol:    cfg.Symbol,
			Timestamp: at.Timestamp.In(d.loc),
			Price:     at.Price,
			Quantity:  float64(at.Size),
			Exchange:  at.Exchange,
		}))
	}
	return points, nil
}

// call waits for the rate limiter and retries fn with backoff.
func (d *AlpacaDownloader) call(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, d.maxAttempts, d.baseDelay, func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		return fn()
	})
}

func timeFrame(res domain.Resolution) marketdata.TimeFrame {
	switch res {
	case domain.ResolutionMinute:
		return marketdata.OneMin
	case domain.ResolutionHour:
		return marketdata.OneHour
	default:
		return marketdata.OneDay
	}
}

// emptyKey identifies a subscription-day in the .tried-empty record.
func emptyKey(cfg *domain.SubscriptionConfig, date time.Time) string {
	return strings.Join([]string{cfg.MappedSymbol(), string(cfg.Resolution), date.Format("20060102")}, "/")
}
