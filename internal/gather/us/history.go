package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ydxt25/QuantSystem-sub000/internal/datafile"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/gather"
	"github.com/ydxt25/QuantSystem-sub000/internal/util"
)

var _ gather.Gatherer = (*HistoryGatherer)(nil)

// HistoryGatherer downloads every trading day of a date range for a set of
// subscriptions into the local zip cache. Days already cached are skipped,
// so an interrupted run resumes where it stopped.
type HistoryGatherer struct {
	dl      *AlpacaDownloader
	root    string
	subs    []*domain.SubscriptionConfig
	rng     gather.DateRange
	workers int
	log     *slog.Logger

	written atomic.Int64
	cached  atomic.Int64
	empty   atomic.Int64
	failed  atomic.Int64
}

// NewHistoryGatherer creates a gatherer writing under root.
func NewHistoryGatherer(dl *AlpacaDownloader, root string, subs []*domain.SubscriptionConfig, rng gather.DateRange, workers int) *HistoryGatherer {
	return &HistoryGatherer{
		dl:      dl,
		root:    root,
		subs:    subs,
		rng:     rng,
		workers: max(workers, 1),
		log:     slog.Default().With("gatherer", "us-history"),
	}
}

// Name returns the gatherer identifier.
func (g *HistoryGatherer) Name() string { return "us-history" }

// Stats returns how many subscription-days were written, already cached,
// empty at the provider and failed.
func (g *HistoryGatherer) Stats() (written, cached, empty, failed int64) {
	return g.written.Load(), g.cached.Load(), g.empty.Load(), g.failed.Load()
}

// Run downloads the range. A range that finished before is not repeated.
func (g *HistoryGatherer) Run(ctx context.Context) error {
	run := g.rng.Start.Format("20060102") + "-" + g.rng.End.Format("20060102")
	if g.dl.tracker.IsCompleted(run) {
		g.log.Info("already completed", "range", run)
		return nil
	}

	calendars := make(map[domain.Market]*util.TradingCalendar)
	for _, sub := range g.subs {
		if calendars[sub.Market] == nil {
			calendars[sub.Market] = util.NewTradingCalendar(sub.Market)
		}
	}

	start := time.Now()
	days := g.rng.Days()
	g.log.Info("starting history download", "range", run, "days", len(days), "subscriptions", len(g.subs))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for _, day := range days {
		for _, sub := range g.subs {
			if !calendars[sub.Market].DateIsOpen(day) {
				continue
			}
			eg.Go(func() error {
				return g.fetch(ctx, sub, day)
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	written, cached, empty, failed := g.Stats()
	g.log.Info("history download done",
		"written", written, "cached", cached, "empty", empty, "failed", failed,
		"elapsed", time.Since(start).Round(time.Second))
	if failed > 0 {
		return fmt.Errorf("%d subscription-days failed", failed)
	}
	return g.dl.tracker.MarkCompleted(run)
}

// fetch downloads one subscription-day. Only cancellation is returned as an
// error so that one failing day does not stop the others.
func (g *HistoryGatherer) fetch(ctx context.Context, sub *domain.SubscriptionConfig, day time.Time) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err := os.Stat(datafile.Path(g.root, sub, day)); err == nil {
		g.cached.Add(1)
		return nil
	}

	points, err := g.dl.Download(ctx, sub, day)
	switch {
	case errors.Is(err, gather.ErrNoData) || errors.Is(err, gather.ErrUnsupported):
		g.empty.Add(1)
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.failed.Add(1)
		g.log.Error("download failed", "subscription", sub.String(), "date", day.Format(time.DateOnly), "error", err)
		return nil
	}

	if _, err := datafile.WritePoints(g.root, sub, day, g.dl.loc, points); err != nil {
		g.failed.Add(1)
		g.log.Error("writing cache failed", "subscription", sub.String(), "date", day.Format(time.DateOnly), "error", err)
		return nil
	}
	g.written.Add(1)
	return nil
}
