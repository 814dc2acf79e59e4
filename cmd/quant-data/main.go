package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/config"
	"github.com/ydxt25/QuantSystem-sub000/internal/gather"
	"github.com/ydxt25/QuantSystem-sub000/internal/gather/us"
	"github.com/ydxt25/QuantSystem-sub000/internal/util"
)

func main() {
	cfgPath := flag.String("config", config.PathFromEnv(), "path to the YAML config")
	startStr := flag.String("start", "", "first date (YYYY-MM-DD), defaults to backtest.start_date")
	endStr := flag.String("end", "", "last date (YYYY-MM-DD), defaults to the latest settled trading day")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal(err)
	}
	subs, err := cfg.SubscriptionConfigs()
	if err != nil {
		log.Fatal(err)
	}
	if len(subs) == 0 {
		log.Fatal("no subscriptions configured")
	}

	if *startStr == "" {
		*startStr = cfg.Backtest.StartDate
	}
	start, err := time.ParseInLocation(config.DateLayout, *startStr, loc)
	if err != nil {
		log.Fatalf("parsing start date: %v", err)
	}
	var end time.Time
	if *endStr != "" {
		if end, err = time.ParseInLocation(config.DateLayout, *endStr, loc); err != nil {
			log.Fatalf("parsing end date: %v", err)
		}
	} else {
		latest, err := us.LatestFinishedTradingDay(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, "", time.Now())
		if err != nil {
			log.Fatalf("finding latest trading day: %v", err)
		}
		end = time.Date(latest.Year(), latest.Month(), latest.Day(), 0, 0, 0, 0, loc)
	}
	if end.Before(start) {
		log.Fatalf("end %s precedes start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	dl, err := us.NewAlpacaDownloader(us.DownloaderConfig{
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
		log.Fatalf("creating downloader: %v", err)
	}
	defer dl.Close()

	g := us.NewHistoryGatherer(dl, cfg.Storage.DataDir, subs, gather.DateRange{Start: start, End: end}, cfg.Gather.MaxWorkers)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gatherer", "name", g.Name(),
		"start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly))
	if err := g.Run(ctx); err != nil {
		logger.Error("gatherer failed", "error", err)
		dl.Close()
		os.Exit(1)
	}
}
