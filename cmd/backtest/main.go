package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/api"
	"github.com/ydxt25/QuantSystem-sub000/internal/config"
	"github.com/ydxt25/QuantSystem-sub000/internal/strategy"
	"github.com/ydxt25/QuantSystem-sub000/internal/strategy/builtins"
	"github.com/ydxt25/QuantSystem-sub000/internal/util"
)

func main() {
	cfgPath := flag.String("config", config.PathFromEnv(), "path to the YAML config")
	asJSON := flag.Bool("json", false, "print the result as JSON")
	hold := flag.Bool("hold", false, "keep the status API up after the run until interrupted")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	registry := strategy.NewRegistry()
	builtins.Register(registry)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bt := strategy.NewBacktester(registry)

	var srv *api.Server
	srvCtx, stopSrv := context.WithCancel(context.Background())
	defer stopSrv()
	if cfg.Server.Enabled {
		srv = api.NewServer(cfg.Server)
		bt.Publisher = srv.Hub()
		bt.OnStart = srv.Attach
		go func() {
			if err := srv.ListenAndServe(srvCtx); err != nil {
				logger.Error("status API stopped", "error", err)
			}
		}()
	}

	res, runErr := bt.Run(ctx, cfg)
	if srv != nil && res != nil {
		srv.Finish(res.Status)
	}
	if res != nil {
		if *asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				logger.Error("encoding result", "error", err)
			}
		} else {
			printSummary(res)
		}
	}

	if srv != nil && *hold {
		logger.Info("run finished, status API still up; interrupt to exit")
		<-ctx.Done()
	}
	stopSrv()

	if runErr != nil {
		logger.Error("backtest failed", "error", runErr)
		os.Exit(1)
	}
}

func printSummary(res *strategy.BacktestResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	s := res.Summary
	fmt.Fprintf(w, "run\t%s\n", res.RunID)
	fmt.Fprintf(w, "algorithm\t%s\n", res.Algorithm)
	fmt.Fprintf(w, "status\t%s\n", res.Status)
	fmt.Fprintf(w, "trading days\t%d\n", s.TradingDays)
	fmt.Fprintf(w, "starting equity\t%.2f\n", s.StartingEquity)
	fmt.Fprintf(w, "final equity\t%.2f\n", s.FinalEquity)
	fmt.Fprintf(w, "total return\t%.2f%%\n", s.TotalReturn*100)
	fmt.Fprintf(w, "sharpe\t%.3f\n", s.SharpeRatio)
	fmt.Fprintf(w, "max drawdown\t%.2f%%\n", s.MaxDrawdown*100)
	fmt.Fprintf(w, "trades\t%d\n", res.TotalTrades)
	fmt.Fprintf(w, "win rate\t%.2f%%\n", res.WinRate*100)
	fmt.Fprintf(w, "profit factor\t%.2f\n", res.ProfitFactor)
	fmt.Fprintf(w, "elapsed\t%s\n", res.Elapsed.Round(time.Millisecond))
	w.Flush()
}
