package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/config"
	"github.com/ydxt25/QuantSystem-sub000/pkg/quantsys"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quant-cli <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version            Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  validate <config>  Check a backtest config\n")
		fmt.Fprintf(os.Stderr, "  status <url>       Show the status of a running backtest\n")
		fmt.Fprintf(os.Stderr, "  stop <url>         Ask a running backtest to stop\n")
		fmt.Fprintf(os.Stderr, "  delete <url>       Ask a running backtest to end without wind-down\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("quant-cli %s\n", version)

	case "validate":
		err = validate(arg(2, config.PathFromEnv()))

	case "status":
		var st *quantsys.Status
		if st, err = quantsys.NewClient(arg(2, "http://127.0.0.1:8080")).Status(ctx); err == nil {
			fmt.Printf("run %s (%s): %s at %s, equity %.2f, cash %.2f, %d orders\n",
				st.RunID, st.Algorithm, st.Status, st.Time.Format(time.RFC3339),
				st.PortfolioValue, st.Cash, st.Orders)
			if st.Error != "" {
				fmt.Printf("error: %s\n", st.Error)
			}
		}

	case "stop", "delete":
		c := quantsys.NewClient(arg(2, "http://127.0.0.1:8080"))
		var ctl *quantsys.Control
		if os.Args[1] == "stop" {
			ctl, err = c.Stop(ctx)
		} else {
			ctl, err = c.Delete(ctx)
		}
		if err == nil {
			fmt.Printf("run %s: %s requested\n", ctl.RunID, ctl.Requested)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func arg(i int, def string) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return def
}

func validate(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	start, end, _ := cfg.Window()
	fmt.Printf("%s: ok (%s, %s to %s, %d subscriptions)\n", path, cfg.Backtest.Algorithm,
		start.Format(time.DateOnly), end.Format(time.DateOnly), len(cfg.Backtest.Subscriptions))
	return nil
}
