// recompute-pnl rebuilds the weighted realized PnL of every closed trade from
// its execution history. Run it after a PnL formula change or a suspected
// backfill gap.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/kocbey434343-ux/AI-sub001/internal/store"
)

func main() {
	dbPath := flag.String("db", "data/trades.db", "path to the trade database")
	verbose := flag.Bool("v", false, "print per-trade results")
	flag.Parse()

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "database not found: %s\n", *dbPath)
		os.Exit(1)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	st, err := store.Open(*dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	updated, err := st.RecomputeClosedPnL(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recompute: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("recomputed pnl for %d closed trades\n", updated)

	if *verbose {
		trades, err := st.ListClosedTrades(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list trades: %v\n", err)
			os.Exit(1)
		}
		for _, t := range trades {
			pnl := 0.0
			if t.PnlPct != nil {
				pnl = *t.PnlPct
			}
			fmt.Printf("  #%d %-12s %-4s entry=%.8g size=%.8g pnl=%.4f%%\n",
				t.ID, t.Symbol, t.Side, t.EntryPrice, t.Size, pnl)
		}
	}
}
