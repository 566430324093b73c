package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"divetrader/internal/domain"
	"divetrader/internal/marketdata"
	"divetrader/internal/store"
)

func fetchCmd() *cobra.Command {
	var (
		start    string
		end      string
		interval time.Duration
		market   string
	)
	cmd := &cobra.Command{
		Use:   "fetch [symbols...]",
		Short: "Download bars from Alpaca into the local Parquet store",
		Long: "Download bars from Alpaca into the local Parquet store. Without symbol\n" +
			"arguments every symbol of every configured strategy is fetched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.DataDir == "" {
				return fmt.Errorf("%w: storage.data_dir is not set", domain.ErrInvalidConfig)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			from, err := parseDate(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			to := time.Now().UTC()
			if end != "" {
				if to, err = parseDate(end); err != nil {
					return fmt.Errorf("--end: %w", err)
				}
				to = to.Add(24*time.Hour - time.Nanosecond)
			}
			if from.IsZero() {
				from = to.AddDate(-1, 0, 0)
			}
			if interval <= 0 {
				interval = cfg.Backtest.Interval
			}

			// Symbol groups keyed by market so each lands in the right tree.
			groups := make(map[domain.Market][]string)
			if len(args) > 0 {
				groups[domain.Market(market)] = args
			} else {
				seen := make(map[string]bool)
				for _, sc := range cfg.Strategies {
					for _, sym := range sc.Symbols {
						if !seen[sym] {
							seen[sym] = true
							groups[sc.Market] = append(groups[sc.Market], sym)
						}
					}
				}
			}

			src := marketdata.NewAlpacaSource(cfg.Alpaca)
			ps := store.NewParquetStore(cfg.Storage.DataDir)
			log := slog.Default().With("component", "fetch")
			for mkt, syms := range groups {
				for _, sym := range syms {
					bars, err := src.GetBars(ctx, sym, from, to, interval)
					if err != nil {
						return fmt.Errorf("fetching %s: %w", sym, err)
					}
					if err := ps.WriteBars(ctx, mkt, interval, bars); err != nil {
						return fmt.Errorf("storing %s: %w", sym, err)
					}
					log.Info("bars stored", "symbol", sym, "market", mkt, "bars", len(bars))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "First day, YYYY-MM-DD (defaults to one year before --end)")
	cmd.Flags().StringVar(&end, "end", "", "Last day, YYYY-MM-DD (defaults to now)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Bar interval (defaults to backtest.interval)")
	cmd.Flags().StringVar(&market, "market", string(domain.MarketUS), "Market of the symbol arguments (us or crypto)")
	return cmd
}
