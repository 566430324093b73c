package main

import (
	"context"
	"fmt"
	"log/slog"

	"divetrader/internal/backtest"
	s3blob "divetrader/internal/blob/s3"
	"divetrader/internal/config"
	"divetrader/internal/marketdata"
	"divetrader/internal/store"
	"divetrader/internal/strategy/builtins"
)

// barSource reads the local Parquet store first and falls back to Alpaca
// when credentials are configured.
func barSource(cfg *config.Config) marketdata.Chain {
	var chain marketdata.Chain
	if cfg.Storage.DataDir != "" {
		chain = append(chain, store.NewParquetStore(cfg.Storage.DataDir))
	}
	if cfg.Alpaca.APIKey != "" {
		chain = append(chain, marketdata.NewAlpacaSource(cfg.Alpaca))
	}
	return chain
}

// newBacktestService wires the simulator, the data loader and the result
// reporters. Runs are exported to the Parquet store and, when a bucket is
// configured, archived to S3.
func newBacktestService(ctx context.Context, cfg *config.Config) (*backtest.Service, error) {
	var src marketdata.BarSource
	if chain := barSource(cfg); len(chain) > 0 {
		src = chain
	}
	sim := backtest.NewSimulator(builtins.NewRegistry(), backtest.OptionsFromConfig(cfg.Backtest))
	loader := backtest.NewLoader(src, cfg.Backtest)

	var reporters []backtest.Reporter
	if cfg.Storage.DataDir != "" {
		reporters = append(reporters, backtest.ParquetReporter(store.NewParquetStore(cfg.Storage.DataDir)))
	}
	if cfg.S3.Bucket != "" {
		client, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		reporters = append(reporters, s3blob.NewArchiver(client, cfg.S3.Prefix))
		slog.Info("archiving backtests to s3", "bucket", client.Bucket())
	}
	return backtest.NewService(sim, loader, cfg.Backtest, reporters...), nil
}
