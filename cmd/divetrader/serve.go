package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"divetrader/internal/api"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve backtests over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := newBacktestService(ctx, cfg)
			if err != nil {
				return err
			}
			return api.NewServer(cfg.Server, svc).ListenAndServe(ctx)
		},
	}
}
