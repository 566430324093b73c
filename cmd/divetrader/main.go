// Command divetrader runs trading strategies live, backtests them over
// historical bars and serves backtests over gRPC.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"divetrader/internal/config"
	"divetrader/internal/util"
)

const version = "0.1.0"

var cfgPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "divetrader",
		Short:         "Strategy signal and backtest engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "Path to the YAML config (defaults to DIVETRADER_CONFIG)")

	rootCmd.AddCommand(backtestCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("DIVETRADER_CONFIG"); p != "" {
		return p
	}
	return "config/divetrader.yaml"
}

// loadConfig reads the config and installs the configured logger as the
// process default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("divetrader %s\n", version)
		},
	}
}
