package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"divetrader/internal/backtest"
)

func backtestCmd() *cobra.Command {
	var (
		strategyID string
		start      string
		end        string
		capital    float64
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest the configured strategies over historical bars",
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

			req := backtest.Request{Interval: interval, InitialCapital: capital}
			if req.Start, err = parseDate(start); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if req.End, err = parseDate(end); err != nil {
				return fmt.Errorf("--end: %w", err)
			}

			var results []*backtest.Result
			for _, sc := range cfg.Strategies {
				if strategyID != "" && sc.ID != strategyID {
					continue
				}
				req.Strategy = sc
				res, err := svc.Run(ctx, req)
				if err != nil {
					return fmt.Errorf("backtest %s: %w", sc.ID, err)
				}
				results = append(results, res)
				if cfg.Backtest.ReportDir != "" {
					if err := writeReport(cfg.Backtest.ReportDir, res); err != nil {
						return err
					}
				}
			}
			if len(results) == 0 {
				return fmt.Errorf("no strategy matches %q", strategyID)
			}
			printSummary(results)
			return nil
		},
	}
	cmd.Flags().StringVarP(&strategyID, "strategy", "s", "", "Run only the strategy with this id")
	cmd.Flags().StringVar(&start, "start", "", "First day, YYYY-MM-DD (defaults to backtest.start)")
	cmd.Flags().StringVar(&end, "end", "", "Last day, YYYY-MM-DD (defaults to backtest.end)")
	cmd.Flags().Float64Var(&capital, "capital", 0, "Initial capital (defaults to backtest.initial_capital)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Bar interval (defaults to backtest.interval)")
	return cmd
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

// writeReport stores the full result as <dir>/<run id>.json.
func writeReport(dir string, res *backtest.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	path := filepath.Join(dir, backtest.RunID(res)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// Summary styles.
var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	gainStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

const returnCol = 4

func printSummary(results []*backtest.Result) {
	fmt.Println(summaryTable(results))
}

// summaryTable renders one row per result, with the return column green
// for gains and red for losses.
func summaryTable(results []*backtest.Result) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		m := r.Metrics
		rows = append(rows, []string{
			r.StrategyID,
			string(r.DataSource),
			fmt.Sprintf("%d", m.TotalTrades),
			fmt.Sprintf("%.1f%%", m.WinRate*100),
			fmt.Sprintf("%+.2f%%", m.TotalReturn*100),
			fmt.Sprintf("%.2f%%", m.MaxDrawdown*100),
			m.SharpeRatio.String(),
			fmt.Sprintf("%.2f", m.FinalEquity),
		})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(headerStyle).
		Headers("STRATEGY", "DATA", "TRADES", "WIN RATE", "RETURN", "MAX DD", "SHARPE", "FINAL EQUITY").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle.Padding(0, 1)
			case col != returnCol:
				return cellStyle
			case results[row].Metrics.TotalReturn > 0:
				return gainStyle.Padding(0, 1)
			case results[row].Metrics.TotalReturn < 0:
				return lossStyle.Padding(0, 1)
			}
			return cellStyle
		}).
		String()
}
