package main

import (
	"strings"
	"testing"
	"time"

	"divetrader/internal/analytics"
	"divetrader/internal/backtest"
)

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("DIVETRADER_CONFIG", "")
	if got := defaultConfigPath(); got != "config/divetrader.yaml" {
		t.Errorf("defaultConfigPath() = %q, want config/divetrader.yaml", got)
	}
	t.Setenv("DIVETRADER_CONFIG", "/etc/divetrader.yaml")
	if got := defaultConfigPath(); got != "/etc/divetrader.yaml" {
		t.Errorf("defaultConfigPath() = %q, want /etc/divetrader.yaml", got)
	}
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("2024-03-15")
	if err != nil {
		t.Fatalf("parseDate: %v", err)
	}
	if want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("parseDate = %v, want %v", got, want)
	}
	if got, err := parseDate(""); err != nil || !got.IsZero() {
		t.Errorf("parseDate(\"\") = %v, %v; want zero, nil", got, err)
	}
	if _, err := parseDate("03/15/2024"); err == nil {
		t.Error("parseDate accepted a non-ISO date")
	}
}

func TestSummaryTable(t *testing.T) {
	results := []*backtest.Result{
		{StrategyID: "spy-scalper", DataSource: backtest.SourceReal, Metrics: analytics.Metrics{TotalTrades: 12, WinRate: 0.5, TotalReturn: 0.125, FinalEquity: 11_250}},
		{StrategyID: "core-dca", DataSource: backtest.SourceSynthetic, Metrics: analytics.Metrics{TotalTrades: 3, TotalReturn: -0.02, FinalEquity: 9800}},
	}
	out := summaryTable(results)
	for _, want := range []string{"STRATEGY", "spy-scalper", "+12.50%", "11250.00", "core-dca", "-2.00%", "synthetic"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n < 4 {
		t.Errorf("summary has %d lines, want header, rows and borders", n+1)
	}
}
