package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"divetrader/internal/config"
	"divetrader/internal/domain"
)

// Request is one backtest invocation: a strategy over a date range.
type Request struct {
	Strategy       config.StrategyConfig
	Start          time.Time
	End            time.Time
	Interval       time.Duration
	InitialCapital float64
}

// Reporter receives every completed result, for example to archive it.
type Reporter interface {
	Report(ctx context.Context, res *Result) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, res *Result) error

func (f ReporterFunc) Report(ctx context.Context, res *Result) error { return f(ctx, res) }

// Service loads data for a request, runs it and hands the result to the
// reporters. Reporter failures are logged and do not fail the run.
type Service struct {
	sim       *Simulator
	loader    *Loader
	defaults  config.BacktestConfig
	reporters []Reporter
	log       *slog.Logger
}

// NewService returns a service using defaults for unset request fields.
func NewService(sim *Simulator, loader *Loader, defaults config.BacktestConfig, reporters ...Reporter) *Service {
	return &Service{
		sim:       sim,
		loader:    loader,
		defaults:  defaults,
		reporters: reporters,
		log:       slog.Default().With("component", "backtest-service"),
	}
}

// Strategies lists the strategy kinds the service can run.
func (s *Service) Strategies() []string {
	return s.sim.registry.List()
}

// Run executes req.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	if err := s.fill(&req); err != nil {
		return nil, err
	}
	cfg := req.Strategy
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ds, err := s.loader.Load(ctx, cfg.Symbols, req.Start, req.End, req.Interval)
	if err != nil {
		return nil, fmt.Errorf("loading bars for %s: %w", cfg.ID, err)
	}
	res, err := s.sim.RunDataset(ctx, ds, req.InitialCapital, cfg)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, r := range s.reporters {
		if err := r.Report(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Error("reporting backtest failed", "strategy", cfg.ID, "error", err)
	}
	return res, nil
}

func (s *Service) fill(req *Request) error {
	if req.InitialCapital == 0 {
		req.InitialCapital = s.defaults.InitialCapital
	}
	if req.Interval == 0 {
		req.Interval = s.defaults.Interval
	}
	if req.Interval == 0 {
		req.Interval = 24 * time.Hour
	}
	if req.Start.IsZero() && s.defaults.Start != "" {
		t, err := time.Parse("2006-01-02", s.defaults.Start)
		if err != nil {
			return fmt.Errorf("%w: backtest start %q: %v", domain.ErrInvalidConfig, s.defaults.Start, err)
		}
		req.Start = t
	}
	if req.End.IsZero() && s.defaults.End != "" {
		t, err := time.Parse("2006-01-02", s.defaults.End)
		if err != nil {
			return fmt.Errorf("%w: backtest end %q: %v", domain.ErrInvalidConfig, s.defaults.End, err)
		}
		req.End = t
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return fmt.Errorf("%w: backtest needs a start and end date", domain.ErrInvalidConfig)
	}
	if !req.End.After(req.Start) {
		return fmt.Errorf("%w: backtest end %s is not after start %s", domain.ErrInvalidConfig,
			req.End.Format("2006-01-02"), req.Start.Format("2006-01-02"))
	}
	return nil
}

// RunID names a result for archiving: the strategy ID and the simulated
// date range, so re-running the same request overwrites its export.
func RunID(res *Result) string {
	return fmt.Sprintf("%s_%s_%s", res.StrategyID, res.Start.UTC().Format("20060102"), res.End.UTC().Format("20060102"))
}

// ParquetReporter exports each result's ledger and equity curve through w.
func ParquetReporter(w RunWriter) Reporter {
	return ReporterFunc(func(ctx context.Context, res *Result) error {
		return w.WriteRun(ctx, RunID(res), res.Ledger, res.Equity)
	})
}

// RunWriter persists the tabular output of one run.
type RunWriter interface {
	WriteRun(ctx context.Context, runID string, ledger []domain.Trade, curve []domain.EquityPoint) error
}
