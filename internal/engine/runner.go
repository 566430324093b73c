package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"divetrader/internal/domain"
	"divetrader/internal/util"
)

// BarSource supplies historical bars for one symbol.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time, interval time.Duration) ([]domain.Bar, error)
}

// RunnerConfig controls the live poll loop.
type RunnerConfig struct {
	Symbols      []string
	PollInterval time.Duration
	BarInterval  time.Duration
	// Lookback bounds the first fetch, which also warms the indicators.
	Lookback     time.Duration
	DrainTimeout time.Duration
	// Calendar skips ticks while the market is closed. Nil never skips.
	Calendar *util.TradingCalendar
	// Now defaults to time.Now.
	Now func() time.Time
}

// Runner drives an Instance from a BarSource on a fixed interval. Each tick
// fetches the bars that appeared since the previous tick and feeds them to
// the instance one timestamp at a time. Bars older than one BarInterval
// before the first tick are history: they warm the strategy up and never
// trade.
type Runner struct {
	in     *Instance
	src    BarSource
	cfg    RunnerConfig
	events domain.EventSink
	log    *slog.Logger

	last     map[string]time.Time
	liveFrom time.Time

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRunner returns a runner for in. Zero intervals take the live defaults.
func NewRunner(in *Instance, src BarSource, cfg RunnerConfig) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BarInterval <= 0 {
		cfg.BarInterval = time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		in:     in,
		src:    src,
		cfg:    cfg,
		events: in.events,
		log:    in.log.With("component", "runner"),
		last:   make(map[string]time.Time),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Instance returns the driven instance.
func (r *Runner) Instance() *Instance {
	return r.in
}

// Run polls until ctx is cancelled or Stop is called. It returns nil after
// Stop and ctx.Err() after cancellation.
func (r *Runner) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("runner %s already started", r.in.ID())
	}
	r.started = true
	r.cancel = cancel
	r.mu.Unlock()
	defer close(r.done)
	defer cancel()

	r.log.Info("runner started", "symbols", r.cfg.Symbols, "poll", r.cfg.PollInterval)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.Tick(runCtx); err != nil {
			select {
			case <-r.stopCh:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// Tick fetches new bars for every symbol and steps the instance through
// them. A symbol whose fetch fails is skipped for this tick.
func (r *Runner) Tick(ctx context.Context) error {
	now := r.cfg.Now()
	if r.cfg.Calendar != nil && !r.cfg.Calendar.IsMarketOpen(now) {
		r.log.Debug("market closed, skipping tick", "now", now)
		return nil
	}
	if r.liveFrom.IsZero() {
		r.liveFrom = now.Add(-r.cfg.BarInterval)
	}

	groups := make(map[time.Time][]domain.Bar)
	for _, sym := range r.cfg.Symbols {
		start := now.Add(-r.cfg.Lookback)
		if last, ok := r.last[sym]; ok {
			start = last.Add(time.Nanosecond)
		}
		bars, err := r.src.GetBars(ctx, sym, start, now, r.cfg.BarInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.events.Emit(ctx, domain.Event{
				Timestamp:  now,
				Level:      domain.LevelWarn,
				Type:       domain.EventDataUnavailable,
				StrategyID: r.in.ID(),
				Symbol:     sym,
				Message:    "bar fetch failed, skipping symbol",
				Fields:     map[string]any{"error": err.Error()},
			})
			continue
		}
		for _, b := range bars {
			if last, ok := r.last[sym]; ok && !b.Timestamp.After(last) {
				continue
			}
			groups[b.Timestamp] = append(groups[b.Timestamp], b)
		}
	}

	stamps := make([]time.Time, 0, len(groups))
	for ts := range groups {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	warmed := 0
	for _, ts := range stamps {
		if ts.Before(r.liveFrom) {
			if err := r.in.Warm(ctx, ts, groups[ts]); err != nil {
				return fmt.Errorf("warm %s: %w", ts.Format(time.RFC3339), err)
			}
			warmed++
		} else if err := r.in.Step(ctx, ts, groups[ts]); err != nil {
			return fmt.Errorf("step %s: %w", ts.Format(time.RFC3339), err)
		}
		for _, b := range groups[ts] {
			r.last[b.Symbol] = ts
		}
	}
	if warmed > 0 {
		r.log.Info("warmed up on history", "steps", warmed, "live_from", r.liveFrom)
	}
	return nil
}

// Stop ends the poll loop and manually closes every open position. An
// in-flight tick gets DrainTimeout to finish; after that it is cancelled.
func (r *Runner) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	started, cancel := r.started, r.cancel
	r.mu.Unlock()

	if started {
		timer := time.NewTimer(r.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			r.events.Emit(ctx, domain.Event{
				Timestamp:  r.cfg.Now(),
				Level:      domain.LevelWarn,
				Type:       domain.EventDrainTimeout,
				StrategyID: r.in.ID(),
				Message:    "in-flight tick did not drain, cancelling",
				Fields:     map[string]any{"drain_timeout": r.cfg.DrainTimeout.String()},
			})
			cancel()
			select {
			case <-r.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	closeCtx, closeCancel := context.WithTimeout(ctx, r.cfg.DrainTimeout)
	defer closeCancel()
	if err := r.in.CloseAll(closeCtx, r.cfg.Now()); err != nil {
		return fmt.Errorf("stopping %s: %w", r.in.ID(), err)
	}
	r.log.Info("runner stopped", "trades", len(r.in.Ledger()))
	return nil
}

// ---------------------------------------------------------------------------
// Supervisor
// ---------------------------------------------------------------------------

// Supervisor runs several runners concurrently. Instances share nothing
// except the Account they were built with.
type Supervisor struct {
	runners []*Runner
}

// NewSupervisor returns a supervisor for runners.
func NewSupervisor(runners ...*Runner) *Supervisor {
	return &Supervisor{runners: runners}
}

// Run blocks until every runner has returned. A runner failing with
// anything but cancellation cancels the others.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		g.Go(func() error {
			err := r.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Stop stops every runner in parallel and joins their errors.
func (s *Supervisor) Stop(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, r := range s.runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
