// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry that builds configured strategy instances by kind.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"divetrader/internal/allocation"
	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/signal"
)

// Strategy is the interface that all trading strategies must implement.
// Strategies decide; they never execute. Returned signals go through the
// risk checks and the position book of the instance that owns the strategy.
type Strategy interface {
	// Name returns the strategy instance identifier.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data.
	Init(ctx context.Context) error

	// OnBar is called for each new bar, after exits for that bar have been
	// applied. It returns zero or more trading signals.
	OnBar(ctx context.Context, bar domain.Bar, pf Portfolio) ([]domain.Signal, error)
}

// StepHandler is implemented by strategies that decide on the whole set of
// bars sharing a timestamp, such as portfolio allocation. OnStep runs after
// OnBar has been called for every bar of the step.
type StepHandler interface {
	OnStep(ctx context.Context, ts time.Time, bars []domain.Bar, pf Portfolio) ([]domain.Signal, error)
}

// Warmer is implemented by strategies whose state depends on bar history.
// Warm absorbs a bar from before the instance went live without producing
// signals.
type Warmer interface {
	Warm(ctx context.Context, bar domain.Bar) error
}

// Portfolio is the read-only view of an instance's state handed to
// strategies.
type Portfolio interface {
	// Cash is the cash available to the instance.
	Cash() float64
	// TotalValue is cash plus holdings at the latest marks.
	TotalValue() float64
	OpenCount() int
	MaxPositions() int
	HasOpen(symbol string) bool
	// Holdings maps symbol to market value at the latest marks.
	Holdings() map[string]float64
	Qty(symbol string) float64
	Price(symbol string) float64
}

// Deps carries the collaborators a strategy may need.
type Deps struct {
	Advisor  signal.Advisor
	Calendar allocation.Calendar
	Events   domain.EventSink
	Logger   *slog.Logger
}

// Factory builds a strategy from its configuration.
type Factory func(cfg config.StrategyConfig, deps Deps) (Strategy, error)

// Registry maps strategy kinds to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under kind, replacing any previous one.
func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// Get retrieves a factory by kind. The second return value indicates whether
// the kind was found.
func (r *Registry) Get(kind string) (Factory, bool) {
	f, ok := r.factories[kind]
	return f, ok
}

// New builds the strategy described by cfg.
func (r *Registry) New(cfg config.StrategyConfig, deps Deps) (Strategy, error) {
	f, ok := r.factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w: %q", cfg.ID, domain.ErrUnknownStrategy, cfg.Kind)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("strategy", cfg.ID)
	}
	return f(cfg, deps)
}

// List returns a sorted slice of all registered kinds.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
