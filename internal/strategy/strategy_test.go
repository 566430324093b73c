package strategy

import (
	"context"
	"errors"
	"testing"

	"divetrader/internal/config"
	"divetrader/internal/domain"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct {
	name string
}

func (s *stubStrategy) Name() string                 { return s.name }
func (s *stubStrategy) Init(_ context.Context) error { return nil }
func (s *stubStrategy) OnBar(_ context.Context, _ domain.Bar, _ Portfolio) ([]domain.Signal, error) {
	return nil, nil
}

func stubFactory(cfg config.StrategyConfig, _ Deps) (Strategy, error) {
	return &stubStrategy{name: cfg.ID}, nil
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", stubFactory)

	s, err := r.New(config.StrategyConfig{ID: "test-strategy", Kind: "stub"}, Deps{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Name() != "test-strategy" {
		t.Errorf("New returned strategy with Name() = %q, want %q", s.Name(), "test-strategy")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Error("Get returned true for unregistered kind")
	}
	_, err := r.New(config.StrategyConfig{ID: "x", Kind: "nonexistent"}, Deps{})
	if !errors.Is(err, domain.ErrUnknownStrategy) {
		t.Errorf("New(unknown) err = %v, want ErrUnknownStrategy", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("beta", stubFactory)
	r.Register("alpha", stubFactory)

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}
