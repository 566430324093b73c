package signal

import (
	"context"
	"sync"

	"divetrader/internal/domain"
)

// Advisory is an externally produced, confidence-scored opinion on a symbol.
type Advisory struct {
	Direction  domain.Direction `json:"direction"`
	Confidence float64          `json:"confidence"`
	Reason     string           `json:"reason,omitempty"`
}

// Advisor supplies the latest advisory for a symbol. A nil advisory with a
// nil error means none is available.
type Advisor interface {
	Advise(ctx context.Context, symbol string) (*Advisory, error)
}

// AdvisorFunc adapts a function to the Advisor interface.
type AdvisorFunc func(ctx context.Context, symbol string) (*Advisory, error)

// Advise calls f.
func (f AdvisorFunc) Advise(ctx context.Context, symbol string) (*Advisory, error) {
	return f(ctx, symbol)
}

// StaticAdvisor serves fixed advisories, for replays and tests.
type StaticAdvisor struct {
	mu         sync.RWMutex
	advisories map[string]Advisory
}

// NewStaticAdvisor returns an empty StaticAdvisor.
func NewStaticAdvisor() *StaticAdvisor {
	return &StaticAdvisor{advisories: make(map[string]Advisory)}
}

// Set stores the advisory for symbol.
func (a *StaticAdvisor) Set(symbol string, adv Advisory) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advisories[symbol] = adv
}

// Clear removes the advisory for symbol.
func (a *StaticAdvisor) Clear(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.advisories, symbol)
}

// Advise implements Advisor.
func (a *StaticAdvisor) Advise(_ context.Context, symbol string) (*Advisory, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	adv, ok := a.advisories[symbol]
	if !ok {
		return nil, nil
	}
	return &adv, nil
}
