// Package indicator computes moving averages, RSI and a volume filter over a
// bounded trailing window of bars.
package indicator

import (
	"fmt"

	"divetrader/internal/domain"
)

// Config sets the window sizes. ShortPeriod must be smaller than LongPeriod.
// A zero RSIPeriod disables RSI.
type Config struct {
	ShortPeriod int
	LongPeriod  int
	RSIPeriod   int
	MinVolume   float64
}

// Validate checks the window sizes.
func (c Config) Validate() error {
	if c.ShortPeriod < 1 {
		return fmt.Errorf("%w: short period %d must be >= 1", domain.ErrInvalidConfig, c.ShortPeriod)
	}
	if c.ShortPeriod >= c.LongPeriod {
		return fmt.Errorf("%w: short period %d must be < long period %d", domain.ErrInvalidConfig, c.ShortPeriod, c.LongPeriod)
	}
	if c.RSIPeriod < 0 {
		return fmt.Errorf("%w: rsi period %d must be >= 0", domain.ErrInvalidConfig, c.RSIPeriod)
	}
	if c.MinVolume < 0 {
		return fmt.Errorf("%w: min volume %v must be >= 0", domain.ErrInvalidConfig, c.MinVolume)
	}
	return nil
}

// Snapshot is the indicator state after one bar. When Ready is false the
// moving averages are meaningless and callers must treat the bar as hold.
type Snapshot struct {
	ShortMA  float64
	LongMA   float64
	RSI      float64
	RSIReady bool
	VolumeOK bool
	Ready    bool
}

// Engine keeps the trailing closes for one symbol. It is not safe for
// concurrent use; callers keep one Engine per symbol.
type Engine struct {
	cfg    Config
	size   int
	closes []float64
}

// New returns an Engine for cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	size := cfg.LongPeriod
	if cfg.RSIPeriod+1 > size {
		size = cfg.RSIPeriod + 1
	}
	return &Engine{
		cfg:    cfg,
		size:   size,
		closes: make([]float64, 0, size),
	}, nil
}

// Update appends bar to the window and returns the resulting snapshot.
func (e *Engine) Update(bar domain.Bar) Snapshot {
	if len(e.closes) == e.size {
		copy(e.closes, e.closes[1:])
		e.closes = e.closes[:e.size-1]
	}
	e.closes = append(e.closes, bar.Close)

	snap := Snapshot{VolumeOK: bar.Volume >= e.cfg.MinVolume}
	if len(e.closes) >= e.cfg.LongPeriod {
		snap.ShortMA = mean(e.closes[len(e.closes)-e.cfg.ShortPeriod:])
		snap.LongMA = mean(e.closes[len(e.closes)-e.cfg.LongPeriod:])
		snap.Ready = true
	}
	if e.cfg.RSIPeriod > 0 && len(e.closes) >= e.cfg.RSIPeriod+1 {
		snap.RSI = rsi(e.closes[len(e.closes)-e.cfg.RSIPeriod-1:])
		snap.RSIReady = true
	}
	return snap
}

// Len returns the number of buffered closes.
func (e *Engine) Len() int {
	return len(e.closes)
}

// Reset drops the buffered window.
func (e *Engine) Reset() {
	e.closes = e.closes[:0]
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// rsi computes a simple-average RSI over the deltas of closes.
func rsi(closes []float64) float64 {
	var gain, loss float64
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	n := float64(len(closes) - 1)
	avgGain, avgLoss := gain/n, loss/n
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50
	case avgLoss == 0:
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
