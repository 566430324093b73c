// Package allocation schedules periodic contributions across a weighted basket
// of symbols and detects when holdings drift far enough to rebalance.
package allocation

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"divetrader/internal/domain"
)

// WeightTolerance is how far the weight sum may stray from 100.
const WeightTolerance = 0.01

// Weights maps symbol to target allocation in percent.
type Weights map[string]float64

// Validate requires positive weights summing to 100 within WeightTolerance.
// Weights are never rescaled to fit.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("%w: no allocation weights", domain.ErrInvalidConfig)
	}
	var sum float64
	for _, sym := range w.Symbols() {
		v := w[sym]
		if strings.TrimSpace(sym) == "" {
			return fmt.Errorf("%w: empty symbol in allocation weights", domain.ErrInvalidConfig)
		}
		if v <= 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: weight for %s is %v, must be > 0", domain.ErrInvalidConfig, sym, v)
		}
		sum += v
	}
	if math.Abs(sum-100) > WeightTolerance {
		return fmt.Errorf("%w: allocation weights sum to %.4f, want 100", domain.ErrInvalidConfig, sum)
	}
	return nil
}

// Symbols returns the weighted symbols in sorted order.
func (w Weights) Symbols() []string {
	syms := make([]string, 0, len(w))
	for s := range w {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}
