// Package analytics derives performance statistics from a trade ledger and an
// equity curve. Everything here is recomputable; the ledger and the curve
// stay the source of truth.
package analytics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"divetrader/internal/domain"
)

// DefaultPeriodsPerYear annualizes daily returns.
const DefaultPeriodsPerYear = 252

// ---------------------------------------------------------------------------
// Ratio
// ---------------------------------------------------------------------------

// Ratio is a statistic that may be undefined or unbounded. It encodes as
// null when undefined and as the strings "Infinity" / "-Infinity" when
// unbounded, since JSON has no literal for either.
type Ratio struct {
	Value float64
	Valid bool
}

// Some returns a defined ratio.
func Some(v float64) Ratio {
	return Ratio{Value: v, Valid: true}
}

// Null is the undefined ratio.
var Null = Ratio{}

// IsInf reports whether the ratio is defined and unbounded.
func (r Ratio) IsInf() bool {
	return r.Valid && math.IsInf(r.Value, 0)
}

func (r Ratio) String() string {
	if !r.Valid {
		return "null"
	}
	return fmt.Sprintf("%g", r.Value)
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	switch {
	case !r.Valid:
		return []byte("null"), nil
	case math.IsInf(r.Value, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(r.Value, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(r.Value)
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "null":
		*r = Null
		return nil
	case `"Infinity"`:
		*r = Some(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*r = Some(math.Inf(-1))
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("ratio: %w", err)
	}
	*r = Some(v)
	return nil
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// MonthlyReturn is the equity change over one calendar month (UTC).
type MonthlyReturn struct {
	Month  string  `json:"month"`
	Return float64 `json:"return"`
	PnL    float64 `json:"realized_pnl"`
	Trades int     `json:"trades"`
}

// Metrics summarizes a run. Returns and drawdowns are fractions.
type Metrics struct {
	InitialCapital       float64         `json:"initial_capital"`
	FinalEquity          float64         `json:"final_equity"`
	TotalReturn          float64         `json:"total_return"`
	NetPnL               float64         `json:"net_pnl"`
	TotalTrades          int             `json:"total_trades"`
	WinningTrades        int             `json:"winning_trades"`
	LosingTrades         int             `json:"losing_trades"`
	WinRate              float64         `json:"win_rate"`
	ProfitFactor         Ratio           `json:"profit_factor"`
	AvgWin               float64         `json:"avg_win"`
	AvgLoss              float64         `json:"avg_loss"`
	MaxConsecutiveLosses int             `json:"max_consecutive_losses"`
	AvgHoldingHours      float64         `json:"avg_holding_hours"`
	SharpeRatio          Ratio           `json:"sharpe_ratio"`
	Volatility           Ratio           `json:"volatility"`
	DownsideDeviation    Ratio           `json:"downside_deviation"`
	MaxDrawdown          float64         `json:"max_drawdown"`
	MaxUnderwaterPeriods int             `json:"max_underwater_periods"`
	VaR95                Ratio           `json:"var_95"`
	RecoveryFactor       Ratio           `json:"recovery_factor"`
	BuyAndHoldReturn     Ratio           `json:"buy_and_hold_return"`
	ExcessReturn         Ratio           `json:"excess_return"`
	Monthly              []MonthlyReturn `json:"monthly"`
}

// Compute derives the metrics of a run. Only closing (sell) trades count
// towards trade statistics. Period returns are taken between consecutive
// equity points, starting from initialCapital. A non-positive
// periodsPerYear uses DefaultPeriodsPerYear.
func Compute(ledger []domain.Trade, curve []domain.EquityPoint, initialCapital, periodsPerYear float64) Metrics {
	if periodsPerYear <= 0 {
		periodsPerYear = DefaultPeriodsPerYear
	}
	m := Metrics{
		InitialCapital:   initialCapital,
		FinalEquity:      initialCapital,
		BuyAndHoldReturn: Null,
		ExcessReturn:     Null,
	}
	if len(curve) > 0 {
		m.FinalEquity = curve[len(curve)-1].TotalValue
	}
	if initialCapital > 0 {
		m.TotalReturn = m.FinalEquity/initialCapital - 1
	}

	tradeStats(&m, ledger)

	values := make([]float64, 0, len(curve)+1)
	values = append(values, initialCapital)
	for _, p := range curve {
		values = append(values, p.TotalValue)
	}
	returns := periodReturns(values)

	m.MaxDrawdown, m.MaxUnderwaterPeriods = drawdown(values)
	m.SharpeRatio = sharpe(returns, periodsPerYear)
	m.Volatility = volatility(returns, periodsPerYear)
	m.DownsideDeviation = downside(returns, periodsPerYear)
	m.VaR95 = Percentile(returns, 5)
	if m.MaxDrawdown > 0 {
		m.RecoveryFactor = Some(m.TotalReturn / m.MaxDrawdown)
	}
	m.Monthly = monthly(ledger, curve, initialCapital)
	return m
}

// SetBenchmark records the buy-and-hold return between two closes and the
// run's excess over it.
func (m *Metrics) SetBenchmark(firstClose, lastClose float64) {
	if firstClose <= 0 || lastClose <= 0 {
		return
	}
	bh := lastClose/firstClose - 1
	m.BuyAndHoldReturn = Some(bh)
	m.ExcessReturn = Some(m.TotalReturn - bh)
}

func tradeStats(m *Metrics, ledger []domain.Trade) {
	var (
		grossWin, grossLoss float64
		held                time.Duration
		streak              int
	)
	for _, t := range ledger {
		if !t.Closing() {
			continue
		}
		m.TotalTrades++
		m.NetPnL += t.RealizedPnL
		held += t.ClosedAt.Sub(t.OpenedAt)
		switch {
		case t.RealizedPnL > 0:
			m.WinningTrades++
			grossWin += t.RealizedPnL
			streak = 0
		case t.RealizedPnL < 0:
			m.LosingTrades++
			grossLoss += -t.RealizedPnL
			streak++
			if streak > m.MaxConsecutiveLosses {
				m.MaxConsecutiveLosses = streak
			}
		default:
			streak = 0
		}
	}
	if m.TotalTrades == 0 {
		m.ProfitFactor = Some(0)
		return
	}
	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	m.AvgHoldingHours = held.Hours() / float64(m.TotalTrades)
	if m.WinningTrades > 0 {
		m.AvgWin = grossWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = -grossLoss / float64(m.LosingTrades)
	}
	switch {
	case grossLoss == 0 && grossWin > 0:
		m.ProfitFactor = Some(math.Inf(1))
	case grossWin == 0:
		m.ProfitFactor = Some(0)
	default:
		m.ProfitFactor = Some(grossWin / grossLoss)
	}
}

func periodReturns(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 {
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

// drawdown returns the largest peak-to-trough decline as a fraction and the
// longest run of consecutive points below the running peak.
func drawdown(values []float64) (float64, int) {
	var (
		peak, maxDD float64
		run, maxRun int
	)
	for i, v := range values {
		if i == 0 || v >= peak {
			peak = v
			run = 0
			continue
		}
		run++
		if run > maxRun {
			maxRun = run
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, maxRun
}

func meanStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

func sharpe(returns []float64, ppy float64) Ratio {
	if len(returns) < 2 {
		return Null
	}
	mean, std := meanStd(returns)
	if std == 0 {
		return Null
	}
	return Some(mean / std * math.Sqrt(ppy))
}

func volatility(returns []float64, ppy float64) Ratio {
	if len(returns) < 2 {
		return Null
	}
	_, std := meanStd(returns)
	return Some(std * math.Sqrt(ppy))
}

func downside(returns []float64, ppy float64) Ratio {
	if len(returns) == 0 {
		return Null
	}
	var ss float64
	for _, r := range returns {
		if r < 0 {
			ss += r * r
		}
	}
	return Some(math.Sqrt(ss/float64(len(returns))) * math.Sqrt(ppy))
}

// Percentile returns the p-th percentile of xs with linear interpolation
// between closest ranks. It is Null for an empty input.
func Percentile(xs []float64, p float64) Ratio {
	if len(xs) == 0 {
		return Null
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return Some(sorted[lo])
	}
	frac := pos - float64(lo)
	return Some(sorted[lo] + (sorted[hi]-sorted[lo])*frac)
}

func monthly(ledger []domain.Trade, curve []domain.EquityPoint, initialCapital float64) []MonthlyReturn {
	if len(curve) == 0 {
		return nil
	}
	var out []MonthlyReturn
	index := make(map[string]int)
	prevEnd := initialCapital
	for i, p := range curve {
		month := p.Timestamp.UTC().Format("2006-01")
		last := i == len(curve)-1 || curve[i+1].Timestamp.UTC().Format("2006-01") != month
		if !last {
			continue
		}
		r := 0.0
		if prevEnd > 0 {
			r = p.TotalValue/prevEnd - 1
		}
		index[month] = len(out)
		out = append(out, MonthlyReturn{Month: month, Return: r})
		prevEnd = p.TotalValue
	}
	for _, t := range ledger {
		if !t.Closing() {
			continue
		}
		if i, ok := index[t.ClosedAt.UTC().Format("2006-01")]; ok {
			out[i].PnL += t.RealizedPnL
			out[i].Trades++
		}
	}
	return out
}
