package backtest

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/util"
)

// SyntheticBars generates a geometric random walk for symbol from start to
// end at interval. The walk is seeded from cfg.Seed and the symbol, so the
// same arguments always produce the same bars. Daily and coarser intervals
// skip days the calendar marks closed; a nil calendar keeps every step.
func SyntheticBars(cfg config.SyntheticConfig, symbol string, start, end time.Time, interval time.Duration, cal *util.TradingCalendar) []domain.Bar {
	if interval <= 0 || end.Before(start) {
		return nil
	}
	price := cfg.StartPrice
	if price <= 0 {
		price = 100
	}
	vol := cfg.DailyVolatility
	if vol <= 0 {
		vol = 0.02
	}
	baseVolume := cfg.BaseVolume
	if baseVolume <= 0 {
		baseVolume = 1_000_000
	}

	h := fnv.New64a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), h.Sum64()))

	dt := interval.Hours() / 24
	sigma := vol * math.Sqrt(dt)
	mu := (cfg.DailyDrift - vol*vol/2) * dt
	daily := interval >= 24*time.Hour

	var bars []domain.Bar
	for ts := start.UTC(); !ts.After(end); ts = ts.Add(interval) {
		if daily && cal != nil && !cal.IsTradingDay(ts) {
			continue
		}
		open := price
		closing := open * math.Exp(mu+sigma*rng.NormFloat64())
		high := math.Max(open, closing) * (1 + math.Abs(rng.NormFloat64())*sigma/2)
		low := math.Min(open, closing) * (1 - math.Abs(rng.NormFloat64())*sigma/2)
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      round(open),
			High:      round(high),
			Low:       round(low),
			Close:     round(closing),
			Volume:    math.Floor(baseVolume * (0.5 + rng.Float64())),
		})
		price = closing
	}
	return bars
}

func round(x float64) float64 {
	return math.Round(x*10_000) / 10_000
}
