// Package marketdata fetches historical bars and trading calendars from the
// Alpaca market-data API and composes bar sources.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/util"
)

// BarSource supplies historical bars for one symbol, ordered by timestamp.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time, interval time.Duration) ([]domain.Bar, error)
}

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ BarSource = (*AlpacaSource)(nil)
var _ BarSource = Chain(nil)

// barsAPI is the subset of *alpacamd.Client the source needs.
type barsAPI interface {
	GetBars(symbol string, req alpacamd.GetBarsRequest) ([]alpacamd.Bar, error)
	GetCryptoBars(symbol string, req alpacamd.GetCryptoBarsRequest) ([]alpacamd.CryptoBar, error)
}

// ---------------------------------------------------------------------------
// AlpacaSource
// ---------------------------------------------------------------------------

// AlpacaSource loads stock and crypto bars from Alpaca. Symbols containing
// "/" (BTC/USD) go to the crypto endpoint. Calls share one rate limiter and
// are retried with backoff.
type AlpacaSource struct {
	api         barsAPI
	feed        string
	limiter     *util.RateLimiter
	maxAttempts int
	retryDelay  time.Duration
	log         *slog.Logger
}

// NewAlpacaSource creates an AlpacaSource from the Alpaca settings.
func NewAlpacaSource(cfg config.Alpaca) *AlpacaSource {
	opts := alpacamd.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 200
	}
	return newAlpacaSource(alpacamd.NewClient(opts), cfg.Feed, util.NewRateLimiter(perMin))
}

func newAlpacaSource(api barsAPI, feed string, limiter *util.RateLimiter) *AlpacaSource {
	if feed == "" {
		feed = "iex"
	}
	return &AlpacaSource{
		api:         api,
		feed:        feed,
		limiter:     limiter,
		maxAttempts: 3,
		retryDelay:  500 * time.Millisecond,
		log:         slog.Default().With("component", "marketdata", "source", "alpaca"),
	}
}

// GetBars returns the bars for symbol in [start, end].
func (s *AlpacaSource) GetBars(ctx context.Context, symbol string, start, end time.Time, interval time.Duration) ([]domain.Bar, error) {
	tf, err := TimeFrameFor(interval)
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	err = util.Retry(ctx, s.maxAttempts, s.retryDelay, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var ferr error
		if isCrypto(symbol) {
			bars, ferr = s.cryptoBars(symbol, tf, start, end)
		} else {
			bars, ferr = s.stockBars(symbol, tf, start, end)
		}
		if ferr != nil {
			s.log.Warn("bar fetch failed, retrying", "symbol", symbol, "error", ferr)
		}
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s bars: %w", symbol, err)
	}
	return bars, nil
}

func (s *AlpacaSource) stockBars(symbol string, tf alpacamd.TimeFrame, start, end time.Time) ([]domain.Bar, error) {
	raw, err := s.api.GetBars(symbol, alpacamd.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
		Feed:      s.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars: %w", err)
	}
	out := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, domain.Bar{
			Symbol:     strings.ToUpper(symbol),
			Timestamp:  b.Timestamp.UTC(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     float64(b.Volume),
			TradeCount: int64(b.TradeCount),
			VWAP:       b.VWAP,
		})
	}
	return out, nil
}

func (s *AlpacaSource) cryptoBars(symbol string, tf alpacamd.TimeFrame, start, end time.Time) ([]domain.Bar, error) {
	raw, err := s.api.GetCryptoBars(symbol, alpacamd.GetCryptoBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCryptoBars: %w", err)
	}
	out := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, domain.Bar{
			Symbol:     strings.ToUpper(symbol),
			Timestamp:  b.Timestamp.UTC(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: int64(b.TradeCount),
			VWAP:       b.VWAP,
		})
	}
	return out, nil
}

// TimeFrameFor maps a bar interval onto the coarsest Alpaca timeframe unit
// that divides it evenly.
func TimeFrameFor(interval time.Duration) (alpacamd.TimeFrame, error) {
	switch {
	case interval <= 0:
		return alpacamd.TimeFrame{}, fmt.Errorf("bar interval %s: must be positive", interval)
	case interval%(24*time.Hour) == 0:
		return alpacamd.NewTimeFrame(int(interval/(24*time.Hour)), alpacamd.Day), nil
	case interval%time.Hour == 0:
		return alpacamd.NewTimeFrame(int(interval/time.Hour), alpacamd.Hour), nil
	case interval%time.Minute == 0:
		return alpacamd.NewTimeFrame(int(interval/time.Minute), alpacamd.Min), nil
	}
	return alpacamd.TimeFrame{}, fmt.Errorf("bar interval %s: not a whole number of minutes", interval)
}

func isCrypto(symbol string) bool {
	return strings.Contains(symbol, "/")
}

// ---------------------------------------------------------------------------
// Chain
// ---------------------------------------------------------------------------

// Chain tries each source in turn and returns the first non-empty result.
// It fails with domain.ErrDataUnavailable, joined with the individual
// errors, when no source has bars.
type Chain []BarSource

func (c Chain) GetBars(ctx context.Context, symbol string, start, end time.Time, interval time.Duration) ([]domain.Bar, error) {
	var errs []error
	for _, src := range c {
		bars, err := src.GetBars(ctx, symbol, start, end, interval)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		if len(bars) > 0 {
			return bars, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", symbol, errors.Join(append([]error{domain.ErrDataUnavailable}, errs...)...))
}

// SortBars orders bars by (timestamp, symbol) in place, keeping the input
// order for exact duplicates.
func SortBars(bars []domain.Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		if !bars[i].Timestamp.Equal(bars[j].Timestamp) {
			return bars[i].Timestamp.Before(bars[j].Timestamp)
		}
		return bars[i].Symbol < bars[j].Symbol
	})
}
