package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/signal"
)

// advisoryRecord is the JSON value stored at "<prefix><SYMBOL>".
type advisoryRecord struct {
	Direction  domain.Direction `json:"direction"`
	Confidence float64          `json:"confidence"`
	Reason     string           `json:"reason,omitempty"`
	Timestamp  time.Time        `json:"ts"`
}

// AdvisoryFeed serves advisories published to Redis by an external
// forecaster. A missing or stale value means no advisory.
type AdvisoryFeed struct {
	rdb    *redis.Client
	prefix string
	maxAge time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// NewAdvisoryFeed creates an AdvisoryFeed reading keys under
// cfg.AdvisoryPrefix. Advisories older than cfg.AdvisoryMaxAge are ignored;
// zero disables the age check.
func NewAdvisoryFeed(c *Client, cfg config.Redis) *AdvisoryFeed {
	return &AdvisoryFeed{
		rdb:    c.Underlying(),
		prefix: cfg.AdvisoryPrefix,
		maxAge: cfg.AdvisoryMaxAge,
		now:    time.Now,
		log:    slog.Default().With("component", "advisory_feed"),
	}
}

func (f *AdvisoryFeed) key(symbol string) string {
	return f.prefix + symbol
}

// Advise implements signal.Advisor.
func (f *AdvisoryFeed) Advise(ctx context.Context, symbol string) (*signal.Advisory, error) {
	data, err := f.rdb.Get(ctx, f.key(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get advisory %s: %w", symbol, err)
	}
	adv, err := parseAdvisory(data, f.now(), f.maxAge)
	if err != nil {
		return nil, fmt.Errorf("advisory %s: %w", symbol, err)
	}
	if adv == nil {
		f.log.Debug("stale advisory ignored", "symbol", symbol)
	}
	return adv, nil
}

// Publish stores adv for symbol stamped with ts. The key expires after the
// maximum age so abandoned advisories do not accumulate.
func (f *AdvisoryFeed) Publish(ctx context.Context, symbol string, adv signal.Advisory, ts time.Time) error {
	data, err := json.Marshal(advisoryRecord{
		Direction:  adv.Direction,
		Confidence: adv.Confidence,
		Reason:     adv.Reason,
		Timestamp:  ts.UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis: encode advisory %s: %w", symbol, err)
	}
	if err := f.rdb.Set(ctx, f.key(symbol), data, f.maxAge).Err(); err != nil {
		return fmt.Errorf("redis: publish advisory %s: %w", symbol, err)
	}
	return nil
}

// parseAdvisory decodes a stored advisory. It returns nil without error when
// the advisory is older than maxAge, and an error wrapping
// domain.ErrAdvisoryMalformed when the value cannot be used.
func parseAdvisory(data []byte, now time.Time, maxAge time.Duration) (*signal.Advisory, error) {
	var rec advisoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAdvisoryMalformed, err)
	}
	switch rec.Direction {
	case domain.DirectionBuy, domain.DirectionSell, domain.DirectionHold:
	default:
		return nil, fmt.Errorf("%w: direction %q", domain.ErrAdvisoryMalformed, rec.Direction)
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v", domain.ErrAdvisoryMalformed, rec.Confidence)
	}
	if maxAge > 0 && !rec.Timestamp.IsZero() && now.Sub(rec.Timestamp) > maxAge {
		return nil, nil
	}
	return &signal.Advisory{
		Direction:  rec.Direction,
		Confidence: rec.Confidence,
		Reason:     rec.Reason,
	}, nil
}

// Compile-time interface check.
var _ signal.Advisor = (*AdvisoryFeed)(nil)
