package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"divetrader/internal/domain"
)

var (
	_ domain.EventSink = (*LogSink)(nil)
	_ domain.EventSink = MultiSink(nil)
	_ domain.EventSink = (*RecordingSink)(nil)
)

// LogSink writes events to a slog logger at the event's level.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink writing to log, or slog.Default when nil.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "events")}
}

func (s *LogSink) Emit(ctx context.Context, ev domain.Event) {
	attrs := []any{"type", ev.Type}
	if ev.StrategyID != "" {
		attrs = append(attrs, "strategy", ev.StrategyID)
	}
	if ev.Symbol != "" {
		attrs = append(attrs, "symbol", ev.Symbol)
	}
	if !ev.Timestamp.IsZero() {
		attrs = append(attrs, "bar_time", ev.Timestamp)
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, ev.Fields[k])
	}
	s.log.Log(ctx, slogLevel(ev.Level), ev.Message, attrs...)
}

func slogLevel(l domain.EventLevel) slog.Level {
	switch l {
	case domain.LevelWarn:
		return slog.LevelWarn
	case domain.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MultiSink fans events out to several sinks in order.
type MultiSink []domain.EventSink

func (m MultiSink) Emit(ctx context.Context, ev domain.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// RecordingSink keeps every event in memory. Backtests use it to report
// rejections.
type RecordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *RecordingSink) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *RecordingSink) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// OfType returns the recorded events of type typ.
func (r *RecordingSink) OfType(typ string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
