package domain

import (
	"context"
	"time"
)

// EventLevel is the severity of a decision event.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Event types emitted by the pipeline.
const (
	EventRiskRejected    = "risk_rejected"
	EventRiskAlert       = "risk_alert"
	EventMaxPositions    = "max_positions"
	EventAdvisoryFailed  = "advisory_failed"
	EventDataUnavailable = "data_unavailable"
	EventSyntheticData   = "synthetic_data"
	EventOrderFailed     = "order_failed"
	EventPositionOpened  = "position_opened"
	EventPositionClosed  = "position_closed"
	EventContribution    = "contribution"
	EventRebalance       = "rebalance"
	EventDrainTimeout    = "drain_timeout"
)

// Event is a structured, leveled record of a decision or degradation. Fields
// carry the values compared so the decision can be reconstructed.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      EventLevel     `json:"level"`
	Type       string         `json:"type"`
	StrategyID string         `json:"strategy_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// EventSink receives decision events. Emit is called synchronously from the
// pipeline and must not block for long.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// LockManager provides a mutual-exclusion lock shared between processes.
// Acquire returns ErrLockHeld when another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
