package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrDataUnavailable   = errors.New("market data unavailable")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInsufficientCash  = errors.New("insufficient cash")
	ErrMaxPositions      = errors.New("max open positions reached")
	ErrPositionNotOpen   = errors.New("position not open")
	ErrOrderRejected     = errors.New("order rejected")
	ErrLockHeld          = errors.New("lock already held")
	ErrUnknownStrategy   = errors.New("unknown strategy kind")
	ErrAdvisoryMalformed = errors.New("malformed advisory")
)
