package engine

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator mints position, trade and order identifiers.
type IDGenerator interface {
	NewID(kind string) string
}

// SequentialIDs produces "<prefix>-<kind>-000001" style identifiers. Used by
// backtests, where IDs must not depend on randomness.
type SequentialIDs struct {
	prefix string
	next   map[string]int
}

// NewSequentialIDs returns a generator whose IDs start with prefix.
func NewSequentialIDs(prefix string) *SequentialIDs {
	return &SequentialIDs{prefix: prefix, next: make(map[string]int)}
}

func (g *SequentialIDs) NewID(kind string) string {
	g.next[kind]++
	return fmt.Sprintf("%s-%s-%06d", g.prefix, kind, g.next[kind])
}

// UUIDs produces random UUIDv4 identifiers for live trading.
type UUIDs struct{}

func (UUIDs) NewID(string) string {
	return uuid.NewString()
}
