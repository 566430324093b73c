// Package signal combines indicator snapshots with an optional advisory
// signal into a single trade decision per bar.
package signal

import (
	"fmt"
	"strings"

	"divetrader/internal/domain"
)

// Policy selects how technical and advisory signals are combined. It is
// parsed once at startup.
type Policy int

const (
	// RequireAgreement emits buy only when technical and advisory both say buy.
	RequireAgreement Policy = iota + 1
	// AdvisoryOverride lets a confident advisory replace the technical signal.
	AdvisoryOverride
)

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "require_agreement", "agreement":
		return RequireAgreement, nil
	case "advisory_override", "override":
		return AdvisoryOverride, nil
	}
	return 0, fmt.Errorf("%w: unknown signal policy %q", domain.ErrInvalidConfig, s)
}

func (p Policy) String() string {
	switch p {
	case RequireAgreement:
		return "require_agreement"
	case AdvisoryOverride:
		return "advisory_override"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}
