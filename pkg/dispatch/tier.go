package dispatch

import (
	"fmt"
	"strings"

	"worldcore/pkg/config"
)

// Tier is the urgency class of an event. Lower values are more urgent.
type Tier int

const (
	Instant Tier = iota
	High
	Normal
	Low
)

// Tiers lists every tier, most urgent first.
//
//nolint:gochecknoglobals // fixed tier order
var Tiers = []Tier{Instant, High, Normal, Low}

func (t Tier) String() string {
	switch t {
	case Instant:
		return config.TierInstant
	case High:
		return config.TierHigh
	case Normal:
		return config.TierNormal
	case Low:
		return config.TierLow
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier converts a configured tier name.
func ParseTier(name string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case config.TierInstant:
		return Instant, nil
	case config.TierHigh:
		return High, nil
	case config.TierNormal:
		return Normal, nil
	case config.TierLow:
		return Low, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", name)
	}
}

func (t Tier) valid() bool {
	return t >= Instant && t <= Low
}
