// Package interval computes polling intervals from activity and change frequency.
package interval

import (
	"time"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// Policy is the tunable polling table.
type Policy struct {
	Table                map[domain.ActivityLevel]map[domain.ChangeFrequency]time.Duration
	Min                  time.Duration
	Max                  time.Duration
	VirtualEmailCooldown time.Duration
}

// DefaultPolicy returns the stock polling table.
func DefaultPolicy() Policy {
	return Policy{
		Table: map[domain.ActivityLevel]map[domain.ChangeFrequency]time.Duration{
			domain.ActivityHigh: {
				domain.ChangeHigh:   15 * time.Second,
				domain.ChangeMedium: 30 * time.Second,
				domain.ChangeLow:    60 * time.Second,
			},
			domain.ActivityMedium: {
				domain.ChangeHigh:   60 * time.Second,
				domain.ChangeMedium: 120 * time.Second,
				domain.ChangeLow:    300 * time.Second,
			},
			domain.ActivityLow: {
				domain.ChangeHigh:   300 * time.Second,
				domain.ChangeMedium: 600 * time.Second,
				domain.ChangeLow:    1800 * time.Second,
			},
			domain.ActivityIdle: {
				domain.ChangeHigh:   1800 * time.Second,
				domain.ChangeMedium: 3600 * time.Second,
				domain.ChangeLow:    21600 * time.Second,
			},
		},
		Min:                  15 * time.Second,
		Max:                  6 * time.Hour,
		VirtualEmailCooldown: 10 * time.Minute,
	}
}

// TargetInterval returns the next polling interval. A recent virtual-inbox
// email forces the high/high cell. The result is clamped to [Min, Max].
func TargetInterval(p Policy, level domain.ActivityLevel, change domain.ChangeFrequency, recentVirtualEmail bool) time.Duration {
	if recentVirtualEmail {
		level, change = domain.ActivityHigh, domain.ChangeHigh
	}
	d, ok := p.Table[level][change]
	if !ok {
		// Missing cells fall back to the slowest rate.
		d = p.Max
	}
	return clamp(d, p.Min, p.Max)
}

func clamp(d, min, max time.Duration) time.Duration {
	if min > 0 && d < min {
		return min
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// FrequencyFor maps an interval onto the persisted frequency tier.
func FrequencyFor(d time.Duration) domain.SyncFrequency {
	switch {
	case d <= 15*time.Second:
		return domain.FrequencyImmediate
	case d <= time.Minute:
		return domain.FrequencyFast
	case d <= 5*time.Minute:
		return domain.FrequencyNormal
	case d <= 30*time.Minute:
		return domain.FrequencySlow
	default:
		return domain.FrequencyBackground
	}
}

// DefaultChangeFrequency is the change rate assumed for a service until one is persisted.
func DefaultChangeFrequency(service domain.ServiceType) domain.ChangeFrequency {
	switch service {
	case domain.ServiceCalendar:
		return domain.ChangeMedium
	case domain.ServiceDrive:
		return domain.ChangeLow
	default:
		return domain.ChangeHigh
	}
}
