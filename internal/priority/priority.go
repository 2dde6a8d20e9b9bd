// Package priority maps urgency signals of a candidate suggestion to a priority tier.
package priority

import (
	"math"
	"time"

	"opsline/internal/config"
	"opsline/internal/domain"
)

// DaysRemaining counts whole calendar days (UTC) from now until needBy.
// Negative values mean the need date has passed.
func DaysRemaining(now, needBy time.Time) int {
	return int(domain.Day(needBy).Sub(domain.Day(now)).Hours() / 24)
}

// Calculate evaluates every present signal and returns the most urgent tier.
func Calculate(p config.PriorityPolicy, now time.Time, u domain.Urgency) domain.Priority {
	tier := domain.PriorityLow
	if u.NeedBy != nil {
		tier = tier.Max(byNeedDate(p, DaysRemaining(now, *u.NeedBy)))
	}
	if u.PercentChange != 0 {
		tier = tier.Max(byChange(p, math.Abs(u.PercentChange)))
	}
	if severe(u.Severity) && u.RequiredQty > 0 && u.GapQty >= u.RequiredQty {
		tier = tier.Max(domain.PriorityCritical)
	}
	return tier
}

func byNeedDate(p config.PriorityPolicy, days int) domain.Priority {
	switch {
	case days <= p.CriticalDays:
		return domain.PriorityCritical
	case days <= p.HighDays:
		return domain.PriorityHigh
	case days <= p.MediumDays:
		return domain.PriorityMedium
	}
	return domain.PriorityLow
}

func byChange(p config.PriorityPolicy, pct float64) domain.Priority {
	switch {
	case pct >= p.HighChangePct:
		return domain.PriorityHigh
	case pct >= p.MediumChangePct:
		return domain.PriorityMedium
	}
	return domain.PriorityLow
}

func severe(s domain.Priority) bool {
	return s == domain.PriorityHigh || s == domain.PriorityCritical
}
