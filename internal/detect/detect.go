// Package detect holds the signal detectors of the Command Center. Every detector is a pure
// function from a tenant snapshot to candidate suggestions; candidates are returned sorted by
// root cause key so repeated runs over the same snapshot produce identical output.
package detect

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"opsline/internal/config"
	"opsline/internal/domain"
)

// Settings are the config inputs shared by all detectors.
type Settings struct {
	Now                 time.Time
	ProductionLeadDays  int
	PlanningHorizonDays int
	ForecastChangePct   float64
}

// SettingsFrom copies the detection section of cfg.
func SettingsFrom(cfg *config.Config, now time.Time) Settings {
	return Settings{
		Now:                 now,
		ProductionLeadDays:  cfg.Detection.ProductionLeadDays,
		PlanningHorizonDays: cfg.Detection.PlanningHorizonDays,
		ForecastChangePct:   cfg.Detection.ForecastChangePct,
	}
}

// Root cause keys.

func WorkOrderNeedKey(sku, period string) string {
	return fmt.Sprintf("work_order_need:%s:%s", sku, period)
}

func PurchaseNeedKey(materialSKU string) string {
	return "purchase_need:" + materialSKU
}

func ReleaseKey(workOrderID string) string {
	return "release_wo:" + workOrderID
}

func ForecastCascadeKey(sku, period string) string {
	return fmt.Sprintf("forecast_cascade:%s:%s", sku, period)
}

// Period returns the ISO week of t, e.g. "2026-W42".
func Period(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// PeriodStart parses a period written as an ISO week ("2026-W42"), a month ("2026-10") or a
// date and returns its first day. ok is false for anything else.
func PeriodStart(period string) (time.Time, bool) {
	if y, w, found := strings.Cut(period, "-W"); found {
		year, err1 := strconv.Atoi(y)
		week, err2 := strconv.Atoi(w)
		if err1 != nil || err2 != nil || week < 1 || week > 53 {
			return time.Time{}, false
		}
		// Jan 4 is always in week 1.
		jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
		monday := jan4.AddDate(0, 0, -((int(jan4.Weekday()) + 6) % 7))
		return monday.AddDate(0, 0, (week-1)*7), true
	}
	if t, err := time.Parse("2006-01", period); err == nil {
		return t, true
	}
	if t, err := time.Parse(domain.DateLayout, period); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// PeriodEnd returns the last day of a period accepted by PeriodStart.
func PeriodEnd(period string) (time.Time, bool) {
	start, ok := PeriodStart(period)
	if !ok {
		return time.Time{}, false
	}
	switch {
	case strings.Contains(period, "-W"):
		return start.AddDate(0, 0, 6), true
	case len(period) == len("2006-01"):
		return start.AddDate(0, 1, -1), true
	}
	return start, true
}

func sortCandidates(cs []domain.Candidate) []domain.Candidate {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].RootCauseKey < cs[j].RootCauseKey })
	return cs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// round trims float noise from quantity arithmetic.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
