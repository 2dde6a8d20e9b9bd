package detect

import (
	"fmt"
	"math"
	"time"

	"opsline/internal/domain"
)

// ForecastSnapshot is the plan and production state read by DetectForecastCascade.
type ForecastSnapshot struct {
	Forecasts  []domain.Forecast
	WorkOrders []domain.WorkOrder
}

// DetectForecastCascade raises a cascade candidate for every forecast with open work orders whose
// sizing basis differs from the current quantity by more than the threshold. Comparing against
// the basis rather than the last revision catches drift that builds up over several small edits.
func DetectForecastCascade(snap ForecastSnapshot, s Settings) []domain.Candidate {
	var out []domain.Candidate
	for _, f := range snap.Forecasts {
		var (
			targets  []domain.CascadeTarget
			maxPct   float64
			earliest time.Time
		)
		for _, wo := range snap.WorkOrders {
			if !domain.WorkOrderOpen(wo.Status) || wo.ForecastID == nil || *wo.ForecastID != f.ID {
				continue
			}
			if wo.ForecastBasis == nil || *wo.ForecastBasis <= 0 {
				continue
			}
			basis := *wo.ForecastBasis
			pct := percentChange(basis, f.Quantity)
			if math.Abs(pct) <= s.ForecastChangePct {
				continue
			}
			targets = append(targets, domain.CascadeTarget{
				WorkOrderID: wo.ID,
				BasisQty:    basis,
				CurrentQty:  wo.Quantity,
				ProposedQty: math.Ceil(round(wo.Quantity * f.Quantity / basis)),
			})
			if math.Abs(pct) > math.Abs(maxPct) {
				maxPct = pct
			}
			if !wo.ScheduledStart.IsZero() && (earliest.IsZero() || wo.ScheduledStart.Before(earliest)) {
				earliest = wo.ScheduledStart
			}
		}
		if len(targets) == 0 {
			continue
		}
		u := domain.Urgency{PercentChange: maxPct}
		if !earliest.IsZero() {
			u.NeedBy = timePtr(domain.Day(earliest))
		}
		var prev float64
		if f.PreviousQuantity != nil {
			prev = *f.PreviousQuantity
		}
		c := domain.Candidate{
			Type:         domain.TypeForecastCascade,
			SourceModule: domain.ModulePlan,
			TargetModule: domain.ModuleProduction,
			RootCauseKey: ForecastCascadeKey(f.SKU, f.Period),
			Title:        fmt.Sprintf("Resize %d work orders for %s %s (%+.0f%%)", len(targets), f.SKU, f.Period, maxPct),
			Description: fmt.Sprintf("Forecast for %s in %s is now %s; %d open work orders were sized against an older quantity.",
				f.SKU, f.Period, formatQty(f.Quantity), len(targets)),
			Payload: domain.ForecastCascadePayload{
				ForecastID:    f.ID,
				SKU:           f.SKU,
				Period:        f.Period,
				PreviousQty:   prev,
				NewQty:        f.Quantity,
				PercentChange: maxPct,
				WorkOrders:    targets,
			},
			Urgency: u,
		}
		if end, ok := PeriodEnd(f.Period); ok {
			c.NeedBy = timePtr(end)
		}
		out = append(out, c)
	}
	return sortCandidates(out)
}

// percentChange is the signed change from basis to qty, rounded to two decimals.
func percentChange(basis, qty float64) float64 {
	return math.Round((qty-basis)/basis*10000) / 100
}
