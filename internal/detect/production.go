package detect

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"opsline/internal/domain"
)

// ProductionSnapshot is the outbound and production state read by DetectProductionNeed.
type ProductionSnapshot struct {
	Orders     []domain.OutboundOrder
	Inventory  map[string]domain.InventoryItem
	WorkOrders []domain.WorkOrder
}

type demandGroup struct {
	sku        string
	period     string
	demand     float64
	requiredBy time.Time
	severity   domain.Priority
	orderIDs   []string
}

// DetectProductionNeed raises a work order candidate for every (sku, ISO week) whose open order
// demand is not covered by finished on-hand stock plus open work orders. Supply is consumed by
// periods in ascending order so the earliest demand is covered first.
func DetectProductionNeed(snap ProductionSnapshot, s Settings) []domain.Candidate {
	groups := map[string]*demandGroup{}
	for _, o := range snap.Orders {
		if o.Status != domain.OrderOpen {
			continue
		}
		period := Period(o.RequiredBy)
		for _, line := range o.Lines {
			if line.Quantity <= 0 {
				continue
			}
			key := line.SKU + "\x00" + period
			g, ok := groups[key]
			if !ok {
				g = &demandGroup{sku: line.SKU, period: period, requiredBy: o.RequiredBy, severity: domain.PriorityLow}
				groups[key] = g
			}
			g.demand += line.Quantity
			if o.RequiredBy.Before(g.requiredBy) {
				g.requiredBy = o.RequiredBy
			}
			if o.Priority.Valid() {
				g.severity = g.severity.Max(o.Priority)
			}
			if !slices.Contains(g.orderIDs, o.ID) {
				g.orderIDs = append(g.orderIDs, o.ID)
			}
		}
	}

	supply := map[string]float64{}
	for sku, item := range snap.Inventory {
		if item.Kind == domain.InventoryRaw {
			continue
		}
		supply[sku] += item.OnHand
	}
	scheduled := map[string]float64{}
	for _, wo := range snap.WorkOrders {
		if domain.WorkOrderOpen(wo.Status) {
			scheduled[wo.SKU] += wo.Quantity
		}
	}

	bySKU := map[string][]*demandGroup{}
	for _, g := range groups {
		bySKU[g.sku] = append(bySKU[g.sku], g)
	}

	var out []domain.Candidate
	for _, sku := range sortedKeys(bySKU) {
		periods := bySKU[sku]
		sort.Slice(periods, func(i, j int) bool { return periods[i].period < periods[j].period })
		onHand := supply[sku]
		remaining := onHand + scheduled[sku]
		for _, g := range periods {
			covered := min(g.demand, max(remaining, 0))
			remaining -= covered
			gap := round(g.demand - covered)
			if gap <= 0 {
				continue
			}
			sort.Strings(g.orderIDs)
			end := domain.Day(g.requiredBy)
			start := end.AddDate(0, 0, -s.ProductionLeadDays)
			out = append(out, domain.Candidate{
				Type:         domain.TypeWorkOrder,
				SourceModule: domain.ModuleOutbound,
				TargetModule: domain.ModuleProduction,
				RootCauseKey: WorkOrderNeedKey(sku, g.period),
				Title:        fmt.Sprintf("Produce %s x %s for %s", formatQty(gap), sku, g.period),
				Description: fmt.Sprintf("Open orders need %s of %s by %s; on hand and scheduled production cover %s.",
					formatQty(g.demand), sku, end.Format(domain.DateLayout), formatQty(round(covered))),
				Payload: domain.WorkOrderPayload{
					SKU:           sku,
					QuantityGap:   gap,
					DemandQty:     round(g.demand),
					OnHandQty:     onHand,
					CoveredQty:    round(covered),
					Period:        g.period,
					OrderIDs:      g.orderIDs,
					ScheduleStart: start,
					ScheduleEnd:   end,
				},
				Urgency: domain.Urgency{
					NeedBy:      timePtr(start),
					Severity:    g.severity,
					GapQty:      gap,
					RequiredQty: round(g.demand),
				},
				NeedBy: timePtr(end),
			})
		}
	}
	return sortCandidates(out)
}
