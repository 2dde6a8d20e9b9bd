package detect

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"opsline/internal/domain"
)

// PlannedWorkOrder is a work order that exists only as a pending work_order suggestion.
type PlannedWorkOrder struct {
	SuggestionID string
	SKU          string
	Quantity     float64
	Start        time.Time
}

// PlannedFromSuggestions converts pending work_order suggestions into planned work orders.
func PlannedFromSuggestions(ss []domain.Suggestion) []PlannedWorkOrder {
	var res []PlannedWorkOrder
	for _, s := range ss {
		p, ok := s.Payload.(domain.WorkOrderPayload)
		if !ok || s.Status != domain.StatusPending {
			continue
		}
		res = append(res, PlannedWorkOrder{SuggestionID: s.ID, SKU: p.SKU, Quantity: p.QuantityGap, Start: p.ScheduleStart})
	}
	return res
}

// PurchaseSnapshot is the production and inbound state read by DetectPurchaseNeed.
type PurchaseSnapshot struct {
	WorkOrders      []domain.WorkOrder
	Planned         []PlannedWorkOrder
	BOM             []domain.BOMLine
	Inventory       map[string]domain.InventoryItem
	Drafts          []domain.PurchaseDraft
	Vendors         []domain.Vendor
	VendorMaterials []domain.VendorMaterial
}

type materialNeed struct {
	sku      string
	required float64
	neededBy time.Time
	drivers  []string
}

func (m *materialNeed) add(qty float64, start time.Time, driver string) {
	if qty <= 0 {
		return
	}
	if m.required == 0 || start.Before(m.neededBy) {
		m.neededBy = start
	}
	m.required += qty
	m.drivers = append(m.drivers, driver)
}

// DetectPurchaseNeed sums outstanding raw material requirements of open and planned work orders
// starting within the planning horizon and raises a purchase candidate for every material whose
// available stock plus open purchase drafts falls short.
func DetectPurchaseNeed(snap PurchaseSnapshot, s Settings) []domain.Candidate {
	horizon := domain.Day(s.Now).AddDate(0, 0, s.PlanningHorizonDays)
	needs := map[string]*materialNeed{}
	need := func(sku string) *materialNeed {
		n, ok := needs[sku]
		if !ok {
			n = &materialNeed{sku: sku}
			needs[sku] = n
		}
		return n
	}

	for _, wo := range snap.WorkOrders {
		if !domain.WorkOrderOpen(wo.Status) || wo.ScheduledStart.After(horizon) {
			continue
		}
		for _, m := range wo.Materials {
			need(m.SKU).add(m.RequiredQty-m.ReceivedQty, wo.ScheduledStart, wo.ID)
		}
	}

	bom := map[string][]domain.BOMLine{}
	for _, line := range snap.BOM {
		bom[line.FinishedSKU] = append(bom[line.FinishedSKU], line)
	}
	for _, p := range snap.Planned {
		if p.Start.After(horizon) {
			continue
		}
		for _, line := range bom[p.SKU] {
			need(line.MaterialSKU).add(p.Quantity*line.QtyPer, p.Start, "suggestion:"+p.SuggestionID)
		}
	}

	onOrder := map[string]float64{}
	for _, d := range snap.Drafts {
		if d.Status == domain.PurchaseDraftOpen || d.Status == domain.PurchaseDraftOrdered {
			onOrder[d.MaterialSKU] += d.Quantity
		}
	}
	leadTimes := map[string]int{}
	for _, v := range snap.Vendors {
		leadTimes[v.ID] = v.LeadTimeDays
	}
	sources := map[string][]domain.VendorMaterial{}
	for _, vm := range snap.VendorMaterials {
		if _, ok := leadTimes[vm.VendorID]; ok {
			sources[vm.MaterialSKU] = append(sources[vm.MaterialSKU], vm)
		}
	}

	var out []domain.Candidate
	for _, sku := range sortedKeys(needs) {
		n := needs[sku]
		item := snap.Inventory[sku]
		available := round(item.Available())
		shortfall := round(n.required - available - onOrder[sku])
		if shortfall <= 0 {
			continue
		}
		vm, lead, hasVendor := cheapestLead(sources[sku], leadTimes)
		unitCost := item.UnitCost
		suggested := shortfall
		if hasVendor {
			if vm.UnitCost > 0 {
				unitCost = vm.UnitCost
			}
			suggested = max(suggested, vm.MinOrderQty)
		}
		neededBy := domain.Day(n.neededBy)
		orderBy := neededBy.AddDate(0, 0, -lead)
		drivers := dedupe(n.drivers)
		out = append(out, domain.Candidate{
			Type:         domain.TypePurchase,
			SourceModule: domain.ModuleProduction,
			TargetModule: domain.ModuleInbound,
			RootCauseKey: PurchaseNeedKey(sku),
			Title:        fmt.Sprintf("Purchase %s x %s", formatQty(suggested), sku),
			Description: fmt.Sprintf("Work orders %s need %s of %s by %s; %s available.",
				strings.Join(drivers, ", "), formatQty(round(n.required)), sku, neededBy.Format(domain.DateLayout), formatQty(available)),
			Payload: domain.PurchasePayload{
				MaterialSKU:   sku,
				SuggestedQty:  suggested,
				ShortfallQty:  shortfall,
				AvailableQty:  available,
				RequiredQty:   round(n.required),
				NeededBy:      neededBy,
				OrderByDate:   orderBy,
				VendorID:      vm.VendorID,
				LeadTimeDays:  lead,
				WorkOrders:    drivers,
				EstimatedCost: round(suggested * unitCost),
			},
			Urgency: domain.Urgency{
				NeedBy:      timePtr(orderBy),
				GapQty:      shortfall,
				RequiredQty: round(n.required),
			},
			NeedBy: timePtr(neededBy),
		})
	}
	return sortCandidates(out)
}

// cheapestLead picks the vendor with the shortest lead time, lowest vendor id on ties.
func cheapestLead(vms []domain.VendorMaterial, leadTimes map[string]int) (domain.VendorMaterial, int, bool) {
	if len(vms) == 0 {
		return domain.VendorMaterial{}, 0, false
	}
	best := vms[0]
	for _, vm := range vms[1:] {
		bl, l := leadTimes[best.VendorID], leadTimes[vm.VendorID]
		if l < bl || (l == bl && vm.VendorID < best.VendorID) {
			best = vm
		}
	}
	return best, leadTimes[best.VendorID], true
}

func dedupe(list []string) []string {
	seen := map[string]bool{}
	var res []string
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			res = append(res, v)
		}
	}
	sort.Strings(res)
	return res
}
