package detect

import (
	"fmt"
	"time"

	"opsline/internal/domain"
)

// DetectReleaseReady raises a release candidate for every work order waiting on materials whose
// material lines are all received in full.
func DetectReleaseReady(workOrders []domain.WorkOrder, _ Settings) []domain.Candidate {
	var out []domain.Candidate
	for _, wo := range workOrders {
		if wo.Status != domain.WorkOrderWaitingMaterials || len(wo.Materials) == 0 || !materialsReceived(wo.Materials) {
			continue
		}
		materials := append([]domain.MaterialLine(nil), wo.Materials...)
		out = append(out, domain.Candidate{
			Type:         domain.TypeReleaseWO,
			SourceModule: domain.ModuleInbound,
			TargetModule: domain.ModuleProduction,
			RootCauseKey: ReleaseKey(wo.ID),
			Title:        fmt.Sprintf("Release work order %s (%s x %s)", wo.ID, formatQty(wo.Quantity), wo.SKU),
			Description:  fmt.Sprintf("All %d material lines of work order %s are received.", len(materials), wo.ID),
			Payload: domain.ReleasePayload{
				WorkOrderID: wo.ID,
				SKU:         wo.SKU,
				Materials:   materials,
			},
			Urgency: domain.Urgency{NeedBy: timePtr(domain.Day(wo.ScheduledStart))},
			NeedBy:  releaseStaleAfter(wo),
		})
	}
	return sortCandidates(out)
}

// releaseStaleAfter is the scheduled end, or the start when no end is planned.
func releaseStaleAfter(wo domain.WorkOrder) *time.Time {
	if !wo.ScheduledEnd.IsZero() {
		return timePtr(domain.Day(wo.ScheduledEnd))
	}
	return timePtr(domain.Day(wo.ScheduledStart))
}

func materialsReceived(lines []domain.MaterialLine) bool {
	for _, m := range lines {
		if m.ReceivedQty < m.RequiredQty {
			return false
		}
	}
	return true
}
