package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsline/internal/domain"
)

// ModuleWriter is the fixed set of target-module writes the accept executor may perform.
// Every call runs inside the accept transaction. repo.Repo implements it.
type ModuleWriter interface {
	ListBOMTx(ctx context.Context, tx *sql.Tx, tenantID, finishedSKU string) ([]domain.BOMLine, error)
	InsertWorkOrderTx(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error
	InsertPurchaseDraftTx(ctx context.Context, tx *sql.Tx, d domain.PurchaseDraft) error
	GetWorkOrderTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.WorkOrder, error)
	TransitionWorkOrderTx(ctx context.Context, tx *sql.Tx, tenantID, id, from, to string, now time.Time) (bool, error)
	ResizeWorkOrderTx(ctx context.Context, tx *sql.Tx, tenantID, id string, qty, basis float64, now time.Time) error
}

func (e Engine) writer() ModuleWriter {
	if e.Writer != nil {
		return e.Writer
	}
	return e.Repo
}

// execute performs the target-module write for s and returns the id of the written entity.
func (e Engine) execute(ctx context.Context, tx *sql.Tx, s domain.Suggestion, now time.Time) (string, error) {
	w := e.writer()
	switch p := s.Payload.(type) {
	case domain.WorkOrderPayload:
		return createWorkOrder(ctx, tx, w, s, p, now)
	case domain.PurchasePayload:
		return createPurchaseDraft(ctx, tx, w, s, p, now)
	case domain.ReleasePayload:
		return releaseWorkOrder(ctx, tx, w, s.TenantID, p, now)
	case domain.ForecastCascadePayload:
		return cascadeForecast(ctx, tx, w, s.TenantID, p, now)
	default:
		return "", fmt.Errorf("no executor for payload %T", p)
	}
}

func createWorkOrder(ctx context.Context, tx *sql.Tx, w ModuleWriter, s domain.Suggestion, p domain.WorkOrderPayload, now time.Time) (string, error) {
	bom, err := w.ListBOMTx(ctx, tx, s.TenantID, p.SKU)
	if err != nil {
		return "", fmt.Errorf("load bom for %s: %w", p.SKU, err)
	}
	sourceID := s.ID
	wo := domain.WorkOrder{
		ID:                 uuid.NewString(),
		TenantID:           s.TenantID,
		SKU:                p.SKU,
		Quantity:           p.QuantityGap,
		Status:             domain.WorkOrderScheduled,
		ScheduledStart:     p.ScheduleStart,
		ScheduledEnd:       p.ScheduleEnd,
		SourceSuggestionID: &sourceID,
		Materials:          explode(bom, p.QuantityGap),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if len(wo.Materials) > 0 {
		wo.Status = domain.WorkOrderWaitingMaterials
	}
	if err := w.InsertWorkOrderTx(ctx, tx, wo); err != nil {
		return "", fmt.Errorf("create work order: %w", err)
	}
	return wo.ID, nil
}

func createPurchaseDraft(ctx context.Context, tx *sql.Tx, w ModuleWriter, s domain.Suggestion, p domain.PurchasePayload, now time.Time) (string, error) {
	sourceID := s.ID
	d := domain.PurchaseDraft{
		ID:                 uuid.NewString(),
		TenantID:           s.TenantID,
		MaterialSKU:        p.MaterialSKU,
		VendorID:           p.VendorID,
		Quantity:           p.SuggestedQty,
		OrderBy:            p.OrderByDate,
		EstimatedCost:      p.EstimatedCost,
		Status:             domain.PurchaseDraftOpen,
		SourceSuggestionID: &sourceID,
		CreatedAt:          now,
	}
	if err := w.InsertPurchaseDraftTx(ctx, tx, d); err != nil {
		return "", fmt.Errorf("create purchase draft: %w", err)
	}
	return d.ID, nil
}

func releaseWorkOrder(ctx context.Context, tx *sql.Tx, w ModuleWriter, tenantID string, p domain.ReleasePayload, now time.Time) (string, error) {
	wo, err := w.GetWorkOrderTx(ctx, tx, tenantID, p.WorkOrderID)
	if err != nil {
		return "", fmt.Errorf("work order %s: %w", p.WorkOrderID, err)
	}
	if wo.Status != domain.WorkOrderWaitingMaterials {
		return "", fmt.Errorf("work order %s is %s, not %s", wo.ID, wo.Status, domain.WorkOrderWaitingMaterials)
	}
	ok, err := w.TransitionWorkOrderTx(ctx, tx, tenantID, wo.ID, domain.WorkOrderWaitingMaterials, domain.WorkOrderReleased, now)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("work order %s changed status concurrently", wo.ID)
	}
	return wo.ID, nil
}

// cascadeForecast resizes every listed work order that is still open; closed ones are skipped.
func cascadeForecast(ctx context.Context, tx *sql.Tx, w ModuleWriter, tenantID string, p domain.ForecastCascadePayload, now time.Time) (string, error) {
	for _, target := range p.WorkOrders {
		wo, err := w.GetWorkOrderTx(ctx, tx, tenantID, target.WorkOrderID)
		if err != nil {
			return "", fmt.Errorf("work order %s: %w", target.WorkOrderID, err)
		}
		if !domain.WorkOrderOpen(wo.Status) {
			continue
		}
		if err := w.ResizeWorkOrderTx(ctx, tx, tenantID, wo.ID, target.ProposedQty, p.NewQty, now); err != nil {
			return "", fmt.Errorf("resize work order %s: %w", wo.ID, err)
		}
	}
	return p.ForecastID, nil
}

func explode(bom []domain.BOMLine, qty float64) []domain.MaterialLine {
	var lines []domain.MaterialLine
	for _, b := range bom {
		if b.QtyPer <= 0 {
			continue
		}
		lines = append(lines, domain.MaterialLine{SKU: b.MaterialSKU, RequiredQty: b.QtyPer * qty})
	}
	return lines
}
