package engine

import (
	"context"

	"opsline/internal/detect"
	"opsline/internal/domain"
)

// Engine implements orchestrator.SnapshotSource. Each call reads current state, outside any
// transaction.

func (e Engine) DetectSettings(ctx context.Context, tenantID string) (detect.Settings, error) {
	cfg, err := e.tenantConfig(ctx, nil, tenantID)
	if err != nil {
		return detect.Settings{}, err
	}
	return detect.SettingsFrom(cfg, e.now()), nil
}

func (e Engine) ProductionSnapshot(ctx context.Context, tenantID string) (detect.ProductionSnapshot, error) {
	var snap detect.ProductionSnapshot
	var err error
	if snap.Orders, err = e.Repo.ListOpenOrders(ctx, tenantID); err != nil {
		return snap, err
	}
	if snap.Inventory, err = e.Repo.ListInventory(ctx, tenantID, domain.InventoryFinished); err != nil {
		return snap, err
	}
	if snap.WorkOrders, err = e.Repo.ListWorkOrders(ctx, tenantID, true); err != nil {
		return snap, err
	}
	return snap, nil
}

func (e Engine) PurchaseSnapshot(ctx context.Context, tenantID string) (detect.PurchaseSnapshot, error) {
	var snap detect.PurchaseSnapshot
	var err error
	if snap.WorkOrders, err = e.Repo.ListWorkOrders(ctx, tenantID, true); err != nil {
		return snap, err
	}
	pending, err := e.Repo.ListPendingByType(ctx, tenantID, domain.TypeWorkOrder)
	if err != nil {
		return snap, err
	}
	snap.Planned = detect.PlannedFromSuggestions(pending)
	if snap.BOM, err = e.Repo.ListBOM(ctx, tenantID); err != nil {
		return snap, err
	}
	if snap.Inventory, err = e.Repo.ListInventory(ctx, tenantID, domain.InventoryRaw); err != nil {
		return snap, err
	}
	if snap.Drafts, err = e.Repo.ListPurchaseDrafts(ctx, tenantID, true); err != nil {
		return snap, err
	}
	if snap.Vendors, err = e.Repo.ListVendors(ctx, tenantID); err != nil {
		return snap, err
	}
	if snap.VendorMaterials, err = e.Repo.ListVendorMaterials(ctx, tenantID); err != nil {
		return snap, err
	}
	return snap, nil
}

func (e Engine) ReleaseSnapshot(ctx context.Context, tenantID string) ([]domain.WorkOrder, error) {
	return e.Repo.ListWorkOrders(ctx, tenantID, true)
}

func (e Engine) ForecastSnapshot(ctx context.Context, tenantID string) (detect.ForecastSnapshot, error) {
	var snap detect.ForecastSnapshot
	var err error
	if snap.Forecasts, err = e.Repo.ListForecasts(ctx, tenantID); err != nil {
		return snap, err
	}
	if snap.WorkOrders, err = e.Repo.ListWorkOrders(ctx, tenantID, true); err != nil {
		return snap, err
	}
	return snap, nil
}
