package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/orchestrator"
	"opsline/internal/repo"
)

// Module write paths. Each commits its own change and then schedules the detectors it can
// affect; scheduling failures never fail the write.

type CreateOrderOptions struct {
	ID         string
	Customer   string
	Priority   domain.Priority
	RequiredBy time.Time
	Lines      []domain.OrderLine
	ActorID    string
}

func (e Engine) CreateOrder(ctx context.Context, tenantID string, opts CreateOrderOptions) (domain.OutboundOrder, error) {
	if len(opts.Lines) == 0 {
		return domain.OutboundOrder{}, &domain.ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	for _, l := range opts.Lines {
		if l.SKU == "" || l.Quantity <= 0 {
			return domain.OutboundOrder{}, &domain.ValidationError{Field: "lines", Reason: "every line needs a sku and a positive quantity"}
		}
	}
	if opts.RequiredBy.IsZero() {
		return domain.OutboundOrder{}, &domain.ValidationError{Field: "required_by", Reason: "required"}
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.OutboundOrder{}, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", opts.Priority)}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OutboundOrder{}, err
	}
	defer tx.Rollback()
	if err := e.requireTenantTx(ctx, tx, tenantID); err != nil {
		return domain.OutboundOrder{}, err
	}
	o := domain.OutboundOrder{
		ID:         opts.ID,
		TenantID:   tenantID,
		Customer:   opts.Customer,
		Status:     domain.OrderOpen,
		Priority:   opts.Priority,
		RequiredBy: opts.RequiredBy.UTC(),
		Lines:      opts.Lines,
		CreatedAt:  e.now(),
	}
	if err := e.Repo.InsertOrderTx(ctx, tx, o); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.OutboundOrder{}, &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("order %s already exists", o.ID)}
		}
		return domain.OutboundOrder{}, fmt.Errorf("insert order: %w", err)
	}
	if err := e.appendEvent(ctx, tx, "order.created", tenantID, "outbound_order", o.ID, opts.ActorID, events.EventPayload{"lines": len(o.Lines)}); err != nil {
		return domain.OutboundOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OutboundOrder{}, err
	}
	e.trigger(ctx, tenantID, orchestrator.HandlerProductionNeed)
	return o, nil
}

// AdjustInventory replaces the stock record of one sku.
func (e Engine) AdjustInventory(ctx context.Context, tenantID string, item domain.InventoryItem, actorID string) (domain.InventoryItem, error) {
	if item.SKU == "" {
		return item, &domain.ValidationError{Field: "sku", Reason: "required"}
	}
	if item.Kind == "" {
		item.Kind = domain.InventoryFinished
	}
	if item.Kind != domain.InventoryFinished && item.Kind != domain.InventoryRaw {
		return item, &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown inventory kind %q", item.Kind)}
	}
	if item.OnHand < 0 || item.Reserved < 0 {
		return item, &domain.ValidationError{Field: "on_hand", Reason: "quantities must not be negative"}
	}
	item.TenantID = tenantID
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.requireTenantTx(ctx, tx, tenantID); err != nil {
		return item, err
	}
	if err := e.Repo.UpsertInventoryTx(ctx, tx, item); err != nil {
		return item, fmt.Errorf("upsert inventory: %w", err)
	}
	if err := e.appendEvent(ctx, tx, "inventory.adjusted", tenantID, "inventory", item.SKU, actorID, events.EventPayload{
		"on_hand": item.OnHand, "reserved": item.Reserved,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	e.trigger(ctx, tenantID, orchestrator.HandlerProductionNeed, orchestrator.HandlerPurchaseNeed)
	return item, nil
}

type CreateWorkOrderOptions struct {
	ID             string
	SKU            string
	Quantity       float64
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	// ForecastPeriod links the work order to the forecast of (SKU, period) and records its
	// current quantity as the sizing basis.
	ForecastPeriod string
	// Materials default to the BOM explosion of Quantity.
	Materials []domain.MaterialLine
	ActorID   string
}

func (e Engine) CreateWorkOrder(ctx context.Context, tenantID string, opts CreateWorkOrderOptions) (domain.WorkOrder, error) {
	if opts.SKU == "" {
		return domain.WorkOrder{}, &domain.ValidationError{Field: "sku", Reason: "required"}
	}
	if opts.Quantity <= 0 {
		return domain.WorkOrder{}, &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if opts.ScheduledStart.IsZero() {
		return domain.WorkOrder{}, &domain.ValidationError{Field: "scheduled_start", Reason: "required"}
	}
	if opts.ScheduledEnd.IsZero() {
		opts.ScheduledEnd = opts.ScheduledStart
	}
	if opts.ScheduledEnd.Before(opts.ScheduledStart) {
		return domain.WorkOrder{}, &domain.ValidationError{Field: "scheduled_end", Reason: "before scheduled_start"}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	if err := e.requireTenantTx(ctx, tx, tenantID); err != nil {
		return domain.WorkOrder{}, err
	}
	now := e.now()
	wo := domain.WorkOrder{
		ID:             opts.ID,
		TenantID:       tenantID,
		SKU:            opts.SKU,
		Quantity:       opts.Quantity,
		Status:         domain.WorkOrderScheduled,
		ScheduledStart: opts.ScheduledStart.UTC(),
		ScheduledEnd:   opts.ScheduledEnd.UTC(),
		Materials:      opts.Materials,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.ForecastPeriod != "" {
		f, err := e.Repo.GetForecastTx(ctx, tx, tenantID, opts.SKU, opts.ForecastPeriod)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.WorkOrder{}, fmt.Errorf("forecast %s %s: %w", opts.SKU, opts.ForecastPeriod, domain.ErrNotFound)
			}
			return domain.WorkOrder{}, err
		}
		basis := f.Quantity
		wo.ForecastID = &f.ID
		wo.ForecastBasis = &basis
	}
	if len(wo.Materials) == 0 {
		bom, err := e.Repo.ListBOMTx(ctx, tx, tenantID, opts.SKU)
		if err != nil {
			return domain.WorkOrder{}, err
		}
		wo.Materials = explode(bom, opts.Quantity)
	}
	if len(wo.Materials) > 0 {
		wo.Status = domain.WorkOrderWaitingMaterials
	}
	if err := e.Repo.InsertWorkOrderTx(ctx, tx, wo); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.WorkOrder{}, &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("work order %s already exists", wo.ID)}
		}
		return domain.WorkOrder{}, fmt.Errorf("insert work order: %w", err)
	}
	if err := e.appendEvent(ctx, tx, "work_order.created", tenantID, "work_order", wo.ID, opts.ActorID, events.EventPayload{
		"sku": wo.SKU, "quantity": wo.Quantity, "status": wo.Status,
	}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	e.trigger(ctx, tenantID, orchestrator.HandlerPurchaseNeed)
	return wo, nil
}

// ReceiveMaterial books a receipt against one material line of a work order.
func (e Engine) ReceiveMaterial(ctx context.Context, tenantID, workOrderID, sku string, qty float64, actorID string) (domain.WorkOrder, error) {
	if qty <= 0 {
		return domain.WorkOrder{}, &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReceiveMaterialTx(ctx, tx, tenantID, workOrderID, sku, qty, e.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkOrder{}, fmt.Errorf("work order %s material %s: %w", workOrderID, sku, domain.ErrNotFound)
		}
		return domain.WorkOrder{}, err
	}
	if err := e.appendEvent(ctx, tx, "work_order.material_received", tenantID, "work_order", workOrderID, actorID, events.EventPayload{
		"sku": sku, "quantity": qty,
	}); err != nil {
		return domain.WorkOrder{}, err
	}
	wo, err := e.Repo.GetWorkOrderTx(ctx, tx, tenantID, workOrderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	e.trigger(ctx, tenantID, orchestrator.HandlerReleaseReady, orchestrator.HandlerPurchaseNeed)
	return wo, nil
}

type ReviseForecastOptions struct {
	SKU      string
	Period   string
	Quantity float64
	ActorID  string
}

// ReviseForecast creates the (sku, period) forecast or records a new revision, keeping the
// prior quantity.
func (e Engine) ReviseForecast(ctx context.Context, tenantID string, opts ReviseForecastOptions) (domain.Forecast, error) {
	if opts.SKU == "" {
		return domain.Forecast{}, &domain.ValidationError{Field: "sku", Reason: "required"}
	}
	if opts.Period == "" {
		return domain.Forecast{}, &domain.ValidationError{Field: "period", Reason: "required"}
	}
	if opts.Quantity < 0 {
		return domain.Forecast{}, &domain.ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Forecast{}, err
	}
	defer tx.Rollback()
	if err := e.requireTenantTx(ctx, tx, tenantID); err != nil {
		return domain.Forecast{}, err
	}
	now := e.now()
	f, err := e.Repo.GetForecastTx(ctx, tx, tenantID, opts.SKU, opts.Period)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		f = domain.Forecast{ID: uuid.NewString(), TenantID: tenantID, SKU: opts.SKU, Period: opts.Period, Quantity: opts.Quantity, RevisedAt: now}
		err = e.Repo.InsertForecastTx(ctx, tx, f)
	case err == nil:
		prev := f.Quantity
		f.PreviousQuantity = &prev
		f.Quantity = opts.Quantity
		f.Revision++
		f.RevisedAt = now
		err = e.Repo.UpdateForecastTx(ctx, tx, f)
	}
	if err != nil {
		return domain.Forecast{}, fmt.Errorf("revise forecast: %w", err)
	}
	payload := events.EventPayload{"sku": f.SKU, "period": f.Period, "quantity": f.Quantity, "revision": f.Revision}
	if f.PreviousQuantity != nil {
		payload["previous_quantity"] = *f.PreviousQuantity
	}
	if err := e.appendEvent(ctx, tx, "forecast.revised", tenantID, "forecast", f.ID, opts.ActorID, payload); err != nil {
		return domain.Forecast{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Forecast{}, err
	}
	e.trigger(ctx, tenantID, orchestrator.HandlerForecastCascade)
	return f, nil
}

// Catalog is master data shared by the production and inbound modules.
type Catalog struct {
	BOM             []domain.BOMLine        `yaml:"bom" json:"bom"`
	Vendors         []domain.Vendor         `yaml:"vendors" json:"vendors"`
	VendorMaterials []domain.VendorMaterial `yaml:"vendor_materials" json:"vendor_materials"`
	Inventory       []domain.InventoryItem  `yaml:"inventory" json:"inventory"`
}

// ParseCatalog decodes a catalog YAML document.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	for _, b := range c.BOM {
		if b.FinishedSKU == "" || b.MaterialSKU == "" || b.QtyPer <= 0 {
			return c, &domain.ValidationError{Field: "bom", Reason: "every line needs finished_sku, material_sku and a positive qty_per"}
		}
	}
	for _, v := range c.Vendors {
		if v.ID == "" || v.LeadTimeDays < 0 {
			return c, &domain.ValidationError{Field: "vendors", Reason: "every vendor needs an id and a non-negative lead_time_days"}
		}
	}
	for _, vm := range c.VendorMaterials {
		if vm.VendorID == "" || vm.MaterialSKU == "" {
			return c, &domain.ValidationError{Field: "vendor_materials", Reason: "vendor_id and material_sku required"}
		}
	}
	for _, item := range c.Inventory {
		if item.SKU == "" {
			return c, &domain.ValidationError{Field: "inventory", Reason: "sku required"}
		}
	}
	return c, nil
}

// ImportCatalog upserts every catalog entry in one transaction.
func (e Engine) ImportCatalog(ctx context.Context, tenantID string, c Catalog, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.requireTenantTx(ctx, tx, tenantID); err != nil {
		return err
	}
	for _, b := range c.BOM {
		if err := e.Repo.UpsertBOMLineTx(ctx, tx, tenantID, b); err != nil {
			return fmt.Errorf("bom %s/%s: %w", b.FinishedSKU, b.MaterialSKU, err)
		}
	}
	for _, v := range c.Vendors {
		v.TenantID = tenantID
		if v.Name == "" {
			v.Name = v.ID
		}
		if err := e.Repo.UpsertVendorTx(ctx, tx, v); err != nil {
			return fmt.Errorf("vendor %s: %w", v.ID, err)
		}
	}
	for _, vm := range c.VendorMaterials {
		if err := e.Repo.UpsertVendorMaterialTx(ctx, tx, tenantID, vm); err != nil {
			return fmt.Errorf("vendor material %s/%s: %w", vm.VendorID, vm.MaterialSKU, err)
		}
	}
	for _, item := range c.Inventory {
		item.TenantID = tenantID
		if item.Kind == "" {
			item.Kind = domain.InventoryRaw
		}
		if err := e.Repo.UpsertInventoryTx(ctx, tx, item); err != nil {
			return fmt.Errorf("inventory %s: %w", item.SKU, err)
		}
	}
	if err := e.appendEvent(ctx, tx, "catalog.imported", tenantID, "catalog", "", actorID, events.EventPayload{
		"bom": len(c.BOM), "vendors": len(c.Vendors), "vendor_materials": len(c.VendorMaterials), "inventory": len(c.Inventory),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.trigger(ctx, tenantID, orchestrator.HandlerProductionNeed, orchestrator.HandlerPurchaseNeed)
	return nil
}
