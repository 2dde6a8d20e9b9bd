package repo

import (
	"context"
	"database/sql"
	"time"

	"opsline/internal/domain"
)

// Outbound

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.OutboundOrder) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbound_orders(id,tenant_id,customer,status,priority,required_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		o.ID, o.TenantID, nullable(o.Customer), o.Status, o.Priority, domain.FormatTimestamp(o.RequiredBy), domain.FormatTimestamp(o.CreatedAt)); err != nil {
		return err
	}
	for i, line := range o.Lines {
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbound_order_lines(order_id,line_no,sku,quantity) VALUES (?,?,?,?)`,
			o.ID, i+1, line.SKU, line.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// ListOpenOrders returns open orders with their lines, earliest required-by first.
func (r Repo) ListOpenOrders(ctx context.Context, tenantID string) ([]domain.OutboundOrder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,COALESCE(customer,''),status,priority,required_by,created_at FROM outbound_orders
WHERE tenant_id=? AND status=? ORDER BY required_by, id`, tenantID, domain.OrderOpen)
	if err != nil {
		return nil, err
	}
	var orders []domain.OutboundOrder
	index := map[string]int{}
	for rows.Next() {
		var o domain.OutboundOrder
		var requiredBy, created string
		if err := rows.Scan(&o.ID, &o.TenantID, &o.Customer, &o.Status, &o.Priority, &requiredBy, &created); err != nil {
			rows.Close()
			return nil, err
		}
		if o.RequiredBy, err = domain.ParseTimestamp(requiredBy); err != nil {
			rows.Close()
			return nil, err
		}
		if o.CreatedAt, err = domain.ParseTimestamp(created); err != nil {
			rows.Close()
			return nil, err
		}
		index[o.ID] = len(orders)
		orders = append(orders, o)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	lines, err := r.DB.QueryContext(ctx, `SELECT l.order_id,l.sku,l.quantity FROM outbound_order_lines l
JOIN outbound_orders o ON o.id=l.order_id WHERE o.tenant_id=? AND o.status=? ORDER BY l.order_id, l.line_no`, tenantID, domain.OrderOpen)
	if err != nil {
		return nil, err
	}
	defer lines.Close()
	for lines.Next() {
		var orderID string
		var line domain.OrderLine
		if err := lines.Scan(&orderID, &line.SKU, &line.Quantity); err != nil {
			return nil, err
		}
		if i, ok := index[orderID]; ok {
			orders[i].Lines = append(orders[i].Lines, line)
		}
	}
	return orders, lines.Err()
}

// Inventory

func (r Repo) UpsertInventoryTx(ctx context.Context, tx *sql.Tx, item domain.InventoryItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO inventory(tenant_id,sku,kind,on_hand,reserved,unit_cost) VALUES (?,?,?,?,?,?)
ON CONFLICT(tenant_id,sku) DO UPDATE SET kind=excluded.kind, on_hand=excluded.on_hand, reserved=excluded.reserved, unit_cost=excluded.unit_cost`,
		item.TenantID, item.SKU, item.Kind, item.OnHand, item.Reserved, item.UnitCost)
	return err
}

func (r Repo) GetInventoryTx(ctx context.Context, tx *sql.Tx, tenantID, sku string) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := r.q(tx).QueryRowContext(ctx, `SELECT tenant_id,sku,kind,on_hand,reserved,unit_cost FROM inventory WHERE tenant_id=? AND sku=?`, tenantID, sku).
		Scan(&item.TenantID, &item.SKU, &item.Kind, &item.OnHand, &item.Reserved, &item.UnitCost)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	return item, err
}

// ListInventory returns inventory keyed by sku; an empty kind returns every item.
func (r Repo) ListInventory(ctx context.Context, tenantID, kind string) (map[string]domain.InventoryItem, error) {
	query := `SELECT tenant_id,sku,kind,on_hand,reserved,unit_cost FROM inventory WHERE tenant_id=?`
	args := []any{tenantID}
	if kind != "" {
		query += " AND kind=?"
		args = append(args, kind)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.InventoryItem{}
	for rows.Next() {
		var item domain.InventoryItem
		if err := rows.Scan(&item.TenantID, &item.SKU, &item.Kind, &item.OnHand, &item.Reserved, &item.UnitCost); err != nil {
			return nil, err
		}
		res[item.SKU] = item
	}
	return res, rows.Err()
}

// BOM

func (r Repo) UpsertBOMLineTx(ctx context.Context, tx *sql.Tx, tenantID string, line domain.BOMLine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO boms(tenant_id,finished_sku,material_sku,qty_per) VALUES (?,?,?,?)
ON CONFLICT(tenant_id,finished_sku,material_sku) DO UPDATE SET qty_per=excluded.qty_per`,
		tenantID, line.FinishedSKU, line.MaterialSKU, line.QtyPer)
	return err
}

// ListBOMTx returns BOM lines for one finished sku, or the whole BOM when finishedSKU is empty.
func (r Repo) ListBOMTx(ctx context.Context, tx *sql.Tx, tenantID, finishedSKU string) ([]domain.BOMLine, error) {
	query := `SELECT finished_sku,material_sku,qty_per FROM boms WHERE tenant_id=?`
	args := []any{tenantID}
	if finishedSKU != "" {
		query += " AND finished_sku=?"
		args = append(args, finishedSKU)
	}
	query += " ORDER BY finished_sku, material_sku"
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BOMLine
	for rows.Next() {
		var line domain.BOMLine
		if err := rows.Scan(&line.FinishedSKU, &line.MaterialSKU, &line.QtyPer); err != nil {
			return nil, err
		}
		res = append(res, line)
	}
	return res, rows.Err()
}

func (r Repo) ListBOM(ctx context.Context, tenantID string) ([]domain.BOMLine, error) {
	return r.ListBOMTx(ctx, nil, tenantID, "")
}

// Inbound

func (r Repo) UpsertVendorTx(ctx context.Context, tx *sql.Tx, v domain.Vendor) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO vendors(id,tenant_id,name,lead_time_days) VALUES (?,?,?,?)
ON CONFLICT(tenant_id,id) DO UPDATE SET name=excluded.name, lead_time_days=excluded.lead_time_days`,
		v.ID, v.TenantID, v.Name, v.LeadTimeDays)
	return err
}

func (r Repo) UpsertVendorMaterialTx(ctx context.Context, tx *sql.Tx, tenantID string, vm domain.VendorMaterial) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO vendor_materials(tenant_id,vendor_id,material_sku,unit_cost,min_order_qty) VALUES (?,?,?,?,?)
ON CONFLICT(tenant_id,vendor_id,material_sku) DO UPDATE SET unit_cost=excluded.unit_cost, min_order_qty=excluded.min_order_qty`,
		tenantID, vm.VendorID, vm.MaterialSKU, vm.UnitCost, vm.MinOrderQty)
	return err
}

func (r Repo) ListVendors(ctx context.Context, tenantID string) ([]domain.Vendor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,name,lead_time_days FROM vendors WHERE tenant_id=? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vendor
	for rows.Next() {
		var v domain.Vendor
		if err := rows.Scan(&v.ID, &v.TenantID, &v.Name, &v.LeadTimeDays); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) ListVendorMaterials(ctx context.Context, tenantID string) ([]domain.VendorMaterial, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT vendor_id,material_sku,unit_cost,min_order_qty FROM vendor_materials WHERE tenant_id=? ORDER BY material_sku, vendor_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VendorMaterial
	for rows.Next() {
		var vm domain.VendorMaterial
		if err := rows.Scan(&vm.VendorID, &vm.MaterialSKU, &vm.UnitCost, &vm.MinOrderQty); err != nil {
			return nil, err
		}
		res = append(res, vm)
	}
	return res, rows.Err()
}

func (r Repo) InsertPurchaseDraftTx(ctx context.Context, tx *sql.Tx, d domain.PurchaseDraft) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO purchase_drafts(id,tenant_id,material_sku,vendor_id,quantity,order_by,estimated_cost,status,source_suggestion_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TenantID, d.MaterialSKU, nullable(d.VendorID), d.Quantity, domain.FormatTimestamp(d.OrderBy), d.EstimatedCost, d.Status,
		nullableStringPtr(d.SourceSuggestionID), domain.FormatTimestamp(d.CreatedAt))
	return err
}

// ListPurchaseDrafts returns drafts of a tenant; openOnly keeps drafts not yet received.
func (r Repo) ListPurchaseDrafts(ctx context.Context, tenantID string, openOnly bool) ([]domain.PurchaseDraft, error) {
	query := `SELECT id,tenant_id,material_sku,COALESCE(vendor_id,''),quantity,order_by,estimated_cost,status,source_suggestion_id,created_at FROM purchase_drafts WHERE tenant_id=?`
	args := []any{tenantID}
	if openOnly {
		query += " AND status IN (?,?)"
		args = append(args, domain.PurchaseDraftOpen, domain.PurchaseDraftOrdered)
	}
	query += " ORDER BY created_at, id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PurchaseDraft
	for rows.Next() {
		var d domain.PurchaseDraft
		var orderBy, created string
		var source sql.NullString
		if err := rows.Scan(&d.ID, &d.TenantID, &d.MaterialSKU, &d.VendorID, &d.Quantity, &orderBy, &d.EstimatedCost, &d.Status, &source, &created); err != nil {
			return nil, err
		}
		if d.OrderBy, err = domain.ParseTimestamp(orderBy); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = domain.ParseTimestamp(created); err != nil {
			return nil, err
		}
		d.SourceSuggestionID = stringPtr(source)
		res = append(res, d)
	}
	return res, rows.Err()
}

// Production

const workOrderColumns = `id,tenant_id,sku,quantity,status,scheduled_start,scheduled_end,forecast_id,forecast_basis,source_suggestion_id,created_at,updated_at`

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var start, end, created, updated string
	var forecastID, source sql.NullString
	var basis sql.NullFloat64
	err := row.Scan(&wo.ID, &wo.TenantID, &wo.SKU, &wo.Quantity, &wo.Status, &start, &end, &forecastID, &basis, &source, &created, &updated)
	if err == sql.ErrNoRows {
		return wo, ErrNotFound
	}
	if err != nil {
		return wo, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&wo.ScheduledStart, start}, {&wo.ScheduledEnd, end}, {&wo.CreatedAt, created}, {&wo.UpdatedAt, updated}} {
		if *f.dst, err = domain.ParseTimestamp(f.src); err != nil {
			return wo, err
		}
	}
	wo.ForecastID = stringPtr(forecastID)
	if basis.Valid {
		b := basis.Float64
		wo.ForecastBasis = &b
	}
	wo.SourceSuggestionID = stringPtr(source)
	return wo, nil
}

func (r Repo) InsertWorkOrderTx(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO work_orders(`+workOrderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		wo.ID, wo.TenantID, wo.SKU, wo.Quantity, wo.Status, domain.FormatTimestamp(wo.ScheduledStart), domain.FormatTimestamp(wo.ScheduledEnd),
		nullableStringPtr(wo.ForecastID), nullableFloatPtr(wo.ForecastBasis), nullableStringPtr(wo.SourceSuggestionID),
		domain.FormatTimestamp(wo.CreatedAt), domain.FormatTimestamp(wo.UpdatedAt)); err != nil {
		return err
	}
	for _, m := range wo.Materials {
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_order_materials(work_order_id,sku,required_qty,received_qty) VALUES (?,?,?,?)`,
			wo.ID, m.SKU, m.RequiredQty, m.ReceivedQty); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetWorkOrder(ctx context.Context, tenantID, id string) (domain.WorkOrder, error) {
	return r.GetWorkOrderTx(ctx, nil, tenantID, id)
}

func (r Repo) GetWorkOrderTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.WorkOrder, error) {
	q := r.q(tx)
	wo, err := scanWorkOrder(q.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE tenant_id=? AND id=?`, tenantID, id))
	if err != nil {
		return wo, err
	}
	mats, err := listMaterials(ctx, q, []string{wo.ID})
	if err != nil {
		return wo, err
	}
	wo.Materials = mats[wo.ID]
	return wo, nil
}

// ListWorkOrders returns work orders with materials; openOnly drops completed and canceled ones.
func (r Repo) ListWorkOrders(ctx context.Context, tenantID string, openOnly bool) ([]domain.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE tenant_id=?`
	args := []any{tenantID}
	if openOnly {
		query += " AND status NOT IN (?,?)"
		args = append(args, domain.WorkOrderCompleted, domain.WorkOrderCanceled)
	}
	query += " ORDER BY scheduled_start, id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkOrder
	var ids []string
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, wo)
		ids = append(ids, wo.ID)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	mats, err := listMaterials(ctx, r.DB, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Materials = mats[res[i].ID]
	}
	return res, nil
}

func listMaterials(ctx context.Context, q querier, ids []string) (map[string][]domain.MaterialLine, error) {
	res := map[string][]domain.MaterialLine{}
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT work_order_id,sku,required_qty,received_qty FROM work_order_materials WHERE work_order_id IN (`+placeholders(len(ids))+`) ORDER BY work_order_id, sku`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var m domain.MaterialLine
		if err := rows.Scan(&id, &m.SKU, &m.RequiredQty, &m.ReceivedQty); err != nil {
			return nil, err
		}
		res[id] = append(res[id], m)
	}
	return res, rows.Err()
}

// TransitionWorkOrderTx changes status only when the work order is currently in from.
func (r Repo) TransitionWorkOrderTx(ctx context.Context, tx *sql.Tx, tenantID, id, from, to string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET status=?, updated_at=? WHERE tenant_id=? AND id=? AND status=?`,
		to, domain.FormatTimestamp(now), tenantID, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ResizeWorkOrderTx sets a new planned quantity and forecast basis and scales material requirements.
func (r Repo) ResizeWorkOrderTx(ctx context.Context, tx *sql.Tx, tenantID, id string, qty, basis float64, now time.Time) error {
	wo, err := r.GetWorkOrderTx(ctx, tx, tenantID, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE work_orders SET quantity=?, forecast_basis=?, updated_at=? WHERE tenant_id=? AND id=?`,
		qty, basis, domain.FormatTimestamp(now), tenantID, id); err != nil {
		return err
	}
	if wo.Quantity <= 0 {
		return nil
	}
	ratio := qty / wo.Quantity
	_, err = tx.ExecContext(ctx, `UPDATE work_order_materials SET required_qty=required_qty*? WHERE work_order_id=?`, ratio, id)
	return err
}

// ReceiveMaterialTx adds qty to the received quantity of one material line.
func (r Repo) ReceiveMaterialTx(ctx context.Context, tx *sql.Tx, tenantID, workOrderID, sku string, qty float64, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_order_materials SET received_qty=received_qty+?
WHERE work_order_id=? AND sku=? AND EXISTS (SELECT 1 FROM work_orders w WHERE w.id=work_order_id AND w.tenant_id=?)`,
		qty, workOrderID, sku, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `UPDATE work_orders SET updated_at=? WHERE tenant_id=? AND id=?`, domain.FormatTimestamp(now), tenantID, workOrderID)
	return err
}

// Plan

const forecastColumns = `id,tenant_id,sku,period,quantity,previous_quantity,revision,revised_at`

func scanForecast(row rowScanner) (domain.Forecast, error) {
	var f domain.Forecast
	var prev sql.NullFloat64
	var revised string
	err := row.Scan(&f.ID, &f.TenantID, &f.SKU, &f.Period, &f.Quantity, &prev, &f.Revision, &revised)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if prev.Valid {
		p := prev.Float64
		f.PreviousQuantity = &p
	}
	f.RevisedAt, err = domain.ParseTimestamp(revised)
	return f, err
}

func (r Repo) GetForecastTx(ctx context.Context, tx *sql.Tx, tenantID, sku, period string) (domain.Forecast, error) {
	return scanForecast(r.q(tx).QueryRowContext(ctx, `SELECT `+forecastColumns+` FROM forecasts WHERE tenant_id=? AND sku=? AND period=?`, tenantID, sku, period))
}

func (r Repo) InsertForecastTx(ctx context.Context, tx *sql.Tx, f domain.Forecast) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO forecasts(`+forecastColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.TenantID, f.SKU, f.Period, f.Quantity, nullableFloatPtr(f.PreviousQuantity), f.Revision, domain.FormatTimestamp(f.RevisedAt))
	return err
}

func (r Repo) UpdateForecastTx(ctx context.Context, tx *sql.Tx, f domain.Forecast) error {
	_, err := tx.ExecContext(ctx, `UPDATE forecasts SET quantity=?, previous_quantity=?, revision=?, revised_at=? WHERE tenant_id=? AND id=?`,
		f.Quantity, nullableFloatPtr(f.PreviousQuantity), f.Revision, domain.FormatTimestamp(f.RevisedAt), f.TenantID, f.ID)
	return err
}

func (r Repo) ListForecasts(ctx context.Context, tenantID string) ([]domain.Forecast, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+forecastColumns+` FROM forecasts WHERE tenant_id=? ORDER BY sku, period`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Forecast
	for rows.Next() {
		f, err := scanForecast(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
