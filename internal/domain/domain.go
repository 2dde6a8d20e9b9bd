package domain

import "time"

// TimestampLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// DateLayout is used for need-by, required-by and order-by dates.
const DateLayout = "2006-01-02"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts TimestampLayout and RFC3339.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Outbound

type OrderLine struct {
	SKU      string  `json:"sku"`
	Quantity float64 `json:"quantity"`
}

type OutboundOrder struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	Customer   string      `json:"customer,omitempty"`
	Status     string      `json:"status" enum:"open,shipped,canceled"`
	Priority   Priority    `json:"priority" enum:"low,medium,high,critical"`
	RequiredBy time.Time   `json:"required_by"`
	Lines      []OrderLine `json:"lines"`
	CreatedAt  time.Time   `json:"created_at"`
}

const (
	OrderOpen     = "open"
	OrderShipped  = "shipped"
	OrderCanceled = "canceled"
)

// Production

const (
	WorkOrderDraft            = "draft"
	WorkOrderScheduled        = "scheduled"
	WorkOrderWaitingMaterials = "waiting_materials"
	WorkOrderReleased         = "released"
	WorkOrderCompleted        = "completed"
	WorkOrderCanceled         = "canceled"
)

// WorkOrderOpen reports whether a work order still represents future supply.
func WorkOrderOpen(status string) bool {
	switch status {
	case WorkOrderDraft, WorkOrderScheduled, WorkOrderWaitingMaterials, WorkOrderReleased:
		return true
	}
	return false
}

type MaterialLine struct {
	SKU         string  `json:"sku"`
	RequiredQty float64 `json:"required_qty"`
	ReceivedQty float64 `json:"received_qty"`
}

type WorkOrder struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	SKU                string         `json:"sku"`
	Quantity           float64        `json:"quantity"`
	Status             string         `json:"status" enum:"draft,scheduled,waiting_materials,released,completed,canceled"`
	ScheduledStart     time.Time      `json:"scheduled_start"`
	ScheduledEnd       time.Time      `json:"scheduled_end"`
	ForecastID         *string        `json:"forecast_id,omitempty"`
	ForecastBasis      *float64       `json:"forecast_basis,omitempty"`
	SourceSuggestionID *string        `json:"source_suggestion_id,omitempty"`
	Materials          []MaterialLine `json:"materials,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

type BOMLine struct {
	FinishedSKU string  `json:"finished_sku" yaml:"finished_sku"`
	MaterialSKU string  `json:"material_sku" yaml:"material_sku"`
	QtyPer      float64 `json:"qty_per" yaml:"qty_per"`
}

const (
	InventoryFinished = "finished"
	InventoryRaw      = "raw"
)

type InventoryItem struct {
	TenantID string  `json:"tenant_id" yaml:"-"`
	SKU      string  `json:"sku" yaml:"sku"`
	Kind     string  `json:"kind" yaml:"kind" enum:"finished,raw"`
	OnHand   float64 `json:"on_hand" yaml:"on_hand"`
	Reserved float64 `json:"reserved" yaml:"reserved"`
	UnitCost float64 `json:"unit_cost" yaml:"unit_cost"`
}

// Available is on-hand minus already-reserved quantity.
func (i InventoryItem) Available() float64 {
	return i.OnHand - i.Reserved
}

// Inbound

type Vendor struct {
	ID           string `json:"id" yaml:"id"`
	TenantID     string `json:"tenant_id" yaml:"-"`
	Name         string `json:"name" yaml:"name"`
	LeadTimeDays int    `json:"lead_time_days" yaml:"lead_time_days"`
}

type VendorMaterial struct {
	VendorID    string  `json:"vendor_id" yaml:"vendor_id"`
	MaterialSKU string  `json:"material_sku" yaml:"material_sku"`
	UnitCost    float64 `json:"unit_cost" yaml:"unit_cost"`
	MinOrderQty float64 `json:"min_order_qty" yaml:"min_order_qty"`
}

const (
	PurchaseDraftOpen    = "draft"
	PurchaseDraftOrdered = "ordered"
	PurchaseReceived     = "received"
)

type PurchaseDraft struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	MaterialSKU        string    `json:"material_sku"`
	VendorID           string    `json:"vendor_id,omitempty"`
	Quantity           float64   `json:"quantity"`
	OrderBy            time.Time `json:"order_by"`
	EstimatedCost      float64   `json:"estimated_cost"`
	Status             string    `json:"status" enum:"draft,ordered,received"`
	SourceSuggestionID *string   `json:"source_suggestion_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Plan

type Forecast struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	SKU              string    `json:"sku"`
	Period           string    `json:"period"`
	Quantity         float64   `json:"quantity"`
	PreviousQuantity *float64  `json:"previous_quantity,omitempty"`
	Revision         int       `json:"revision"`
	RevisedAt        time.Time `json:"revised_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
