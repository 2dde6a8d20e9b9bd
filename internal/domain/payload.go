package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the closed union of per-type suggestion payloads.
// The unexported method keeps the set of variants inside this package.
type Payload interface {
	SuggestionType() SuggestionType
	Validate() error
	sealed()
}

// WorkOrderPayload asks production to build finished goods for an outbound gap.
type WorkOrderPayload struct {
	SKU           string    `json:"sku"`
	QuantityGap   float64   `json:"quantity_gap"`
	DemandQty     float64   `json:"demand_qty"`
	OnHandQty     float64   `json:"on_hand_qty"`
	CoveredQty    float64   `json:"covered_qty"`
	Period        string    `json:"period"`
	OrderIDs      []string  `json:"order_ids"`
	ScheduleStart time.Time `json:"schedule_start"`
	ScheduleEnd   time.Time `json:"schedule_end"`
}

func (WorkOrderPayload) SuggestionType() SuggestionType { return TypeWorkOrder }
func (WorkOrderPayload) sealed()                        {}

func (p WorkOrderPayload) Validate() error {
	if p.SKU == "" {
		return &ValidationError{Field: "payload.sku", Reason: "required"}
	}
	if p.QuantityGap <= 0 {
		return &ValidationError{Field: "payload.quantity_gap", Reason: "must be positive"}
	}
	if p.ScheduleEnd.Before(p.ScheduleStart) {
		return &ValidationError{Field: "payload.schedule_end", Reason: "before schedule_start"}
	}
	return nil
}

// PurchasePayload asks inbound to draft a purchase for a raw material shortfall.
type PurchasePayload struct {
	MaterialSKU   string    `json:"material_sku"`
	SuggestedQty  float64   `json:"suggested_qty"`
	ShortfallQty  float64   `json:"shortfall_qty"`
	AvailableQty  float64   `json:"available_qty"`
	RequiredQty   float64   `json:"required_qty"`
	NeededBy      time.Time `json:"needed_by"`
	OrderByDate   time.Time `json:"order_by_date"`
	VendorID      string    `json:"vendor_id,omitempty"`
	LeadTimeDays  int       `json:"lead_time_days"`
	WorkOrders    []string  `json:"work_orders"`
	EstimatedCost float64   `json:"estimated_cost"`
}

func (PurchasePayload) SuggestionType() SuggestionType { return TypePurchase }
func (PurchasePayload) sealed()                        {}

func (p PurchasePayload) Validate() error {
	if p.MaterialSKU == "" {
		return &ValidationError{Field: "payload.material_sku", Reason: "required"}
	}
	if p.SuggestedQty <= 0 {
		return &ValidationError{Field: "payload.suggested_qty", Reason: "must be positive"}
	}
	if p.OrderByDate.IsZero() {
		return &ValidationError{Field: "payload.order_by_date", Reason: "required"}
	}
	return nil
}

// ReleasePayload asks production to release a work order whose materials arrived.
type ReleasePayload struct {
	WorkOrderID string         `json:"work_order_id"`
	SKU         string         `json:"sku"`
	Materials   []MaterialLine `json:"materials"`
}

func (ReleasePayload) SuggestionType() SuggestionType { return TypeReleaseWO }
func (ReleasePayload) sealed()                        {}

func (p ReleasePayload) Validate() error {
	if p.WorkOrderID == "" {
		return &ValidationError{Field: "payload.work_order_id", Reason: "required"}
	}
	if len(p.Materials) == 0 {
		return &ValidationError{Field: "payload.materials", Reason: "at least one material required"}
	}
	return nil
}

// CascadeTarget is one downstream work order; BasisQty is the forecast quantity it was last sized
// against.
type CascadeTarget struct {
	WorkOrderID string  `json:"work_order_id"`
	BasisQty    float64 `json:"basis_qty,omitempty"`
	CurrentQty  float64 `json:"current_qty"`
	ProposedQty float64 `json:"proposed_qty"`
}

// ForecastCascadePayload asks production to resize work orders after a forecast revision.
type ForecastCascadePayload struct {
	ForecastID    string          `json:"forecast_id"`
	SKU           string          `json:"sku"`
	Period        string          `json:"period"`
	PreviousQty   float64         `json:"previous_qty"`
	NewQty        float64         `json:"new_qty"`
	PercentChange float64         `json:"percent_change"`
	WorkOrders    []CascadeTarget `json:"work_orders"`
}

func (ForecastCascadePayload) SuggestionType() SuggestionType { return TypeForecastCascade }
func (ForecastCascadePayload) sealed()                        {}

func (p ForecastCascadePayload) Validate() error {
	if p.ForecastID == "" {
		return &ValidationError{Field: "payload.forecast_id", Reason: "required"}
	}
	if p.PreviousQty <= 0 {
		return &ValidationError{Field: "payload.previous_qty", Reason: "must be positive"}
	}
	return nil
}

// DecodePayload parses raw JSON into the variant selected by t.
func DecodePayload(t SuggestionType, raw []byte) (Payload, error) {
	switch t {
	case TypeWorkOrder:
		var p WorkOrderPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case TypePurchase:
		var p PurchasePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case TypeReleaseWO:
		var p ReleasePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case TypeForecastCascade:
		var p ForecastCascadePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown suggestion type %q", t)
}
