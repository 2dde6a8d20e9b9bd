package server

import (
	"fmt"
	"strings"
	"time"

	"opsline/internal/domain"
	"opsline/internal/orchestrator"
)

// Request payloads

type DismissRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ScanRequest struct {
	// Handler limits the scan to one detector; empty runs all of them.
	Handler string `json:"handler,omitempty" enum:"detect.production_need,detect.purchase_need,detect.release_ready,detect.forecast_cascade"`
}

type CreateOrderRequest struct {
	ID         string             `json:"id,omitempty"`
	Customer   string             `json:"customer,omitempty"`
	Priority   string             `json:"priority,omitempty" enum:"low,medium,high,critical"`
	RequiredBy string             `json:"required_by" example:"2026-11-03"`
	Lines      []domain.OrderLine `json:"lines" minItems:"1"`
}

type CreateWorkOrderRequest struct {
	ID             string          `json:"id,omitempty"`
	SKU            string          `json:"sku"`
	Quantity       float64         `json:"quantity"`
	ScheduledStart string          `json:"scheduled_start" example:"2026-11-01"`
	ScheduledEnd   string          `json:"scheduled_end,omitempty"`
	ForecastPeriod string          `json:"forecast_period,omitempty" example:"2026-W45"`
	Materials      []MaterialInput `json:"materials,omitempty"`
}

// MaterialInput is a planned material line; receipts are booked separately.
type MaterialInput struct {
	SKU         string  `json:"sku" minLength:"1"`
	RequiredQty float64 `json:"required_qty" exclusiveMinimum:"0"`
}

func materialLines(in []MaterialInput) []domain.MaterialLine {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.MaterialLine, 0, len(in))
	for _, m := range in {
		out = append(out, domain.MaterialLine{SKU: m.SKU, RequiredQty: m.RequiredQty})
	}
	return out
}

type ReceiptRequest struct {
	SKU      string  `json:"sku"`
	Quantity float64 `json:"quantity"`
}

type InventoryRequest struct {
	Kind     string  `json:"kind,omitempty" enum:"finished,raw"`
	OnHand   float64 `json:"on_hand"`
	Reserved float64 `json:"reserved,omitempty"`
	UnitCost float64 `json:"unit_cost,omitempty"`
}

type ForecastRequest struct {
	SKU      string  `json:"sku"`
	Period   string  `json:"period" example:"2026-W50"`
	Quantity float64 `json:"quantity"`
}

// Responses

type SuggestionListResponse struct {
	Items []domain.Suggestion `json:"items"`
}

type ScanResponse struct {
	Results []orchestrator.RunResult `json:"results"`
}

type ExpireResponse struct {
	Expired []domain.Suggestion `json:"expired"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(domain.DateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("invalid date %q", raw)}
	}
	return t.UTC(), nil
}
