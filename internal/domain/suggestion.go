package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SuggestionType selects the payload variant and the accept branch.
type SuggestionType string

const (
	TypeWorkOrder       SuggestionType = "work_order"
	TypePurchase        SuggestionType = "purchase"
	TypeReleaseWO       SuggestionType = "release_wo"
	TypeForecastCascade SuggestionType = "forecast_cascade"
)

// SuggestionTypes lists every type in display order.
var SuggestionTypes = []SuggestionType{TypeWorkOrder, TypePurchase, TypeReleaseWO, TypeForecastCascade}

func (t SuggestionType) Valid() bool {
	switch t {
	case TypeWorkOrder, TypePurchase, TypeReleaseWO, TypeForecastCascade:
		return true
	}
	return false
}

type Module string

const (
	ModuleOutbound   Module = "outbound"
	ModuleProduction Module = "production"
	ModuleInbound    Module = "inbound"
	ModulePlan       Module = "plan"
)

var Modules = []Module{ModuleOutbound, ModuleProduction, ModuleInbound, ModulePlan}

func (m Module) Valid() bool {
	switch m {
	case ModuleOutbound, ModuleProduction, ModuleInbound, ModulePlan:
		return true
	}
	return false
}

// Priority is totally ordered through Rank.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Rank returns 1..4 for valid priorities and 0 otherwise.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

func (p Priority) Valid() bool { return p.Rank() > 0 }

// Max returns the more urgent of p and o.
func (p Priority) Max(o Priority) Priority {
	if o.Rank() > p.Rank() {
		return o
	}
	return p
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDismissed Status = "dismissed"
	StatusExpired   Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDismissed, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusDismissed || s == StatusExpired
}

// Suggestion is a stored, reviewable recommendation for a cross-module action.
type Suggestion struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Type          SuggestionType `json:"type"`
	SourceModule  Module         `json:"source_module"`
	TargetModule  Module         `json:"target_module"`
	Priority      Priority       `json:"priority"`
	Status        Status         `json:"status"`
	RootCauseKey  string         `json:"root_cause_key"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Payload       Payload        `json:"payload"`
	NeedBy        *time.Time     `json:"need_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy    *string        `json:"resolved_by,omitempty"`
	DismissReason *string        `json:"dismiss_reason,omitempty"`
	ExpiryReason  *string        `json:"expiry_reason,omitempty"`
	ExecutionRef  *string        `json:"execution_ref,omitempty"`
}

// UnmarshalJSON decodes the payload according to the type tag.
func (s *Suggestion) UnmarshalJSON(data []byte) error {
	type alias Suggestion
	var raw struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Suggestion(raw.alias)
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		s.Payload = nil
		return nil
	}
	p, err := DecodePayload(s.Type, raw.Payload)
	if err != nil {
		return err
	}
	s.Payload = p
	return nil
}

// Urgency carries the raw inputs of the priority calculator. NeedBy here is the date action
// must start by; it only affects priority.
type Urgency struct {
	NeedBy        *time.Time
	Severity      Priority
	GapQty        float64
	RequiredQty   float64
	PercentChange float64
}

// Candidate is detector output: everything except id, status and priority.
type Candidate struct {
	Type         SuggestionType
	SourceModule Module
	TargetModule Module
	RootCauseKey string
	Title        string
	Description  string
	Payload      Payload
	Urgency      Urgency
	// NeedBy is the date after which the suggestion is stale and the expiry sweep may close it.
	NeedBy       *time.Time
}

// Validate checks required fields before a candidate is stored.
func (c Candidate) Validate() error {
	if !c.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown suggestion type %q", c.Type)}
	}
	if !c.SourceModule.Valid() {
		return &ValidationError{Field: "source_module", Reason: fmt.Sprintf("unknown module %q", c.SourceModule)}
	}
	if !c.TargetModule.Valid() {
		return &ValidationError{Field: "target_module", Reason: fmt.Sprintf("unknown module %q", c.TargetModule)}
	}
	if c.RootCauseKey == "" {
		return &ValidationError{Field: "root_cause_key", Reason: "required"}
	}
	if c.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if c.Payload == nil {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if c.Payload.SuggestionType() != c.Type {
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("payload for %s attached to %s", c.Payload.SuggestionType(), c.Type)}
	}
	return c.Payload.Validate()
}

// SuggestionCounts is the Command Center summary of one tenant.
// ByType and ByModule cover pending suggestions only; ByModule is keyed by source module.
type SuggestionCounts struct {
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	Critical int            `json:"critical"`
	ByType   map[string]int `json:"by_type"`
	ByModule map[string]int `json:"by_module"`
}
