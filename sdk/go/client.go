package opslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Opsline Command Center HTTP API client. The tenant is taken from the
// bearer token; DevTenantID/DevActorID are only honored by servers started with dev headers.
type Client struct {
	BaseURL     string
	BearerToken string
	DevTenantID string
	DevActorID  string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g.
// http://127.0.0.1:8080/v0.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Suggestion is the API suggestion model. Payload is left raw; its shape depends on Type.
type Suggestion struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Type          string          `json:"type"`
	SourceModule  string          `json:"source_module"`
	TargetModule  string          `json:"target_module"`
	Priority      string          `json:"priority"`
	Status        string          `json:"status"`
	RootCauseKey  string          `json:"root_cause_key"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	NeedBy        *time.Time      `json:"need_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy    *string         `json:"resolved_by,omitempty"`
	DismissReason *string         `json:"dismiss_reason,omitempty"`
	ExpiryReason  *string         `json:"expiry_reason,omitempty"`
	ExecutionRef  *string         `json:"execution_ref,omitempty"`
}

// Counts is the Command Center summary.
type Counts struct {
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	Critical int            `json:"critical"`
	ByType   map[string]int `json:"by_type"`
	ByModule map[string]int `json:"by_module"`
}

// ScanResult reports one detector run.
type ScanResult struct {
	Handler    string `json:"handler"`
	Candidates int    `json:"candidates"`
	Created    int    `json:"created"`
	Suppressed int    `json:"suppressed"`
	Failed     int    `json:"failed"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	// Payload is the event body as a JSON document.
	Payload string `json:"payload_json"`
}

// ListOptions filters ListSuggestions. Zero values mean no filter; Status defaults to pending
// on the server.
type ListOptions struct {
	Type         string
	SourceModule string
	Priority     string
	Status       string
	Limit        int
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when the
// body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListSuggestions returns suggestions, most urgent first.
func (c *Client) ListSuggestions(ctx context.Context, opts ListOptions) ([]Suggestion, error) {
	q := url.Values{}
	setQuery(q, "type", opts.Type)
	setQuery(q, "source_module", opts.SourceModule)
	setQuery(q, "priority", opts.Priority)
	setQuery(q, "status", opts.Status)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp struct {
		Items []Suggestion `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("suggestions", q), nil, &resp)
	return resp.Items, err
}

// Counts returns the summary counts.
func (c *Client) Counts(ctx context.Context) (Counts, error) {
	var resp Counts
	err := c.do(ctx, http.MethodGet, "suggestions/counts", nil, &resp)
	return resp, err
}

// GetSuggestion fetches a suggestion by id.
func (c *Client) GetSuggestion(ctx context.Context, id string) (Suggestion, error) {
	var resp Suggestion
	err := c.do(ctx, http.MethodGet, "suggestions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Accept executes the suggestion in its target module. Accepting an accepted suggestion
// returns it unchanged.
func (c *Client) Accept(ctx context.Context, id string) (Suggestion, error) {
	var resp Suggestion
	err := c.do(ctx, http.MethodPost, "suggestions/"+url.PathEscape(id)+"/accept", nil, &resp)
	return resp, err
}

// Dismiss closes a pending suggestion without acting on it.
func (c *Client) Dismiss(ctx context.Context, id, reason string) (Suggestion, error) {
	var body any
	if reason != "" {
		body = map[string]any{"reason": reason}
	}
	var resp Suggestion
	err := c.do(ctx, http.MethodPost, "suggestions/"+url.PathEscape(id)+"/dismiss", body, &resp)
	return resp, err
}

// Scan runs detectors now; an empty handler runs all of them.
func (c *Client) Scan(ctx context.Context, handler string) ([]ScanResult, error) {
	body := map[string]any{}
	if handler != "" {
		body["handler"] = handler
	}
	var resp struct {
		Results []ScanResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "suggestions/scan", body, &resp)
	return resp.Results, err
}

// ExpireOverdue expires pending suggestions whose need date passed.
func (c *Client) ExpireOverdue(ctx context.Context) ([]Suggestion, error) {
	var resp struct {
		Expired []Suggestion `json:"expired"`
	}
	err := c.do(ctx, http.MethodPost, "suggestions/expire-overdue", nil, &resp)
	return resp.Expired, err
}

// Events returns recent events, optionally for one entity.
func (c *Client) Events(ctx context.Context, entityID string, limit int) ([]Event, error) {
	q := url.Values{}
	setQuery(q, "entity_id", entityID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.DevTenantID != "" {
		req.Header.Set("X-Tenant-Id", c.DevTenantID)
	}
	if c.DevActorID != "" {
		req.Header.Set("X-Actor-Id", c.DevActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
