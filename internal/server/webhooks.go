package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/events"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type hookKey struct {
	tenantID string
	idx      int
}

// WebhookDispatcher pushes each tenant's audit events to the webhooks of that tenant's config.
// Cursors start at the newest event when a hook is first seen, so history is not replayed.
type WebhookDispatcher struct {
	Engine   engine.Engine
	Logger   *zap.Logger
	Interval time.Duration
	Client   *http.Client

	mu      sync.Mutex
	cursors map[hookKey]int64
}

func (d *WebhookDispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll performs one delivery pass over every tenant.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	tenants, err := d.Engine.Repo.ListTenants(ctx)
	if err != nil {
		d.logger().Warn("webhook: list tenants failed", zap.Error(err))
		return
	}
	for _, t := range tenants {
		cfg, err := d.Engine.TenantConfig(ctx, t.ID)
		if err != nil {
			d.logger().Warn("webhook: load config failed", zap.String("tenant_id", t.ID), zap.Error(err))
			continue
		}
		for i, hook := range cfg.Webhooks {
			if !hook.Active() {
				continue
			}
			d.dispatchWebhook(ctx, hookKey{tenantID: t.ID, idx: i}, hook)
		}
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, key hookKey, hook config.WebhookConfig) {
	log := d.logger().With(zap.String("tenant_id", key.tenantID), zap.String("url", hook.URL))
	cursor, ok := d.cursorFor(ctx, key)
	if !ok {
		return
	}
	evts, err := events.After(ctx, d.Engine.DB, key.tenantID, cursor, defaultWebhookBatch)
	if err != nil {
		log.Warn("webhook: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Warn("webhook: delivery failed", zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(key, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, key hookKey) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[hookKey]int64{}
	}
	if cur, ok := d.cursors[key]; ok {
		return cur, true
	}
	cur, err := events.LatestID(ctx, d.Engine.DB, key.tenantID)
	if err != nil {
		d.logger().Warn("webhook: init cursor failed", zap.String("tenant_id", key.tenantID), zap.Error(err))
		return 0, false
	}
	d.cursors[key] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(key hookKey, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		TenantID:   evt.TenantID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.Timeout > 0 {
		timeout = hook.Timeout.Std()
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opsline-Event", evt.Type)
	req.Header.Set("X-Opsline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Opsline-Tenant", evt.TenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Opsline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches exact event types; a trailing ".*" matches a prefix such as "suggestion.*".
func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
