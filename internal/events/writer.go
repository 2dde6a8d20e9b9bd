package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"opsline/internal/domain"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if tenantID == "" {
		return fmt.Errorf("event %s: tenant required", evtType)
	}
	if actorID == "" {
		actorID = "system"
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTimestamp(now()), evtType, tenantID, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// List returns the newest events of a tenant, optionally filtered by entity.
func List(ctx context.Context, db *sql.DB, tenantID, entityID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,tenant_id,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE tenant_id=?`
	args := []any{tenantID}
	if entityID != "" {
		query += " AND entity_id=?"
		args = append(args, entityID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// LatestID returns the id of the newest event of a tenant, or 0 when there is none.
func LatestID(ctx context.Context, db *sql.DB, tenantID string) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE tenant_id=?`, tenantID).Scan(&id)
	return id, err
}

// After returns up to limit events of a tenant with id greater than afterID, oldest first.
func After(ctx context.Context, db *sql.DB, tenantID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT id,ts,type,tenant_id,entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE tenant_id=? AND id>? ORDER BY id ASC LIMIT ?`, tenantID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
