package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"opsline/internal/config"
	"opsline/internal/domain"
)

// Repo is the tenant-scoped document store. Methods taking a *sql.Tx must only touch the tx;
// the pool holds a single connection.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// IsUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func (r Repo) InsertTenantTx(ctx context.Context, tx *sql.Tx, t domain.Tenant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,created_at) VALUES (?,?,?)`,
		t.ID, t.Name, domain.FormatTimestamp(t.CreatedAt))
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	return r.GetTenantTx(ctx, nil, id)
}

func (r Repo) GetTenantTx(ctx context.Context, tx *sql.Tx, id string) (domain.Tenant, error) {
	var t domain.Tenant
	var created string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,created_at FROM tenants WHERE id=?`, id).Scan(&t.ID, &t.Name, &created)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.CreatedAt, err = domain.ParseTimestamp(created)
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		var created string
		if err := rows.Scan(&t.ID, &t.Name, &created); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = domain.ParseTimestamp(created); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config, now time.Time) error {
	return upsertTenantConfig(ctx, r.DB, tenantID, cfg, now)
}

func (r Repo) UpsertTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config, now time.Time) error {
	return upsertTenantConfig(ctx, tx, tenantID, cfg, now)
}

func upsertTenantConfig(ctx context.Context, q querier, tenantID string, cfg *config.Config, now time.Time) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	ts := domain.FormatTimestamp(now)
	_, err = q.ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, tenantID, string(payload), ts, ts)
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	return r.GetTenantConfigTx(ctx, nil, tenantID)
}

func (r Repo) GetTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string) (*config.Config, error) {
	var payload string
	err := r.q(tx).QueryRowContext(ctx, `SELECT config_json FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if err := json.Unmarshal([]byte(payload), cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return domain.FormatTimestamp(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := domain.ParseTimestamp(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
