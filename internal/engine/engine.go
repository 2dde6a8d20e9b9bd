package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/orchestrator"
	"opsline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Writer    ModuleWriter
	Scheduler orchestrator.TaskScheduler
	Logger    *zap.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Clock returns the engine's current time in UTC, falling back to the wall clock when Now is unset.
func (e Engine) Clock() time.Time {
	return e.now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, tenantID, entityKind, entityID, actorID, payload)
}

func (e Engine) defaultConfig() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// tenantConfig returns the stored tenant override or the engine default.
func (e Engine) tenantConfig(ctx context.Context, tx *sql.Tx, tenantID string) (*config.Config, error) {
	cfg, err := e.Repo.GetTenantConfigTx(ctx, tx, tenantID)
	if errors.Is(err, repo.ErrNotFound) {
		return e.defaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant config: %w", err)
	}
	return cfg, nil
}

func (e Engine) requireTenantTx(ctx context.Context, tx *sql.Tx, tenantID string) error {
	if tenantID == "" {
		return &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if _, err := e.Repo.GetTenantTx(ctx, tx, tenantID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("tenant %s: %w", tenantID, domain.ErrNotFound)
		}
		return err
	}
	return nil
}

// trigger schedules detector runs after a committed write. Failures are logged only.
func (e Engine) trigger(ctx context.Context, tenantID string, handlers ...string) {
	if e.Scheduler == nil {
		return
	}
	delay := time.Duration(0)
	if cfg, err := e.tenantConfig(ctx, nil, tenantID); err == nil {
		delay = cfg.Scheduler.DetectDelay.Std()
	}
	for _, h := range handlers {
		orchestrator.Trigger(ctx, e.Scheduler, e.logger(), delay, orchestrator.Task{Handler: h, TenantID: tenantID})
	}
}

// InitTenant registers a tenant and stores the engine config as its initial override.
func (e Engine) InitTenant(ctx context.Context, id, name, actorID string) (domain.Tenant, error) {
	if id == "" {
		return domain.Tenant{}, &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if name == "" {
		name = id
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()

	t := domain.Tenant{ID: id, Name: name, CreatedAt: e.now()}
	if err := e.Repo.InsertTenantTx(ctx, tx, t); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Tenant{}, fmt.Errorf("tenant %s already exists", id)
		}
		return domain.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	if err := e.Repo.UpsertTenantConfigTx(ctx, tx, id, e.defaultConfig(), t.CreatedAt); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant config: %w", err)
	}
	if err := e.appendEvent(ctx, tx, "tenant.init", id, "tenant", id, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Tenant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

// EnsureTenant returns the tenant, creating it when missing.
func (e Engine) EnsureTenant(ctx context.Context, id, actorID string) (domain.Tenant, error) {
	t, err := e.Repo.GetTenant(ctx, id)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Tenant{}, err
	}
	return e.InitTenant(ctx, id, id, actorID)
}

// TenantConfig returns the effective config of a tenant.
func (e Engine) TenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	return e.tenantConfig(ctx, nil, tenantID)
}

func (e Engine) SetTenantConfig(ctx context.Context, tenantID string, cfg *config.Config, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.requireTenantTx(ctx, tx, tenantID); err != nil {
		return err
	}
	if err := e.Repo.UpsertTenantConfigTx(ctx, tx, tenantID, cfg, e.now()); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, "tenant.config", tenantID, "tenant", tenantID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns the newest audit events of a tenant.
func (e Engine) ListEvents(ctx context.Context, tenantID, entityID string, limit int) ([]domain.Event, error) {
	return events.List(ctx, e.DB, tenantID, entityID, limit)
}
