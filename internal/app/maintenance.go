package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"opsline/internal/engine"
	"opsline/internal/orchestrator"
)

const maintenanceActor = "system"

// Maintenance periodically expires overdue suggestions and re-runs every detector for every
// tenant. Per-tenant config decides whether each part runs.
type Maintenance struct {
	Engine engine.Engine
	Runner *orchestrator.Runner
	Logger *zap.Logger
	// Interval is the tick; per-tenant sweep and rescan intervals are honored on top of it.
	Interval time.Duration

	lastSweep  map[string]time.Time
	lastRescan map[string]time.Time
}

func (m *Maintenance) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

// Run ticks until ctx is done.
func (m *Maintenance) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one maintenance pass over all tenants.
func (m *Maintenance) Tick(ctx context.Context) {
	if m.lastSweep == nil {
		m.lastSweep = map[string]time.Time{}
		m.lastRescan = map[string]time.Time{}
	}
	tenants, err := m.Engine.Repo.ListTenants(ctx)
	if err != nil {
		m.logger().Warn("maintenance: list tenants failed", zap.Error(err))
		return
	}
	now := m.Engine.Clock()
	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		log := m.logger().With(zap.String("tenant_id", t.ID))
		cfg, err := m.Engine.TenantConfig(ctx, t.ID)
		if err != nil {
			log.Warn("maintenance: load config failed", zap.Error(err))
			continue
		}
		if cfg.Expiry.Enabled && due(m.lastSweep[t.ID], cfg.Expiry.SweepInterval.Std(), now) {
			m.lastSweep[t.ID] = now
			expired, err := m.Engine.ExpireOverdue(ctx, t.ID, maintenanceActor)
			if err != nil {
				log.Warn("maintenance: expiry sweep failed", zap.Error(err))
			} else if len(expired) > 0 {
				log.Info("expired overdue suggestions", zap.Int("count", len(expired)))
			}
		}
		if m.Runner != nil && cfg.Scheduler.RescanInterval > 0 && due(m.lastRescan[t.ID], cfg.Scheduler.RescanInterval.Std(), now) {
			m.lastRescan[t.ID] = now
			if _, err := m.Runner.ScanAll(ctx, t.ID); err != nil {
				log.Warn("maintenance: rescan failed", zap.Error(err))
			}
		}
	}
}

func due(last time.Time, every time.Duration, now time.Time) bool {
	return last.IsZero() || every <= 0 || !now.Before(last.Add(every))
}
