package app

import (
	"context"
	"fmt"
	"strings"

	"opsline/internal/config"
	"opsline/internal/engine"
)

// ResolveTenantAndConfig picks the active tenant and returns its effective config.
// It prefers the override, then the only tenant in the DB. A tenant named by the override is
// created on the fly when missing.
func ResolveTenantAndConfig(ctx context.Context, e engine.Engine, tenantOverride, actorID string) (string, *config.Config, error) {
	tenantID := strings.TrimSpace(tenantOverride)
	if tenantID == "" {
		tenants, err := e.Repo.ListTenants(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(tenants) != 1 {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
		tenantID = tenants[0].ID
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if _, err := e.EnsureTenant(ctx, tenantID, actorID); err != nil {
		return "", nil, fmt.Errorf("ensure tenant %s: %w", tenantID, err)
	}
	cfg, err := e.TenantConfig(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	return tenantID, cfg, nil
}
