package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 7, cfg.Detection.ProductionLeadDays)
	require.Equal(t, 30, cfg.Detection.PlanningHorizonDays)
	require.Equal(t, 20.0, cfg.Detection.ForecastChangePct)
	require.Equal(t, PriorityPolicy{CriticalDays: 0, HighDays: 3, MediumDays: 10, HighChangePct: 50, MediumChangePct: 25}, cfg.Priority)
	require.True(t, cfg.Expiry.Enabled)
	require.Equal(t, time.Hour, cfg.Expiry.SweepInterval.Std())
	require.Equal(t, 250*time.Millisecond, cfg.Scheduler.DetectDelay.Std())
	require.Equal(t, 30*time.Second, cfg.Scheduler.HandlerTimeout.Std())
	require.Zero(t, cfg.Scheduler.RescanInterval)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
priority:
  high_days: 5
  medium_days: 14
scheduler:
  rescan_interval: 15m
webhooks:
  - url: http://example.test/hook
    events: [suggestion.*]
`))
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Priority.HighDays)
	require.Equal(t, 14, cfg.Priority.MediumDays)
	require.Equal(t, 50.0, cfg.Priority.HighChangePct)
	require.Equal(t, 7, cfg.Detection.ProductionLeadDays)
	require.Equal(t, 15*time.Minute, cfg.Scheduler.RescanInterval.Std())
	require.Len(t, cfg.Webhooks, 1)
	require.True(t, cfg.Webhooks[0].Active())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"windows out of order": "priority:\n  critical_days: 5\n  high_days: 3\n",
		"change cutoffs":       "priority:\n  medium_change_pct: 60\n",
		"negative grace":       "expiry:\n  grace_days: -1\n",
		"zero horizon":         "detection:\n  planning_horizon_days: 0\n",
		"zero timeout":         "scheduler:\n  handler_timeout: 0s\n",
		"bad duration":         "scheduler:\n  detect_delay: soon\n",
		"webhook without url":  "webhooks:\n  - events: [suggestion.raised]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestJSONRoundTripPreservesDurations(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.RescanInterval = Duration(10 * time.Minute)
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.Contains(t, string(b), `"rescan_interval":"10m0s"`)

	var back Config
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, *cfg, back)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "opsline.yml"), []byte("expiry:\n  enabled: false\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.False(t, cfg.Expiry.Enabled)
}

func TestWebhookEnabledFlag(t *testing.T) {
	off := false
	require.False(t, WebhookConfig{URL: "http://x", Enabled: &off}.Active())
	require.False(t, WebhookConfig{}.Active())
	require.True(t, WebhookConfig{URL: "http://x"}.Active())
}
