package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models opsline.yml.
type Config struct {
	Detection struct {
		ProductionLeadDays  int     `yaml:"production_lead_days" json:"production_lead_days"`
		PlanningHorizonDays int     `yaml:"planning_horizon_days" json:"planning_horizon_days"`
		ForecastChangePct   float64 `yaml:"forecast_change_pct" json:"forecast_change_pct"`
	} `yaml:"detection" json:"detection"`
	Priority PriorityPolicy `yaml:"priority" json:"priority"`
	Expiry   struct {
		Enabled       bool     `yaml:"enabled" json:"enabled"`
		GraceDays     int      `yaml:"grace_days" json:"grace_days"`
		SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
	} `yaml:"expiry" json:"expiry"`
	Scheduler struct {
		DetectDelay    Duration `yaml:"detect_delay" json:"detect_delay"`
		HandlerTimeout Duration `yaml:"handler_timeout" json:"handler_timeout"`
		RescanInterval Duration `yaml:"rescan_interval" json:"rescan_interval"`
	} `yaml:"scheduler" json:"scheduler"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// WebhookConfig delivers audit events of one tenant to an HTTP endpoint.
// An empty Events list means every event type.
type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret  string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return w.URL != "" && (w.Enabled == nil || *w.Enabled)
}

// PriorityPolicy holds the day windows and forecast-change cutoffs of the calculator.
type PriorityPolicy struct {
	CriticalDays    int     `yaml:"critical_days" json:"critical_days"`
	HighDays        int     `yaml:"high_days" json:"high_days"`
	MediumDays      int     `yaml:"medium_days" json:"medium_days"`
	HighChangePct   float64 `yaml:"high_change_pct" json:"high_change_pct"`
	MediumChangePct float64 `yaml:"medium_change_pct" json:"medium_change_pct"`
}

// Duration is a time.Duration written as "250ms", "1h" in YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with opsctl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Detection.ProductionLeadDays < 0 {
		return fmt.Errorf("config.detection.production_lead_days must be >= 0")
	}
	if c.Detection.PlanningHorizonDays <= 0 {
		return fmt.Errorf("config.detection.planning_horizon_days must be > 0")
	}
	if c.Detection.ForecastChangePct <= 0 {
		return fmt.Errorf("config.detection.forecast_change_pct must be > 0")
	}
	p := c.Priority
	if p.CriticalDays > p.HighDays || p.HighDays > p.MediumDays {
		return fmt.Errorf("config.priority windows must satisfy critical_days <= high_days <= medium_days")
	}
	if p.MediumChangePct <= 0 || p.MediumChangePct > p.HighChangePct {
		return fmt.Errorf("config.priority change cutoffs must satisfy 0 < medium_change_pct <= high_change_pct")
	}
	if c.Expiry.GraceDays < 0 {
		return fmt.Errorf("config.expiry.grace_days must be >= 0")
	}
	if c.Expiry.SweepInterval < 0 || c.Scheduler.RescanInterval < 0 || c.Scheduler.DetectDelay < 0 {
		return fmt.Errorf("config durations must not be negative")
	}
	if c.Scheduler.HandlerTimeout <= 0 {
		return fmt.Errorf("config.scheduler.handler_timeout must be > 0")
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `detection:
  production_lead_days: 7
  planning_horizon_days: 30
  forecast_change_pct: 20

priority:
  critical_days: 0
  high_days: 3
  medium_days: 10
  high_change_pct: 50
  medium_change_pct: 25

expiry:
  enabled: true
  grace_days: 0
  sweep_interval: 1h

scheduler:
  detect_delay: 250ms
  handler_timeout: 30s
  rescan_interval: 0s
`
