// Package config holds all starpipe configuration: the reasoning engine
// endpoint, the issue tracker endpoint, the feedback spreadsheet location,
// and the reconciliation key-alias table. Configuration is loaded from a
// YAML file with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all starpipe configuration.
type Config struct {
	// Reasoning engine endpoint
	Engine EngineConfig `yaml:"engine"`

	// Issue tracker endpoint
	Tracker TrackerConfig `yaml:"tracker"`

	// Reflexive feedback source
	Feedback FeedbackConfig `yaml:"feedback"`

	// Reconciliation policy
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures the reasoning engine client.
type EngineConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
	// Optional attribution headers (HTTP-Referer / X-Title)
	SiteURL  string `yaml:"site_url"`
	SiteName string `yaml:"site_name"`
}

// TrackerConfig configures the issue tracker client.
type TrackerConfig struct {
	BaseURL  string `yaml:"base_url"`
	Email    string `yaml:"email"`
	APIToken string `yaml:"api_token"`
	Timeout  string `yaml:"timeout"`
	// PriorityField is the tracker field that receives the priority score.
	PriorityField string `yaml:"priority_field"`
}

// FeedbackConfig configures the reflexive feedback source.
type FeedbackConfig struct {
	// Dir is the spreadsheet directory; each worksheet is one CSV file.
	Dir          string `yaml:"dir"`
	ActiveSheet  string `yaml:"active_sheet"`
	ArchiveSheet string `yaml:"archive_sheet"`
}

// ReconcileConfig configures key-based reconciliation.
type ReconcileConfig struct {
	// KeyAliases is the ordered list of field names accepted as the record
	// key in engine output. Resolution tries them in order.
	KeyAliases []string `yaml:"key_aliases"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			BaseURL:  "https://openrouter.ai/api/v1",
			Model:    "nvidia/nemotron-nano-12b-v2-vl:free",
			Timeout:  "120s",
			SiteName: "starpipe",
		},
		Tracker: TrackerConfig{
			Timeout:       "30s",
			PriorityField: "priority",
		},
		Feedback: FeedbackConfig{
			Dir:          "feedback",
			ActiveSheet:  "reflexive_feedback",
			ArchiveSheet: "reflexive_feedback_archive",
		},
		Reconcile: ReconcileConfig{
			KeyAliases: []string{"key", "issue_key", "jira_key", "jira_id"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. Secrets never
// need to live in the config file.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("STARPIPE_ENGINE_API_KEY"); key != "" {
		c.Engine.APIKey = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" && c.Engine.APIKey == "" {
		c.Engine.APIKey = key
	}
	if token := os.Getenv("STARPIPE_TRACKER_TOKEN"); token != "" {
		c.Tracker.APIToken = token
	}
	if url := os.Getenv("STARPIPE_ENGINE_URL"); url != "" {
		c.Engine.BaseURL = url
	}
	if url := os.Getenv("STARPIPE_TRACKER_URL"); url != "" {
		c.Tracker.BaseURL = url
	}
}

// EngineTimeout parses the engine timeout, falling back to two minutes.
func (c *Config) EngineTimeout() time.Duration {
	return parseTimeout(c.Engine.Timeout, 2*time.Minute)
}

// TrackerTimeout parses the tracker timeout, falling back to thirty seconds.
func (c *Config) TrackerTimeout() time.Duration {
	return parseTimeout(c.Tracker.Timeout, 30*time.Second)
}

func parseTimeout(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
