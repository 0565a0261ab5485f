/*
Package config loads the server's YAML configuration file and layers it
over the engine defaults. Every field is optional; an absent file means
pure defaults.

EXAMPLE FILE:

  port: 8080
  db: ./data/ledger.db
  sync_interval: 15m
  source:
    base_url: https://api.stripe.com
    api_key: sk_test_xxx
  notify:
    webhook_url: https://hooks.example.com/purchases
    token: xoxb-xxx
  engine:
    group_window: 3h
    fetch_window: 168h
    lock_staleness: 30s
    retry_base_delay: 1s
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/ledger-sync/engine"
)

// Duration is a time.Duration that unmarshals from "30s" / "5m" strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full server configuration.
type Config struct {
	Port         int      `yaml:"port"`
	DB           string   `yaml:"db"`
	SyncInterval Duration `yaml:"sync_interval"`

	Source struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"source"`

	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
		Token      string `yaml:"token"`
	} `yaml:"notify"`

	Engine EngineOverrides `yaml:"engine"`
}

// EngineOverrides are the engine tunables exposed to operators. Zero
// values leave the default in place.
type EngineOverrides struct {
	LedgerCacheTTL    Duration `yaml:"ledger_cache_ttl"`
	DuplicateIndexTTL Duration `yaml:"duplicate_index_ttl"`
	LockStaleness     Duration `yaml:"lock_staleness"`
	RetryBaseDelay    Duration `yaml:"retry_base_delay"`
	RetryMaxAttempts  int      `yaml:"retry_max_attempts"`
	NotifyBaseDelay   Duration `yaml:"notify_base_delay"`
	NotifyMaxAttempts int      `yaml:"notify_max_attempts"`
	GroupWindow       Duration `yaml:"group_window"`
	FetchWindow       Duration `yaml:"fetch_window"`
	AppendDelay       Duration `yaml:"append_delay"`
	BatchSize         int      `yaml:"batch_size"`
}

// Default returns the baseline server configuration.
func Default() Config {
	cfg := Config{
		Port:         8080,
		DB:           "ledger.db",
		SyncInterval: Duration(15 * time.Minute),
	}
	return cfg
}

// Load reads path and layers it over Default(). An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// EngineConfig applies the overrides to engine.DefaultConfig.
func (c Config) EngineConfig() engine.Config {
	out := engine.DefaultConfig()

	setDur := func(dst *time.Duration, v Duration) {
		if v != 0 {
			*dst = time.Duration(v)
		}
	}
	setDur(&out.LedgerCacheTTL, c.Engine.LedgerCacheTTL)
	setDur(&out.DuplicateIndexTTL, c.Engine.DuplicateIndexTTL)
	setDur(&out.LockStaleness, c.Engine.LockStaleness)
	setDur(&out.RetryBaseDelay, c.Engine.RetryBaseDelay)
	setDur(&out.NotifyBaseDelay, c.Engine.NotifyBaseDelay)
	setDur(&out.GroupWindow, c.Engine.GroupWindow)
	setDur(&out.FetchWindow, c.Engine.FetchWindow)
	setDur(&out.AppendDelay, c.Engine.AppendDelay)

	if c.Engine.RetryMaxAttempts > 0 {
		out.RetryMaxAttempts = c.Engine.RetryMaxAttempts
	}
	if c.Engine.NotifyMaxAttempts > 0 {
		out.NotifyMaxAttempts = c.Engine.NotifyMaxAttempts
	}
	if c.Engine.BatchSize > 0 {
		out.BatchSize = c.Engine.BatchSize
	}
	return out
}
