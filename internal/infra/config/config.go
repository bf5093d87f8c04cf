package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds the gateway connection settings.
type GatewayConfig struct {
	URL         string   `yaml:"url"`
	Token       string   `yaml:"token"`
	ClientID    string   `yaml:"client_id"`
	DisplayName string   `yaml:"display_name"`
	Mode        string   `yaml:"mode"`
	Role        string   `yaml:"role"`
	Scopes      []string `yaml:"scopes"`
}

// StoreConfig holds the remote store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
	// BreakerDisabled turns off circuit breaker protection on store calls.
	BreakerDisabled bool `yaml:"breaker_disabled"`
}

// ControlConfig holds the local agent tooling settings.
type ControlConfig struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`
}

// RelayConfig holds orchestrator settings.
type RelayConfig struct {
	InstanceID    string  `yaml:"instance_id"`
	BackfillLimit int     `yaml:"backfill_limit"`
	SendRate      float64 `yaml:"send_rate"`
	SendBurst     int     `yaml:"send_burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Config is the top-level relay configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Store   StoreConfig   `yaml:"store"`
	Control ControlConfig `yaml:"control"`
	Relay   RelayConfig   `yaml:"relay"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.fastclaw. Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".fastclaw")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:         "ws://127.0.0.1:18789/ws",
			ClientID:    "fastclaw-relay",
			DisplayName: "Fastclaw Relay",
			Mode:        "daemon",
			Role:        "operator",
			Scopes:      []string{"read", "write"},
		},
		Store: StoreConfig{
			Path: filepath.Join(defaultDataDir(), "relay.db"),
		},
		Control: ControlConfig{
			Binary:  "openclaw",
			Timeout: 30 * time.Second,
		},
		Relay: RelayConfig{
			BackfillLimit: 50,
			SendRate:      5,
			SendBurst:     10,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the config file at path, layering defaults, file values and
// environment overrides in that order. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies FASTCLAW_* environment variables over cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FASTCLAW_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("FASTCLAW_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("FASTCLAW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FASTCLAW_CONTROL_BINARY"); v != "" {
		cfg.Control.Binary = v
	}
	if v := os.Getenv("FASTCLAW_INSTANCE_ID"); v != "" {
		cfg.Relay.InstanceID = v
	}
	if v := os.Getenv("FASTCLAW_BACKFILL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.BackfillLimit = n
		}
	}
	if v := os.Getenv("FASTCLAW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FASTCLAW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FASTCLAW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FASTCLAW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}
