// Package config loads the cmd/sockguard harness's YAML configuration
// (§6: "no CLI, env var or config file parsing happens below the
// supervisor layer" — that parsing happens here, one layer up).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document loaded from the harness's YAML
// config file.
type Config struct {
	LogLevel       string `yaml:"log_level"`
	Listen         string `yaml:"listen"`
	MaxConnections int    `yaml:"max_connections"`

	Policy        PolicyConfig        `yaml:"policy"`
	GeoIP         GeoIPConfig         `yaml:"geoip"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// PolicyConfig points at the domain allow/block and stream-block
// threshold document the policy filter reads (§4.2).
type PolicyConfig struct {
	Path            string `yaml:"path"`
	ReloadSeconds int    `yaml:"reload_seconds"`
}

// GeoIPConfig enables the optional geoip block dimension (SPEC_FULL
// §4). Path == "" disables it entirely.
type GeoIPConfig struct {
	Path             string   `yaml:"path"`
	BlockedCountries []string `yaml:"blocked_countries"`
	RefreshSeconds   int      `yaml:"refresh_seconds"`
}

// TelemetryConfig configures the §6 JSON snapshot file and its
// optional websocket push companion.
type TelemetryConfig struct {
	Path       string `yaml:"path"`
	PushListen string `yaml:"push_listen"`
}

// AuditConfig enables the durable SQLite domain log. Path == ""
// disables it.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// ObservabilityConfig configures the /metrics and /debug/pprof HTTP
// endpoint. Listen == "" disables it.
type ObservabilityConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads and validates the YAML config at path, filling in the
// spec's defaults for anything left zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.setDefaults()

	if cfg.Policy.Path == "" {
		return nil, fmt.Errorf("config: policy.path is required")
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:1080"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 500
	}
	if c.Policy.ReloadSeconds <= 0 {
		c.Policy.ReloadSeconds = 10
	}
	if c.GeoIP.Path != "" && c.GeoIP.RefreshSeconds <= 0 {
		c.GeoIP.RefreshSeconds = 86400
	}
}

// ParseLogLevel maps the textual log_level to a slog.Level, defaulting
// to info for anything unrecognized.
func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
