// Package config loads the connector's runtime configuration from a YAML
// file and overlays environment variable overrides, the same two-stage
// LoadConfig -> applyEnvOverrides pipeline internal/config/config.go uses,
// generalized from that file's multi-tenant service settings to the
// connector's listener/capacity/control-socket settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Telemetry configures the optional stats publisher.
type Telemetry struct {
	Enabled    bool   `yaml:"enabled"`
	RedisAddr  string `yaml:"redis_addr"`
	Channel    string `yaml:"channel"`
	IntervalMS int    `yaml:"interval_ms"`
}

// Config is the connector's complete runtime configuration.
type Config struct {
	Listeners   []string `yaml:"listeners"`
	MaxClients  int      `yaml:"max_clients"`
	Passthrough bool     `yaml:"passthrough"`
	ProxyMode   bool     `yaml:"proxy_mode"`

	ControlSocketPath string `yaml:"control_socket_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	BindRetries       int           `yaml:"bind_retries"`
	BindRetryInterval time.Duration `yaml:"bind_retry_interval"`
	ListenBacklog     int           `yaml:"listen_backlog"`

	MetricsAddr string `yaml:"metrics_addr"`

	Telemetry Telemetry `yaml:"telemetry"`
}

// LoadConfig reads and parses the YAML document at path, then applies
// environment overrides and defaults, mirroring the source's
// open-decode-override-default pipeline.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStringSlice("CONNECTOR_LISTENERS"); ok {
		c.Listeners = v
	}
	if v, ok := getEnvInt("CONNECTOR_MAX_CLIENTS"); ok {
		c.MaxClients = v
	}
	if v, ok := getEnvBool("CONNECTOR_PASSTHROUGH"); ok {
		c.Passthrough = v
	}
	if v, ok := getEnvBool("CONNECTOR_PROXY_MODE"); ok {
		c.ProxyMode = v
	}
	if v, ok := getEnv("CONNECTOR_CONTROL_SOCKET_PATH"); ok {
		c.ControlSocketPath = v
	}
	if v, ok := getEnv("CONNECTOR_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := getEnv("CONNECTOR_LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := getEnvInt("CONNECTOR_BIND_RETRIES"); ok {
		c.BindRetries = v
	}
	if v, ok := getEnvInt("CONNECTOR_LISTEN_BACKLOG"); ok {
		c.ListenBacklog = v
	}
	if v, ok := getEnv("CONNECTOR_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := getEnvBool("CONNECTOR_TELEMETRY_ENABLED"); ok {
		c.Telemetry.Enabled = v
	}
	if v, ok := getEnv("CONNECTOR_TELEMETRY_REDIS_ADDR"); ok {
		c.Telemetry.RedisAddr = v
	}
}

func (c *Config) applyDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = 65536
	}
	if c.ControlSocketPath == "" {
		c.ControlSocketPath = "/tmp/connector.sock"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.BindRetries <= 0 {
		c.BindRetries = 25
	}
	if c.BindRetryInterval <= 0 {
		c.BindRetryInterval = 5 * time.Second
	}
	if c.ListenBacklog <= 0 {
		c.ListenBacklog = 8192
	}
	if len(c.Listeners) == 0 {
		if c.ProxyMode {
			c.Listeners = []string{":3334"}
		} else {
			c.Listeners = []string{":3333"}
		}
	}
	if c.Telemetry.Channel == "" {
		c.Telemetry.Channel = "connector:stats"
	}
	if c.Telemetry.IntervalMS <= 0 {
		c.Telemetry.IntervalMS = 60000
	}
}

func getEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func getEnvInt(key string) (int, bool) {
	v, ok := getEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getEnvBool(key string) (bool, bool) {
	v, ok := getEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func getEnvStringSlice(key string) ([]string, bool) {
	v, ok := getEnv(key)
	if !ok {
		return nil, false
	}
	return splitCSV(v), true
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsPassthroughGenerator reports whether this process instance is
// configured to run as a whole-process passthrough generator rather than
// a direct stratifier front end.
func (c *Config) IsPassthroughGenerator() bool { return c.Passthrough }
