// Package config loads and validates the device agent's YAML configuration,
// with environment variable overrides layered on top via koanf.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the full application configuration (spec §4.10.1, §6.4).
type Config struct {
	// CloudAPIEndpoint is the base URL of the cloud API (required).
	CloudAPIEndpoint string `koanf:"cloud_api_endpoint"`

	// PollInterval controls how often the cloud is polled for target state
	// changes. Defaults to 60s; stretches under backoff.
	PollInterval time.Duration `koanf:"poll_interval"`

	// ReportInterval controls the minimum spacing between state reports.
	// Defaults to 10s.
	ReportInterval time.Duration `koanf:"report_interval"`

	// MetricsInterval controls how often system metrics are attached to a
	// report. Defaults to 5m.
	MetricsInterval time.Duration `koanf:"metrics_interval"`

	// APITimeout is the hard per-request deadline for outgoing HTTP calls.
	// Defaults to 30s.
	APITimeout time.Duration `koanf:"api_timeout"`

	// MQTTBrokerURL, if set, enables the MQTT transport manager
	// (e.g. "tls://broker.example.com:8883"). Empty disables MQTT; Cloud
	// Sync falls back to HTTP exclusively.
	MQTTBrokerURL string `koanf:"mqtt_broker_url"`

	// StateDBPath overrides the default sqlite state database location.
	StateDBPath string `koanf:"state_db_path"`

	// OfflineQueuePath overrides the default bbolt offline queue location.
	OfflineQueuePath string `koanf:"offline_queue_path"`

	// OfflineQueueCapacity overrides the default queue capacity (entries).
	OfflineQueueCapacity int `koanf:"offline_queue_capacity"`

	// DebugMetrics configures the local Prometheus debug endpoint.
	DebugMetrics DebugMetricsConfig `koanf:"debug_metrics"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `koanf:"telemetry"`
}

// DebugMetricsConfig controls the local /metrics endpoint (spec §4.15).
type DebugMetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `koanf:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `koanf:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "deviceagent".
	ServiceName string `koanf:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `koanf:"headers"`
}

// DefaultPath returns the default config file path: ~/.config/deviceagent/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "deviceagent", "config.yaml"), nil
}

// envPrefix is the prefix for environment-variable overrides, e.g.
// DEVICEAGENT_CLOUD_API_ENDPOINT overrides cloud_api_endpoint.
const envPrefix = "DEVICEAGENT_"

// Load reads the YAML config file at path, layers environment overrides on
// top (prefix DEVICEAGENT_, double underscore for nested keys), applies
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		trimmed := strings.TrimPrefix(s, envPrefix)
		return strings.ToLower(strings.ReplaceAll(trimmed, "__", "."))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = 10 * time.Second
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 5 * time.Minute
	}
	if c.APITimeout == 0 {
		c.APITimeout = 30 * time.Second
	}
	if c.OfflineQueueCapacity == 0 {
		c.OfflineQueueCapacity = 1000
	}
	if c.DebugMetrics.Addr == "" {
		c.DebugMetrics.Addr = "127.0.0.1:9876"
	}
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.CloudAPIEndpoint == "" {
		return fmt.Errorf("cloud_api_endpoint is required")
	}
	u, err := url.ParseRequestURI(c.CloudAPIEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("cloud_api_endpoint %q must be a valid http or https URL", c.CloudAPIEndpoint)
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 1s)", c.PollInterval)
	}
	if c.ReportInterval < time.Second {
		return fmt.Errorf("report_interval %v is too short (minimum 1s)", c.ReportInterval)
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("api_timeout must be positive")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
