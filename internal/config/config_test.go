package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
cloud_api_endpoint: "https://cloud.example.com"
poll_interval: 45s
report_interval: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CloudAPIEndpoint != "https://cloud.example.com" {
		t.Errorf("CloudAPIEndpoint = %q, want %q", cfg.CloudAPIEndpoint, "https://cloud.example.com")
	}
	if cfg.PollInterval != 45*time.Second {
		t.Errorf("PollInterval = %v, want 45s", cfg.PollInterval)
	}
	if cfg.ReportInterval != 5*time.Second {
		t.Errorf("ReportInterval = %v, want 5s", cfg.ReportInterval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
cloud_api_endpoint: "https://cloud.example.com"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want default 60s", cfg.PollInterval)
	}
	if cfg.ReportInterval != 10*time.Second {
		t.Errorf("ReportInterval = %v, want default 10s", cfg.ReportInterval)
	}
	if cfg.MetricsInterval != 5*time.Minute {
		t.Errorf("MetricsInterval = %v, want default 5m", cfg.MetricsInterval)
	}
	if cfg.APITimeout != 30*time.Second {
		t.Errorf("APITimeout = %v, want default 30s", cfg.APITimeout)
	}
	if cfg.OfflineQueueCapacity != 1000 {
		t.Errorf("OfflineQueueCapacity = %d, want default 1000", cfg.OfflineQueueCapacity)
	}
	if cfg.DebugMetrics.Addr != "127.0.0.1:9876" {
		t.Errorf("DebugMetrics.Addr = %q, want default", cfg.DebugMetrics.Addr)
	}
}

func TestLoad_MissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
poll_interval: 30s
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing cloud_api_endpoint, got nil")
	}
}

func TestLoad_InvalidEndpoint(t *testing.T) {
	path := writeConfig(t, `
cloud_api_endpoint: "not-a-url"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid cloud_api_endpoint, got nil")
	}
}

func TestLoad_PollIntervalTooShort(t *testing.T) {
	path := writeConfig(t, `
cloud_api_endpoint: "https://cloud.example.com"
poll_interval: 100ms
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for poll_interval < 1s, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, `
cloud_api_endpoint: "https://cloud.example.com"
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-deviceagent"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "my-deviceagent" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "my-deviceagent")
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	path := writeConfig(t, `
cloud_api_endpoint: "https://cloud.example.com"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
cloud_api_endpoint: "https://cloud.example.com"
telemetry:
  insecure: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}

func TestLoad_TelemetryHeaders(t *testing.T) {
	path := writeConfig(t, `
cloud_api_endpoint: "https://cloud.example.com"
telemetry:
  otlp_endpoint: "otelcol.example.com:4317"
  headers:
    Authorization: "Bearer secret"
    x-dataset: "test"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Telemetry.Headers) != 2 {
		t.Fatalf("Headers len = %d, want 2", len(cfg.Telemetry.Headers))
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q, want %q", cfg.Telemetry.Headers["Authorization"], "Bearer secret")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
cloud_api_endpoint: "https://cloud.example.com"
`)
	t.Setenv("DEVICEAGENT_CLOUD_API_ENDPOINT", "https://override.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CloudAPIEndpoint != "https://override.example.com" {
		t.Errorf("CloudAPIEndpoint = %q, want override from environment", cfg.CloudAPIEndpoint)
	}
}
