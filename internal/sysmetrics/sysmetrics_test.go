package sysmetrics

import (
	"context"
	"testing"

	"github.com/iotistica/deviceagent/internal/model"
)

func TestGetSystemMetrics_ReturnsWithoutError(t *testing.T) {
	p := New()
	m, err := p.GetSystemMetrics(context.Background())
	if err != nil {
		t.Fatalf("GetSystemMetrics: %v", err)
	}
	// Best-effort sampling: individual fields may be nil on a constrained
	// sandbox, but the call itself must never fail.
	_ = m
}

func TestPrimaryIPv4_SkipsLoopback(t *testing.T) {
	ifaces := []model.NetworkInterface{
		{Name: "lo", IPv4: "127.0.0.1"},
		{Name: "eth0", IPv4: "10.0.0.5"},
	}
	if got := PrimaryIPv4(ifaces); got != "10.0.0.5" {
		t.Errorf("PrimaryIPv4 = %q, want %q", got, "10.0.0.5")
	}
}

func TestPrimaryIPv4_NoneFound(t *testing.T) {
	ifaces := []model.NetworkInterface{{Name: "lo", IPv4: "127.0.0.1"}}
	if got := PrimaryIPv4(ifaces); got != "" {
		t.Errorf("PrimaryIPv4 = %q, want empty", got)
	}
}
