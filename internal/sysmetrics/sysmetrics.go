// Package sysmetrics implements the system metrics probe contract (spec
// §6.4, §4.12): CPU, memory, storage, uptime, top processes, and network
// interfaces, sampled via gopsutil/v3.
//
// Grounded on bc-dunia-mcpdrill's cmd/agent host-metrics collection
// (cpu.Percent, mem.VirtualMemory, process.Processes), generalized from a
// fixed single-process sample into the spec's "top N processes by CPU"
// shape and extended with disk.Usage/host.Uptime/net.Interfaces, which the
// teacher example doesn't need but the spec does.
package sysmetrics

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/iotistica/deviceagent/internal/model"
)

// TopProcessCount bounds how many processes are included per sample.
const TopProcessCount = 5

// StorageRoot is the filesystem path sampled for storage usage.
const StorageRoot = "/"

// Probe implements collab.MetricsProbe.
type Probe struct{}

// New creates a Probe.
func New() *Probe { return &Probe{} }

// GetSystemMetrics samples CPU, memory, storage, uptime, the top processes
// by CPU usage, and network interfaces. Any individual sample that fails is
// omitted rather than aborting the whole call — metrics are best-effort.
func (p *Probe) GetSystemMetrics(ctx context.Context) (model.Metrics, error) {
	var m model.Metrics

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.CPUUsage = &pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		used := float64(vm.Used)
		total := float64(vm.Total)
		m.MemoryUsage = &used
		m.MemoryTotal = &total
	}

	if du, err := disk.UsageWithContext(ctx, StorageRoot); err == nil && du != nil {
		used := float64(du.Used)
		total := float64(du.Total)
		m.StorageUsage = &used
		m.StorageTotal = &total
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil && len(temps) > 0 {
		t := temps[0].Temperature
		m.Temperature = &t
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		u := float64(uptime)
		m.Uptime = &u
	}

	if procs, err := topProcesses(ctx, TopProcessCount); err == nil {
		m.TopProcesses = procs
	}

	if ifaces, err := networkInterfaces(ctx); err == nil {
		m.NetworkInterfaces = ifaces
	}

	return m, nil
}

func topProcesses(ctx context.Context, n int) ([]model.ProcessSample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	samples := make([]model.ProcessSample, 0, len(procs))
	for _, proc := range procs {
		cpuPct, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, _ := proc.NameWithContext(ctx)
		memPct, _ := proc.MemoryPercentWithContext(ctx)
		samples = append(samples, model.ProcessSample{
			PID:        proc.Pid,
			Name:       name,
			CPUPercent: cpuPct,
			MemPercent: float64(memPct),
		})
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].CPUPercent > samples[j].CPUPercent })
	if len(samples) > n {
		samples = samples[:n]
	}
	return samples, nil
}

func networkInterfaces(ctx context.Context) ([]model.NetworkInterface, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing network interfaces: %w", err)
	}

	out := make([]model.NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := model.NetworkInterface{Name: iface.Name, MAC: iface.HardwareAddr}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				continue
			}
			if ip.To4() != nil {
				if ni.IPv4 == "" {
					ni.IPv4 = ip.String()
				}
			} else if ni.IPv6 == "" {
				ni.IPv6 = ip.String()
			}
		}
		out = append(out, ni)
	}
	return out, nil
}

// PrimaryIPv4 returns the first non-loopback IPv4 address found across the
// given interfaces, used to detect the "local_ip" static field change (spec
// §4.10.3 step 8).
func PrimaryIPv4(ifaces []model.NetworkInterface) string {
	for _, iface := range ifaces {
		if iface.IPv4 != "" && iface.IPv4 != "127.0.0.1" {
			return iface.IPv4
		}
	}
	return ""
}
