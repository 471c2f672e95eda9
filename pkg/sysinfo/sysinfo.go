// Package sysinfo gathers the host summary agents attach to heartbeats.
package sysinfo

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

// Sources are the gopsutil calls Collect makes. Tests replace them.
type Sources struct {
	Host       func(ctx context.Context) (*host.InfoStat, error)
	CPU        func(ctx context.Context) ([]float64, error)
	Memory     func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	Disk       func(ctx context.Context, path string) (*disk.UsageStat, error)
	Interfaces func(ctx context.Context) (psnet.InterfaceStatList, error)
}

// DefaultSources reads the live host.
func DefaultSources() Sources {
	return Sources{
		Host: host.InfoWithContext,
		CPU: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		Memory:     mem.VirtualMemoryWithContext,
		Disk:       disk.UsageWithContext,
		Interfaces: psnet.InterfacesWithContext,
	}
}

// Collect reads the live host. See Sources.Collect.
func Collect(ctx context.Context) (*telemetry.SystemInfo, error) {
	return DefaultSources().Collect(ctx, "/")
}

// Collect builds a SystemInfo. Host identity is required; the usage figures
// and addresses are best effort and left zero when unavailable.
func (s Sources) Collect(ctx context.Context, diskPath string) (*telemetry.SystemInfo, error) {
	hi, err := s.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	info := &telemetry.SystemInfo{
		Hostname: hi.Hostname,
		OS:       osName(hi),
	}

	if pct, err := s.CPU(ctx); err == nil && len(pct) > 0 {
		info.CPUUsage = pct[0]
	}
	if vm, err := s.Memory(ctx); err == nil && vm != nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsed = vm.Used
		info.MemoryPercent = vm.UsedPercent
	}
	if du, err := s.Disk(ctx, diskPath); err == nil && du != nil {
		info.DiskTotal = du.Total
		info.DiskUsed = du.Used
		info.DiskPercent = du.UsedPercent
	}
	if ifaces, err := s.Interfaces(ctx); err == nil {
		info.IPAddresses = addresses(ifaces)
	}
	return info, nil
}

func osName(hi *host.InfoStat) string {
	parts := []string{}
	for _, p := range []string{hi.Platform, hi.PlatformVersion} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return hi.OS
	}
	return strings.Join(parts, " ")
}

// addresses lists non-loopback interface addresses without their prefix
// length.
func addresses(ifaces psnet.InterfaceStatList) []telemetry.IPAddress {
	var out []telemetry.IPAddress
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, telemetry.IPAddress{Interface: iface.Name, Address: ip.String()})
		}
	}
	return out
}
