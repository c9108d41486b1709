// Package sysinfo samples host resources for the dashboard: CPU, memory,
// disk and network throughput on a chosen interface.
package sysinfo

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// Snapshot is one point-in-time view of host resources.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Interface     string  `json:"interface,omitempty"`
	UploadBytes   uint64  `json:"upload_bytes_per_s"`
	DownloadBytes uint64  `json:"download_bytes_per_s"`
}

// Sampler periodically polls network counters so that a Snapshot can report
// per-second rates; CPU/memory/disk are read on demand.
type Sampler struct {
	iface string

	mu       sync.Mutex
	upRate   uint64
	downRate uint64
	prevSent uint64
	prevRecv uint64
	primed   bool
}

// NewSampler creates a sampler for the given network interface. An empty
// interface name picks the first one reported by the host.
func NewSampler(iface string) *Sampler {
	if iface == "" {
		if counters, err := gopsnet.IOCounters(true); err == nil && len(counters) > 0 {
			iface = counters[0].Name
		}
	}
	return &Sampler{iface: iface}
}

// Interface returns the interface being sampled.
func (s *Sampler) Interface() string {
	return s.iface
}

// Run polls network counters every second until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Sampler) poll() {
	if s.iface == "" {
		return
	}
	counters, err := gopsnet.IOCounters(true)
	if err != nil {
		return
	}
	for _, c := range counters {
		if c.Name != s.iface {
			continue
		}
		s.mu.Lock()
		if s.primed {
			s.upRate = delta(c.BytesSent, s.prevSent)
			s.downRate = delta(c.BytesRecv, s.prevRecv)
		}
		s.prevSent = c.BytesSent
		s.prevRecv = c.BytesRecv
		s.primed = true
		s.mu.Unlock()
		return
	}
}

func delta(now, prev uint64) uint64 {
	if now < prev {
		return 0
	}
	return now - prev
}

// Snapshot reads current host usage. Failures degrade to zero values; the
// dashboard is advisory and must never fail a request over metrics.
func (s *Sampler) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Interface: s.iface}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskPercent = du.UsedPercent
	}
	s.mu.Lock()
	snap.UploadBytes = s.upRate
	snap.DownloadBytes = s.downRate
	s.mu.Unlock()
	return snap
}
