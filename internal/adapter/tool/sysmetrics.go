package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsbridge/internal/domain"
)

// alertThresholdPercent is the utilization percentage at which a reading
// becomes a resource alert.
const alertThresholdPercent = 80.0

// LoadAvg holds the 1/5/15 minute load averages.
type LoadAvg struct {
	Load1  float64 `json:"load_1m"`
	Load5  float64 `json:"load_5m"`
	Load15 float64 `json:"load_15m"`
}

// MemoryStat holds total and available memory in kilobytes.
type MemoryStat struct {
	TotalKB     uint64 `json:"total_kb"`
	AvailableKB uint64 `json:"available_kb"`
}

// UsedPercent returns the fraction of memory in use as a percentage.
func (m MemoryStat) UsedPercent() float64 {
	if m.TotalKB == 0 {
		return 0
	}
	return float64(m.TotalKB-m.AvailableKB) / float64(m.TotalKB) * 100
}

// DiskStat holds filesystem usage for a single mount.
type DiskStat struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// UsedBytes returns the number of bytes in use.
func (d DiskStat) UsedBytes() uint64 {
	if d.FreeBytes > d.TotalBytes {
		return 0
	}
	return d.TotalBytes - d.FreeBytes
}

// UsedPercent returns the fraction of the filesystem in use as a percentage.
func (d DiskStat) UsedPercent() float64 {
	if d.TotalBytes == 0 {
		return 0
	}
	return float64(d.UsedBytes()) / float64(d.TotalBytes) * 100
}

// NetworkStat holds cumulative transfer counters across interfaces.
type NetworkStat struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// Probes supplies raw system readings for the infrastructure and cost
// toolsets. Every field is injectable so tests run against fixed readings;
// DefaultProbes wires the platform implementations.
type Probes struct {
	Load     func() (LoadAvg, error)
	Memory   func() (MemoryStat, error)
	Uptime   func() (time.Duration, error)
	Disk     func(path string) (DiskStat, error)
	Network  func() (NetworkStat, error)
	CPUCount func() int
}

// fillDefaults replaces nil probe fields with the platform implementations.
func (p *Probes) fillDefaults() {
	defaults := DefaultProbes()
	if p.Load == nil {
		p.Load = defaults.Load
	}
	if p.Memory == nil {
		p.Memory = defaults.Memory
	}
	if p.Uptime == nil {
		p.Uptime = defaults.Uptime
	}
	if p.Disk == nil {
		p.Disk = defaults.Disk
	}
	if p.Network == nil {
		p.Network = defaults.Network
	}
	if p.CPUCount == nil {
		p.CPUCount = runtime.NumCPU
	}
}

// SysMetricsToolset exposes host resource readings as tools for the
// infrastructure agent: point-in-time metrics, per-mount disk usage and
// threshold alerts.
type SysMetricsToolset struct {
	probes Probes
	logger *slog.Logger
}

// NewSysMetricsToolset creates the infrastructure toolset. A nil probes
// argument selects the platform defaults.
func NewSysMetricsToolset(probes *Probes, logger *slog.Logger) *SysMetricsToolset {
	var p Probes
	if probes != nil {
		p = *probes
	}
	p.fillDefaults()
	return &SysMetricsToolset{probes: p, logger: logger}
}

// Tools returns the toolset's tools for registration on the bridge.
func (ts *SysMetricsToolset) Tools() []domain.Tool {
	return []domain.Tool{
		&systemMetricsTool{ts: ts},
		&diskUsageTool{ts: ts},
		&resourceAlertsTool{ts: ts},
	}
}

// --- get_system_metrics ---

type systemMetricsTool struct {
	ts *SysMetricsToolset
}

func (t *systemMetricsTool) Name() string { return "get_system_metrics" }
func (t *systemMetricsTool) Description() string {
	return "Get current system resource utilization: load averages, CPU pressure, memory, root disk and uptime."
}

func (t *systemMetricsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

type systemMetricsReport struct {
	Load            LoadAvg `json:"load"`
	CPUCount        int     `json:"cpu_count"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryTotalKB   uint64  `json:"memory_total_kb"`
	MemoryAvailKB   uint64  `json:"memory_available_kb"`
	RootDiskPercent float64 `json:"disk_percent"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
}

func (t *systemMetricsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_system_metrics", t.ts.logger, params,
		func(_ context.Context, _ trace.Span, _ struct{}) (any, error) {
			load, err := t.ts.probes.Load()
			if err != nil {
				return nil, fmt.Errorf("read load average: %w", err)
			}
			mem, err := t.ts.probes.Memory()
			if err != nil {
				return nil, fmt.Errorf("read memory: %w", err)
			}
			disk, err := t.ts.probes.Disk("/")
			if err != nil {
				return nil, fmt.Errorf("read root disk: %w", err)
			}
			uptime, err := t.ts.probes.Uptime()
			if err != nil {
				return nil, fmt.Errorf("read uptime: %w", err)
			}

			cores := t.ts.probes.CPUCount()
			return systemMetricsReport{
				Load:            load,
				CPUCount:        cores,
				CPUPercent:      cpuPercent(load, cores),
				MemoryPercent:   round2(mem.UsedPercent()),
				MemoryTotalKB:   mem.TotalKB,
				MemoryAvailKB:   mem.AvailableKB,
				RootDiskPercent: round2(disk.UsedPercent()),
				UptimeSeconds:   int64(uptime.Seconds()),
			}, nil
		},
	)
}

// cpuPercent approximates CPU utilization from the 1-minute load average,
// capped at 100.
func cpuPercent(load LoadAvg, cores int) float64 {
	if cores <= 0 {
		cores = 1
	}
	pct := load.Load1 / float64(cores) * 100
	if pct > 100 {
		pct = 100
	}
	return round2(pct)
}

// --- check_disk_usage ---

type diskUsageTool struct {
	ts *SysMetricsToolset
}

func (t *diskUsageTool) Name() string { return "check_disk_usage" }
func (t *diskUsageTool) Description() string {
	return "Check disk usage for a specific path, flagging it when usage crosses the given threshold."
}

func (t *diskUsageTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {
					"type": "string",
					"description": "Filesystem path to check. Defaults to '/'."
				},
				"threshold_percent": {
					"type": "integer",
					"minimum": 1,
					"maximum": 100,
					"description": "Usage percentage above which the mount is flagged. Defaults to 90."
				}
			}
		}`),
	}
}

type diskUsageParams struct {
	Path             string `json:"path"`
	ThresholdPercent int    `json:"threshold_percent"`
}

type diskUsageReport struct {
	Path             string  `json:"path"`
	TotalBytes       uint64  `json:"total_bytes"`
	UsedBytes        uint64  `json:"used_bytes"`
	FreeBytes        uint64  `json:"free_bytes"`
	UsedPercent      float64 `json:"used_percent"`
	ThresholdPercent int     `json:"threshold_percent"`
	AboveThreshold   bool    `json:"above_threshold"`
}

func (t *diskUsageTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.check_disk_usage", t.ts.logger, params,
		func(_ context.Context, _ trace.Span, p diskUsageParams) (any, error) {
			if p.Path == "" {
				p.Path = "/"
			}
			if p.ThresholdPercent == 0 {
				p.ThresholdPercent = 90
			}
			if err := ValidateRange("threshold_percent", p.ThresholdPercent, 1, 100); err != nil {
				return nil, err
			}

			disk, err := t.ts.probes.Disk(p.Path)
			if err != nil {
				return nil, fmt.Errorf("stat %q: %w", p.Path, err)
			}

			used := round2(disk.UsedPercent())
			return diskUsageReport{
				Path:             p.Path,
				TotalBytes:       disk.TotalBytes,
				UsedBytes:        disk.UsedBytes(),
				FreeBytes:        disk.FreeBytes,
				UsedPercent:      used,
				ThresholdPercent: p.ThresholdPercent,
				AboveThreshold:   used > float64(p.ThresholdPercent),
			}, nil
		},
	)
}

// --- get_resource_alerts ---

type resourceAlertsTool struct {
	ts *SysMetricsToolset
}

func (t *resourceAlertsTool) Name() string { return "get_resource_alerts" }
func (t *resourceAlertsTool) Description() string {
	return "Check for resource utilization alerts (CPU, memory or root disk above 80%)."
}

func (t *resourceAlertsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

type resourceAlert struct {
	Type     string  `json:"type"`
	Value    float64 `json:"value"`
	Severity string  `json:"severity"`
}

type resourceAlertsReport struct {
	Alerts    []resourceAlert `json:"alerts"`
	Count     int             `json:"count"`
	Timestamp time.Time       `json:"timestamp"`
}

func (t *resourceAlertsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_resource_alerts", t.ts.logger, params,
		func(_ context.Context, _ trace.Span, _ struct{}) (any, error) {
			alerts := []resourceAlert{}

			if load, err := t.ts.probes.Load(); err == nil {
				if pct := cpuPercent(load, t.ts.probes.CPUCount()); pct > alertThresholdPercent {
					alerts = append(alerts, resourceAlert{Type: "cpu_high", Value: pct, Severity: "warning"})
				}
			}
			if mem, err := t.ts.probes.Memory(); err == nil {
				if pct := round2(mem.UsedPercent()); pct > alertThresholdPercent {
					alerts = append(alerts, resourceAlert{Type: "memory_high", Value: pct, Severity: "warning"})
				}
			}
			if disk, err := t.ts.probes.Disk("/"); err == nil {
				if pct := round2(disk.UsedPercent()); pct > alertThresholdPercent {
					alerts = append(alerts, resourceAlert{Type: "disk_high", Value: pct, Severity: "warning"})
				}
			}

			return resourceAlertsReport{
				Alerts:    alerts,
				Count:     len(alerts),
				Timestamp: time.Now().UTC(),
			}, nil
		},
	)
}

// --- /proc text parsers (platform-independent, exercised by the linux probes) ---

// parseLoadAvg parses the first three fields of /proc/loadavg.
func parseLoadAvg(s string) (LoadAvg, error) {
	fields := strings.Fields(s)
	if len(fields) < 3 {
		return LoadAvg{}, fmt.Errorf("malformed loadavg %q", s)
	}
	var out LoadAvg
	var err error
	if out.Load1, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return LoadAvg{}, fmt.Errorf("parse load1: %w", err)
	}
	if out.Load5, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return LoadAvg{}, fmt.Errorf("parse load5: %w", err)
	}
	if out.Load15, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return LoadAvg{}, fmt.Errorf("parse load15: %w", err)
	}
	return out, nil
}

// parseMemInfo extracts MemTotal and MemAvailable from /proc/meminfo content.
func parseMemInfo(s string) (MemoryStat, error) {
	var out MemoryStat
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			out.TotalKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			out.AvailableKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if out.TotalKB == 0 {
		return MemoryStat{}, fmt.Errorf("meminfo missing MemTotal")
	}
	return out, nil
}

// parseUptime parses the first field of /proc/uptime (seconds since boot).
func parseUptime(s string) (time.Duration, error) {
	fields := strings.Fields(s)
	if len(fields) < 1 {
		return 0, fmt.Errorf("malformed uptime %q", s)
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse uptime: %w", err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// parseNetDev sums rx/tx byte counters across interfaces in /proc/net/dev,
// skipping loopback.
func parseNetDev(s string) (NetworkStat, error) {
	var out NetworkStat
	lines := strings.Split(s, "\n")
	if len(lines) < 3 {
		return out, fmt.Errorf("malformed net/dev")
	}
	for _, line := range lines[2:] {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		iface := strings.TrimSpace(parts[0])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}
		rx, _ := strconv.ParseUint(fields[0], 10, 64)
		tx, _ := strconv.ParseUint(fields[8], 10, 64)
		out.BytesRecv += rx
		out.BytesSent += tx
	}
	return out, nil
}

// round2 rounds to two decimal places, enough precision for percentages.
func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
