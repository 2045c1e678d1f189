package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsbridge/internal/domain"
)

// CostRates price raw resource consumption. The defaults mirror small-cloud
// list prices and are configurable per deployment.
type CostRates struct {
	CPUHour      float64 `json:"cpu_hour" yaml:"cpu_hour"`
	MemoryGBHour float64 `json:"memory_gb_hour" yaml:"memory_gb_hour"`
	DiskGBMonth  float64 `json:"disk_gb_month" yaml:"disk_gb_month"`
	NetworkGB    float64 `json:"network_gb" yaml:"network_gb"`
	PowerKWH     float64 `json:"power_kwh" yaml:"power_kwh"`
}

// DefaultCostRates returns the standard rate card.
func DefaultCostRates() CostRates {
	return CostRates{
		CPUHour:      0.02,
		MemoryGBHour: 0.01,
		DiskGBMonth:  0.10,
		NetworkGB:    0.05,
		PowerKWH:     0.12,
	}
}

// CostToolset prices current resource utilization and projects it forward. It
// reads through the same probes as the infrastructure toolset so both agents
// report from one view of the host.
type CostToolset struct {
	probes Probes
	rates  CostRates
	logger *slog.Logger
}

// NewCostToolset creates the cost toolset. A nil probes argument selects the
// platform defaults; a zero rates argument selects the standard rate card.
func NewCostToolset(probes *Probes, rates CostRates, logger *slog.Logger) *CostToolset {
	var p Probes
	if probes != nil {
		p = *probes
	}
	p.fillDefaults()
	if rates == (CostRates{}) {
		rates = DefaultCostRates()
	}
	return &CostToolset{probes: p, rates: rates, logger: logger}
}

// Tools returns the toolset's tools for registration on the bridge.
func (ts *CostToolset) Tools() []domain.Tool {
	return []domain.Tool{
		&costSummaryTool{ts: ts},
		&monthlyProjectionTool{ts: ts},
		&optimizationTool{ts: ts},
	}
}

// costBreakdown itemizes the estimate per resource class.
type costBreakdown struct {
	CPUCost     float64 `json:"cpu_cost"`
	MemoryCost  float64 `json:"memory_cost"`
	DiskCost    float64 `json:"disk_cost"`
	NetworkCost float64 `json:"network_cost"`
	PowerCost   float64 `json:"power_cost"`
}

type utilizationSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	NetworkGB     float64 `json:"network_gb"`
}

type costSummary struct {
	PeriodHours   int                 `json:"period_hours"`
	CostBreakdown costBreakdown       `json:"cost_breakdown"`
	TotalCost     float64             `json:"total_cost"`
	Utilization   utilizationSnapshot `json:"resource_utilization"`
	RatesUsed     CostRates           `json:"cost_rates_used"`
	Timestamp     time.Time           `json:"timestamp"`
}

// summarize prices the host's current utilization over the given period.
func (ts *CostToolset) summarize(periodHours int) (costSummary, error) {
	load, err := ts.probes.Load()
	if err != nil {
		return costSummary{}, fmt.Errorf("read load average: %w", err)
	}
	mem, err := ts.probes.Memory()
	if err != nil {
		return costSummary{}, fmt.Errorf("read memory: %w", err)
	}
	disk, err := ts.probes.Disk("/")
	if err != nil {
		return costSummary{}, fmt.Errorf("read root disk: %w", err)
	}
	network, err := ts.probes.Network()
	if err != nil {
		return costSummary{}, fmt.Errorf("read network counters: %w", err)
	}

	cores := ts.probes.CPUCount()
	hours := float64(periodHours)
	cpuPct := cpuPercent(load, cores)
	memPct := mem.UsedPercent()
	memoryGB := float64(mem.TotalKB) / (1024 * 1024)
	diskGB := float64(disk.TotalBytes) / (1 << 30)
	networkGB := float64(network.BytesSent+network.BytesRecv) / (1 << 30)

	breakdown := costBreakdown{
		CPUCost:     round4(cpuPct / 100 * float64(cores) * hours * ts.rates.CPUHour),
		MemoryCost:  round4(memPct / 100 * memoryGB * hours * ts.rates.MemoryGBHour),
		DiskCost:    round4(diskGB * (hours / 24 / 30) * ts.rates.DiskGBMonth),
		NetworkCost: round4(networkGB * ts.rates.NetworkGB),
		// Rough CPU draw estimate: 0.1 kW at full utilization.
		PowerCost: round4(cpuPct / 100 * 0.1 * hours * ts.rates.PowerKWH),
	}
	total := breakdown.CPUCost + breakdown.MemoryCost + breakdown.DiskCost +
		breakdown.NetworkCost + breakdown.PowerCost

	return costSummary{
		PeriodHours:   periodHours,
		CostBreakdown: breakdown,
		TotalCost:     round4(total),
		Utilization: utilizationSnapshot{
			CPUPercent:    cpuPct,
			MemoryPercent: round2(memPct),
			DiskPercent:   round2(disk.UsedPercent()),
			NetworkGB:     round4(networkGB),
		},
		RatesUsed: ts.rates,
		Timestamp: time.Now().UTC(),
	}, nil
}

// --- get_cost_summary ---

type costSummaryTool struct {
	ts *CostToolset
}

func (t *costSummaryTool) Name() string { return "get_cost_summary" }
func (t *costSummaryTool) Description() string {
	return "Estimate resource costs for a period from current utilization, itemized by CPU, memory, disk, network and power."
}

func (t *costSummaryTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"period_hours": {
					"type": "integer",
					"minimum": 1,
					"maximum": 720,
					"description": "Length of the costing period in hours. Defaults to 24."
				}
			}
		}`),
	}
}

type costSummaryParams struct {
	PeriodHours int `json:"period_hours"`
}

func (t *costSummaryTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_cost_summary", t.ts.logger, params,
		func(_ context.Context, _ trace.Span, p costSummaryParams) (any, error) {
			if p.PeriodHours == 0 {
				p.PeriodHours = 24
			}
			if err := ValidateRange("period_hours", p.PeriodHours, 1, 720); err != nil {
				return nil, err
			}
			return t.ts.summarize(p.PeriodHours)
		},
	)
}

// --- get_monthly_projection ---

type monthlyProjectionTool struct {
	ts *CostToolset
}

func (t *monthlyProjectionTool) Name() string { return "get_monthly_projection" }
func (t *monthlyProjectionTool) Description() string {
	return "Project current daily resource costs to weekly, monthly and annual figures with budget recommendations."
}

func (t *monthlyProjectionTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

type monthlyProjection struct {
	CurrentDailyCost  float64            `json:"current_daily_cost"`
	WeeklyProjection  float64            `json:"weekly_projection"`
	MonthlyProjection float64            `json:"monthly_projection"`
	AnnualProjection  float64            `json:"annual_projection"`
	MonthlyBreakdown  costBreakdown      `json:"cost_breakdown_monthly"`
	Budgets           map[string]float64 `json:"budget_recommendations"`
	Timestamp         time.Time          `json:"timestamp"`
}

func (t *monthlyProjectionTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_monthly_projection", t.ts.logger, params,
		func(_ context.Context, _ trace.Span, _ struct{}) (any, error) {
			daily, err := t.ts.summarize(24)
			if err != nil {
				return nil, err
			}
			monthly := daily.TotalCost * 30
			return monthlyProjection{
				CurrentDailyCost:  round2(daily.TotalCost),
				WeeklyProjection:  round2(daily.TotalCost * 7),
				MonthlyProjection: round2(monthly),
				AnnualProjection:  round2(monthly * 12),
				MonthlyBreakdown: costBreakdown{
					CPUCost:     round2(daily.CostBreakdown.CPUCost * 30),
					MemoryCost:  round2(daily.CostBreakdown.MemoryCost * 30),
					DiskCost:    round2(daily.CostBreakdown.DiskCost * 30),
					NetworkCost: round2(daily.CostBreakdown.NetworkCost * 30),
					PowerCost:   round2(daily.CostBreakdown.PowerCost * 30),
				},
				Budgets: map[string]float64{
					"conservative":      round2(monthly * 1.2),
					"moderate":          round2(monthly * 1.5),
					"aggressive_growth": round2(monthly * 2.0),
				},
				Timestamp: time.Now().UTC(),
			}, nil
		},
	)
}

// --- get_optimization_recommendations ---

type optimizationTool struct {
	ts *CostToolset
}

func (t *optimizationTool) Name() string { return "get_optimization_recommendations" }
func (t *optimizationTool) Description() string {
	return "Recommend cost optimizations based on current CPU, memory and disk utilization."
}

func (t *optimizationTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

type optimizationRecommendation struct {
	Type             string `json:"type"`
	Priority         string `json:"priority"`
	CurrentUsage     string `json:"current_usage"`
	Recommendation   string `json:"recommendation"`
	PotentialSavings string `json:"potential_savings,omitempty"`
	Action           string `json:"action"`
}

type optimizationReport struct {
	Recommendations []optimizationRecommendation `json:"recommendations"`
	Count           int                          `json:"count"`
	Timestamp       time.Time                    `json:"timestamp"`
}

func (t *optimizationTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_optimization_recommendations", t.ts.logger, params,
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

			cpuPct := cpuPercent(load, t.ts.probes.CPUCount())
			memPct := round2(mem.UsedPercent())
			diskPct := round2(disk.UsedPercent())

			recs := []optimizationRecommendation{}
			switch {
			case cpuPct < 20:
				recs = append(recs, optimizationRecommendation{
					Type:             "cpu_underutilization",
					Priority:         "medium",
					CurrentUsage:     fmt.Sprintf("%.1f%%", cpuPct),
					Recommendation:   "CPU usage is very low. Consider downsizing the instance or consolidating workloads.",
					PotentialSavings: "$10-30/month",
					Action:           "Review workload requirements and consider smaller instance types",
				})
			case cpuPct > 80:
				recs = append(recs, optimizationRecommendation{
					Type:           "cpu_optimization",
					Priority:       "high",
					CurrentUsage:   fmt.Sprintf("%.1f%%", cpuPct),
					Recommendation: "High CPU usage detected. Consider upgrading the instance or optimizing workloads.",
					Action:         "Monitor performance and consider vertical scaling",
				})
			}

			switch {
			case memPct < 30:
				recs = append(recs, optimizationRecommendation{
					Type:             "memory_underutilization",
					Priority:         "low",
					CurrentUsage:     fmt.Sprintf("%.1f%%", memPct),
					Recommendation:   "Memory usage is low. Consider instances with less memory.",
					PotentialSavings: "$5-20/month",
					Action:           "Evaluate memory requirements and consider downsizing",
				})
			case memPct > 85:
				recs = append(recs, optimizationRecommendation{
					Type:           "memory_optimization",
					Priority:       "high",
					CurrentUsage:   fmt.Sprintf("%.1f%%", memPct),
					Recommendation: "Memory usage is high. Consider adding memory or optimizing applications.",
					Action:         "Check for memory leaks and consider memory optimization",
				})
			}

			if diskPct > 80 {
				recs = append(recs, optimizationRecommendation{
					Type:             "disk_cleanup",
					Priority:         "medium",
					CurrentUsage:     fmt.Sprintf("%.1f%%", diskPct),
					Recommendation:   "Disk usage is high. Clean up old files and logs.",
					PotentialSavings: "$2-10/month",
					Action:           "Implement log rotation and clean up old data",
				})
			}

			return optimizationReport{
				Recommendations: recs,
				Count:           len(recs),
				Timestamp:       time.Now().UTC(),
			}, nil
		},
	)
}

// round4 rounds to four decimal places for small per-period dollar amounts.
func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
