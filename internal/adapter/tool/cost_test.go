package tool

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

func closeTo(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// Expected figures for testProbes under the default rate card over 24h:
// 4 cores at 50% CPU, 8 GB memory at 50%, 100 GB disk, 5 GB transferred.
//
//	cpu     0.5 * 4 * 24 * 0.02  = 0.96
//	memory  0.5 * 8 * 24 * 0.01  = 0.96
//	disk    100 * (1/30) * 0.10  = 0.3333
//	network 5 * 0.05             = 0.25
//	power   0.5 * 0.1 * 24 * 0.12 = 0.144
func TestCost_Summary(t *testing.T) {
	ts := NewCostToolset(testProbes(), CostRates{}, nopLogger())

	result, err := ts.Tools()[0].Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("IsError = true: %s", result.Content)
	}

	var summary costSummary
	if err := json.Unmarshal([]byte(result.Content), &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.PeriodHours != 24 {
		t.Errorf("PeriodHours = %d, want default 24", summary.PeriodHours)
	}
	b := summary.CostBreakdown
	if !closeTo(b.CPUCost, 0.96) {
		t.Errorf("CPUCost = %v, want 0.96", b.CPUCost)
	}
	if !closeTo(b.MemoryCost, 0.96) {
		t.Errorf("MemoryCost = %v, want 0.96", b.MemoryCost)
	}
	if !closeTo(b.DiskCost, 0.3333) {
		t.Errorf("DiskCost = %v, want 0.3333", b.DiskCost)
	}
	if !closeTo(b.NetworkCost, 0.25) {
		t.Errorf("NetworkCost = %v, want 0.25", b.NetworkCost)
	}
	if !closeTo(b.PowerCost, 0.144) {
		t.Errorf("PowerCost = %v, want 0.144", b.PowerCost)
	}
	if !closeTo(summary.TotalCost, 2.6473) {
		t.Errorf("TotalCost = %v, want 2.6473", summary.TotalCost)
	}

	u := summary.Utilization
	if u.CPUPercent != 50 || u.MemoryPercent != 50 || u.DiskPercent != 60 {
		t.Errorf("Utilization = %+v", u)
	}
	if !closeTo(u.NetworkGB, 5) {
		t.Errorf("NetworkGB = %v, want 5", u.NetworkGB)
	}
	if summary.RatesUsed != DefaultCostRates() {
		t.Errorf("RatesUsed = %+v, want default rate card", summary.RatesUsed)
	}
}

func TestCost_SummaryCustomRates(t *testing.T) {
	rates := CostRates{CPUHour: 1, MemoryGBHour: 1, DiskGBMonth: 1, NetworkGB: 1, PowerKWH: 1}
	ts := NewCostToolset(testProbes(), rates, nopLogger())

	result, err := ts.Tools()[0].Execute(context.Background(), json.RawMessage(`{"period_hours": 1}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var summary costSummary
	if err := json.Unmarshal([]byte(result.Content), &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.RatesUsed != rates {
		t.Errorf("RatesUsed = %+v", summary.RatesUsed)
	}
	// cpu: 0.5 * 4 cores * 1h * $1
	if !closeTo(summary.CostBreakdown.CPUCost, 2) {
		t.Errorf("CPUCost = %v, want 2", summary.CostBreakdown.CPUCost)
	}
	// network is period-independent: 5 GB * $1
	if !closeTo(summary.CostBreakdown.NetworkCost, 5) {
		t.Errorf("NetworkCost = %v, want 5", summary.CostBreakdown.NetworkCost)
	}
}

func TestCost_SummaryBadPeriod(t *testing.T) {
	ts := NewCostToolset(testProbes(), CostRates{}, nopLogger())

	result, err := ts.Tools()[0].Execute(context.Background(), json.RawMessage(`{"period_hours": 1000}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "period_hours must be 1-720") {
		t.Errorf("result = %+v", result)
	}
}

func TestCost_SummaryProbeFailure(t *testing.T) {
	probes := testProbes()
	probes.Network = func() (NetworkStat, error) {
		return NetworkStat{}, errors.New("net counters unavailable")
	}
	ts := NewCostToolset(probes, CostRates{}, nopLogger())

	result, err := ts.Tools()[0].Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "net counters unavailable") {
		t.Errorf("result = %+v", result)
	}
}

func TestCost_MonthlyProjection(t *testing.T) {
	ts := NewCostToolset(testProbes(), CostRates{}, nopLogger())

	result, err := ts.Tools()[1].Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("IsError = true: %s", result.Content)
	}

	var proj monthlyProjection
	if err := json.Unmarshal([]byte(result.Content), &proj); err != nil {
		t.Fatalf("unmarshal projection: %v", err)
	}
	// Daily total is 2.6473, so monthly is 79.419.
	if !closeTo(proj.CurrentDailyCost, 2.65) {
		t.Errorf("CurrentDailyCost = %v, want 2.65", proj.CurrentDailyCost)
	}
	if !closeTo(proj.WeeklyProjection, 18.53) {
		t.Errorf("WeeklyProjection = %v, want 18.53", proj.WeeklyProjection)
	}
	if !closeTo(proj.MonthlyProjection, 79.42) {
		t.Errorf("MonthlyProjection = %v, want 79.42", proj.MonthlyProjection)
	}
	if !closeTo(proj.AnnualProjection, 953.03) {
		t.Errorf("AnnualProjection = %v, want 953.03", proj.AnnualProjection)
	}
	if !closeTo(proj.MonthlyBreakdown.CPUCost, 28.8) {
		t.Errorf("MonthlyBreakdown.CPUCost = %v, want 28.8", proj.MonthlyBreakdown.CPUCost)
	}
	if !closeTo(proj.Budgets["conservative"], 95.3) {
		t.Errorf("conservative budget = %v, want 95.3", proj.Budgets["conservative"])
	}
	if !closeTo(proj.Budgets["moderate"], 119.13) {
		t.Errorf("moderate budget = %v, want 119.13", proj.Budgets["moderate"])
	}
	if !closeTo(proj.Budgets["aggressive_growth"], 158.84) {
		t.Errorf("aggressive_growth budget = %v, want 158.84", proj.Budgets["aggressive_growth"])
	}
}

func TestCost_OptimizationHealthyHost(t *testing.T) {
	// 50% CPU, 50% memory, 60% disk: nothing to recommend.
	ts := NewCostToolset(testProbes(), CostRates{}, nopLogger())

	result, err := ts.Tools()[2].Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var report optimizationReport
	if err := json.Unmarshal([]byte(result.Content), &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Count != 0 {
		t.Errorf("Count = %d, want 0: %+v", report.Count, report.Recommendations)
	}
}

func TestCost_OptimizationUnderutilized(t *testing.T) {
	probes := &Probes{
		Load:     func() (LoadAvg, error) { return LoadAvg{Load1: 0.2}, nil },
		Memory:   func() (MemoryStat, error) { return MemoryStat{TotalKB: 100, AvailableKB: 80}, nil },
		Disk:     func(string) (DiskStat, error) { return DiskStat{TotalBytes: 100, FreeBytes: 50}, nil },
		CPUCount: func() int { return 4 },
	}
	ts := NewCostToolset(probes, CostRates{}, nopLogger())

	result, err := ts.Tools()[2].Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var report optimizationReport
	if err := json.Unmarshal([]byte(result.Content), &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Count != 2 {
		t.Fatalf("Count = %d, want 2: %+v", report.Count, report.Recommendations)
	}

	byType := map[string]optimizationRecommendation{}
	for _, r := range report.Recommendations {
		byType[r.Type] = r
	}
	cpu, ok := byType["cpu_underutilization"]
	if !ok || cpu.Priority != "medium" || cpu.PotentialSavings == "" {
		t.Errorf("cpu recommendation = %+v", cpu)
	}
	mem, ok := byType["memory_underutilization"]
	if !ok || mem.Priority != "low" {
		t.Errorf("memory recommendation = %+v", mem)
	}
}

func TestCost_OptimizationHotHost(t *testing.T) {
	probes := &Probes{
		Load:     func() (LoadAvg, error) { return LoadAvg{Load1: 8}, nil },
		Memory:   func() (MemoryStat, error) { return MemoryStat{TotalKB: 100, AvailableKB: 10}, nil },
		Disk:     func(string) (DiskStat, error) { return DiskStat{TotalBytes: 100, FreeBytes: 10}, nil },
		CPUCount: func() int { return 2 },
	}
	ts := NewCostToolset(probes, CostRates{}, nopLogger())

	result, err := ts.Tools()[2].Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var report optimizationReport
	if err := json.Unmarshal([]byte(result.Content), &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Count != 3 {
		t.Fatalf("Count = %d, want 3: %+v", report.Count, report.Recommendations)
	}

	priorities := map[string]string{}
	for _, r := range report.Recommendations {
		priorities[r.Type] = r.Priority
	}
	if priorities["cpu_optimization"] != "high" {
		t.Errorf("cpu_optimization priority = %q", priorities["cpu_optimization"])
	}
	if priorities["memory_optimization"] != "high" {
		t.Errorf("memory_optimization priority = %q", priorities["memory_optimization"])
	}
	if priorities["disk_cleanup"] != "medium" {
		t.Errorf("disk_cleanup priority = %q", priorities["disk_cleanup"])
	}
}

func TestDefaultCostRates(t *testing.T) {
	rates := DefaultCostRates()
	if rates.CPUHour != 0.02 || rates.MemoryGBHour != 0.01 || rates.DiskGBMonth != 0.10 ||
		rates.NetworkGB != 0.05 || rates.PowerKWH != 0.12 {
		t.Errorf("rates = %+v", rates)
	}
}
