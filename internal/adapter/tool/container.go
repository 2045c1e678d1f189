package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsbridge/internal/domain"
)

// EngineInfo summarizes the container daemon.
type EngineInfo struct {
	ServerVersion     string `json:"server_version"`
	APIVersion        string `json:"api_version"`
	StorageDriver     string `json:"storage_driver"`
	OperatingSystem   string `json:"operating_system"`
	ContainersTotal   int    `json:"containers_total"`
	ContainersRunning int    `json:"containers_running"`
	ContainersPaused  int    `json:"containers_paused"`
	ContainersStopped int    `json:"containers_stopped"`
	ImageCount        int    `json:"image_count"`
	CPUCount          int    `json:"cpu_count"`
	MemoryTotalBytes  int64  `json:"memory_total_bytes"`
}

// ContainerSummary is one row of a container listing.
type ContainerSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	State  string `json:"state"`
	Status string `json:"status"`
}

// ContainerMount describes one bind or volume mount of a container.
type ContainerMount struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Type        string `json:"type"`
	ReadWrite   bool   `json:"read_write"`
}

// ContainerDetail is the inspect view of a single container.
type ContainerDetail struct {
	ContainerSummary
	Command       []string         `json:"command,omitempty"`
	StartedAt     string           `json:"started_at,omitempty"`
	FinishedAt    string           `json:"finished_at,omitempty"`
	ExitCode      int              `json:"exit_code"`
	RestartPolicy string           `json:"restart_policy,omitempty"`
	Mounts        []ContainerMount `json:"mounts,omitempty"`
}

// ImageSummary is one row of an image listing.
type ImageSummary struct {
	ID        string   `json:"id"`
	Tags      []string `json:"tags,omitempty"`
	SizeBytes int64    `json:"size_bytes"`
}

// VolumeSummary is one row of a volume listing.
type VolumeSummary struct {
	Name       string `json:"name"`
	Driver     string `json:"driver"`
	Mountpoint string `json:"mountpoint"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// UsageBucket is one category of the engine's disk usage breakdown.
type UsageBucket struct {
	Count         int     `json:"count"`
	SizeMB        float64 `json:"size_mb"`
	ReclaimableMB float64 `json:"reclaimable_mb"`
}

// EngineDiskUsage is the engine's disk usage broken down by category.
type EngineDiskUsage struct {
	Images     UsageBucket `json:"images"`
	Containers UsageBucket `json:"containers"`
	Volumes    UsageBucket `json:"volumes"`
	BuildCache UsageBucket `json:"build_cache"`
}

// EngineProbes supplies container engine operations for the container
// toolset. Every field is injectable so tests run against fixed fleets;
// nil fields fall back to the HTTP engine client.
type EngineProbes struct {
	Info       func(ctx context.Context) (EngineInfo, error)
	Containers func(ctx context.Context, all bool) ([]ContainerSummary, error)
	Inspect    func(ctx context.Context, id string) (ContainerDetail, error)
	Images     func(ctx context.Context) ([]ImageSummary, error)
	Volumes    func(ctx context.Context) ([]VolumeSummary, error)
	DiskUsage  func(ctx context.Context) (EngineDiskUsage, error)
	Start      func(ctx context.Context, id string) (string, error)
	Stop       func(ctx context.Context, id string, timeout int) (string, error)
	Restart    func(ctx context.Context, id string, timeout int) (string, error)
}

// fillDefaults replaces nil probe fields with engine client calls.
func (p *EngineProbes) fillDefaults(host string) {
	client := newEngineClient(host)
	if p.Info == nil {
		p.Info = client.Info
	}
	if p.Containers == nil {
		p.Containers = client.Containers
	}
	if p.Inspect == nil {
		p.Inspect = client.Inspect
	}
	if p.Images == nil {
		p.Images = client.Images
	}
	if p.Volumes == nil {
		p.Volumes = client.Volumes
	}
	if p.DiskUsage == nil {
		p.DiskUsage = client.DiskUsage
	}
	if p.Start == nil {
		p.Start = client.Start
	}
	if p.Stop == nil {
		p.Stop = client.Stop
	}
	if p.Restart == nil {
		p.Restart = client.Restart
	}
}

// ContainerToolset exposes container engine operations as tools: daemon info,
// container/image/volume listings, disk usage and lifecycle control.
type ContainerToolset struct {
	probes EngineProbes
	logger *slog.Logger
}

// NewContainerToolset creates the container toolset. A nil probes argument
// selects the HTTP engine client for the given host (empty host picks the
// local engine socket).
func NewContainerToolset(probes *EngineProbes, host string, logger *slog.Logger) *ContainerToolset {
	var p EngineProbes
	if probes != nil {
		p = *probes
	}
	p.fillDefaults(host)
	return &ContainerToolset{probes: p, logger: logger}
}

// Tools returns the toolset's tools for registration on the bridge.
func (ts *ContainerToolset) Tools() []domain.Tool {
	return []domain.Tool{
		&engineInfoTool{ts: ts},
		&listContainersTool{ts: ts},
		&containerDetailsTool{ts: ts},
		&listImagesTool{ts: ts},
		&listVolumesTool{ts: ts},
		&engineDiskUsageTool{ts: ts},
		&startContainerTool{ts: ts},
		&stopContainerTool{ts: ts},
		&restartContainerTool{ts: ts},
	}
}

var emptyParamsSchema = json.RawMessage(`{"type": "object", "properties": {}}`)

// containerIDSchema is shared by the lifecycle tools taking a container id
// and an optional grace timeout.
const containerIDSchema = `{
	"type": "object",
	"properties": {
		"container_id": {
			"type": "string",
			"description": "Container id or name"
		},
		"timeout": {
			"type": "integer",
			"minimum": 1,
			"maximum": 300,
			"description": "Seconds to wait before the engine forces the operation. Defaults to 10."
		}
	},
	"required": ["container_id"]
}`

// --- get_docker_system_info ---

type engineInfoTool struct {
	ts *ContainerToolset
}

func (t *engineInfoTool) Name() string { return "get_docker_system_info" }
func (t *engineInfoTool) Description() string {
	return "Get container engine information: version, storage driver, container and image counts, host resources."
}

func (t *engineInfoTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: emptyParamsSchema}
}

func (t *engineInfoTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_docker_system_info", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, _ struct{}) (any, error) {
			info, err := t.ts.probes.Info(ctx)
			if err != nil {
				return nil, fmt.Errorf("engine info: %w", err)
			}
			return info, nil
		},
	)
}

// --- list_containers ---

type listContainersTool struct {
	ts *ContainerToolset
}

func (t *listContainersTool) Name() string { return "list_containers" }
func (t *listContainersTool) Description() string {
	return "List containers with status and image. Set all=true to include stopped containers."
}

func (t *listContainersTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"all": {
					"type": "boolean",
					"description": "Include stopped containers. Defaults to false."
				}
			}
		}`),
	}
}

type listContainersParams struct {
	All bool `json:"all"`
}

type containerListReport struct {
	Containers   []ContainerSummary `json:"containers"`
	TotalCount   int                `json:"total_count"`
	RunningCount int                `json:"running_count"`
}

func (t *listContainersTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_containers", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, p listContainersParams) (any, error) {
			containers, err := t.ts.probes.Containers(ctx, p.All)
			if err != nil {
				return nil, fmt.Errorf("list containers: %w", err)
			}
			running := 0
			for _, c := range containers {
				if c.State == "running" {
					running++
				}
			}
			return containerListReport{
				Containers:   containers,
				TotalCount:   len(containers),
				RunningCount: running,
			}, nil
		},
	)
}

// --- get_container_details ---

type containerDetailsTool struct {
	ts *ContainerToolset
}

func (t *containerDetailsTool) Name() string { return "get_container_details" }
func (t *containerDetailsTool) Description() string {
	return "Inspect a single container: state, command, exit code, restart policy and mounts."
}

func (t *containerDetailsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"container_id": {
					"type": "string",
					"description": "Container id or name"
				}
			},
			"required": ["container_id"]
		}`),
	}
}

type containerIDParams struct {
	ContainerID string `json:"container_id"`
	Timeout     int    `json:"timeout"`
}

func (t *containerDetailsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_container_details", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, p containerIDParams) (any, error) {
			if err := RequireField("container_id", p.ContainerID); err != nil {
				return nil, err
			}
			detail, err := t.ts.probes.Inspect(ctx, p.ContainerID)
			if err != nil {
				return nil, fmt.Errorf("inspect %q: %w", p.ContainerID, err)
			}
			return detail, nil
		},
	)
}

// --- list_images ---

type listImagesTool struct {
	ts *ContainerToolset
}

func (t *listImagesTool) Name() string { return "list_images" }
func (t *listImagesTool) Description() string {
	return "List engine images with sizes, largest first."
}

func (t *listImagesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: emptyParamsSchema}
}

type imageListReport struct {
	Images      []ImageSummary `json:"images"`
	TotalCount  int            `json:"total_count"`
	TotalSizeMB float64        `json:"total_size_mb"`
}

func (t *listImagesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_images", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, _ struct{}) (any, error) {
			images, err := t.ts.probes.Images(ctx)
			if err != nil {
				return nil, fmt.Errorf("list images: %w", err)
			}
			sort.Slice(images, func(i, j int) bool { return images[i].SizeBytes > images[j].SizeBytes })
			var total int64
			for _, img := range images {
				total += img.SizeBytes
			}
			return imageListReport{
				Images:      images,
				TotalCount:  len(images),
				TotalSizeMB: mbFromBytes(total),
			}, nil
		},
	)
}

// --- list_volumes ---

type listVolumesTool struct {
	ts *ContainerToolset
}

func (t *listVolumesTool) Name() string { return "list_volumes" }
func (t *listVolumesTool) Description() string {
	return "List engine volumes with driver and mountpoint."
}

func (t *listVolumesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: emptyParamsSchema}
}

type volumeListReport struct {
	Volumes    []VolumeSummary `json:"volumes"`
	TotalCount int             `json:"total_count"`
}

func (t *listVolumesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_volumes", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, _ struct{}) (any, error) {
			volumes, err := t.ts.probes.Volumes(ctx)
			if err != nil {
				return nil, fmt.Errorf("list volumes: %w", err)
			}
			return volumeListReport{Volumes: volumes, TotalCount: len(volumes)}, nil
		},
	)
}

// --- get_docker_disk_usage ---

type engineDiskUsageTool struct {
	ts *ContainerToolset
}

func (t *engineDiskUsageTool) Name() string { return "get_docker_disk_usage" }
func (t *engineDiskUsageTool) Description() string {
	return "Get the engine's disk usage broken down by images, containers, volumes and build cache."
}

func (t *engineDiskUsageTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: emptyParamsSchema}
}

type engineDiskUsageReport struct {
	EngineDiskUsage
	TotalSizeMB        float64   `json:"total_size_mb"`
	TotalReclaimableMB float64   `json:"total_reclaimable_mb"`
	Timestamp          time.Time `json:"timestamp"`
}

func (t *engineDiskUsageTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_docker_disk_usage", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, _ struct{}) (any, error) {
			usage, err := t.ts.probes.DiskUsage(ctx)
			if err != nil {
				return nil, fmt.Errorf("engine disk usage: %w", err)
			}
			return engineDiskUsageReport{
				EngineDiskUsage: usage,
				TotalSizeMB: round2(usage.Images.SizeMB + usage.Containers.SizeMB +
					usage.Volumes.SizeMB + usage.BuildCache.SizeMB),
				TotalReclaimableMB: round2(usage.Images.ReclaimableMB + usage.Containers.ReclaimableMB +
					usage.Volumes.ReclaimableMB + usage.BuildCache.ReclaimableMB),
				Timestamp: time.Now().UTC(),
			}, nil
		},
	)
}

// --- start_container / stop_container / restart_container ---

type lifecycleReport struct {
	ContainerID string `json:"container_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

type startContainerTool struct {
	ts *ContainerToolset
}

func (t *startContainerTool) Name() string { return "start_container" }
func (t *startContainerTool) Description() string {
	return "Start a container by id or name."
}

func (t *startContainerTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"container_id": {
					"type": "string",
					"description": "Container id or name to start"
				}
			},
			"required": ["container_id"]
		}`),
	}
}

func (t *startContainerTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.start_container", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, p containerIDParams) (any, error) {
			if err := RequireField("container_id", p.ContainerID); err != nil {
				return nil, err
			}
			status, err := t.ts.probes.Start(ctx, p.ContainerID)
			if err != nil {
				return nil, fmt.Errorf("start %q: %w", p.ContainerID, err)
			}
			return lifecycleReport{
				ContainerID: p.ContainerID,
				Status:      status,
				Message:     fmt.Sprintf("container %s: %s", p.ContainerID, status),
			}, nil
		},
	)
}

type stopContainerTool struct {
	ts *ContainerToolset
}

func (t *stopContainerTool) Name() string { return "stop_container" }
func (t *stopContainerTool) Description() string {
	return "Stop a container by id or name, with an optional grace timeout."
}

func (t *stopContainerTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: json.RawMessage(containerIDSchema)}
}

func (t *stopContainerTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.stop_container", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, p containerIDParams) (any, error) {
			if err := RequireField("container_id", p.ContainerID); err != nil {
				return nil, err
			}
			timeout, err := lifecycleTimeout(p.Timeout)
			if err != nil {
				return nil, err
			}
			status, err := t.ts.probes.Stop(ctx, p.ContainerID, timeout)
			if err != nil {
				return nil, fmt.Errorf("stop %q: %w", p.ContainerID, err)
			}
			return lifecycleReport{
				ContainerID: p.ContainerID,
				Status:      status,
				Message:     fmt.Sprintf("container %s: %s", p.ContainerID, status),
			}, nil
		},
	)
}

type restartContainerTool struct {
	ts *ContainerToolset
}

func (t *restartContainerTool) Name() string { return "restart_container" }
func (t *restartContainerTool) Description() string {
	return "Restart a container by id or name, with an optional grace timeout."
}

func (t *restartContainerTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: json.RawMessage(containerIDSchema)}
}

func (t *restartContainerTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.restart_container", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, p containerIDParams) (any, error) {
			if err := RequireField("container_id", p.ContainerID); err != nil {
				return nil, err
			}
			timeout, err := lifecycleTimeout(p.Timeout)
			if err != nil {
				return nil, err
			}
			status, err := t.ts.probes.Restart(ctx, p.ContainerID, timeout)
			if err != nil {
				return nil, fmt.Errorf("restart %q: %w", p.ContainerID, err)
			}
			return lifecycleReport{
				ContainerID: p.ContainerID,
				Status:      status,
				Message:     fmt.Sprintf("container %s: %s", p.ContainerID, status),
			}, nil
		},
	)
}

// lifecycleTimeout applies the default grace timeout and bounds it.
func lifecycleTimeout(timeout int) (int, error) {
	if timeout == 0 {
		return 10, nil
	}
	if err := ValidateRange("timeout", timeout, 1, 300); err != nil {
		return 0, err
	}
	return timeout, nil
}

// mbFromBytes converts a byte count to megabytes, rounded to two places.
func mbFromBytes(b int64) float64 {
	return round2(float64(b) / 1024 / 1024)
}
