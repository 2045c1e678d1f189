package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEngineHost  = "unix:///var/run/docker.sock"
	engineHTTPTimeout  = 30 * time.Second
	engineMaxBodyBytes = 8 << 20
)

// engineClient talks to a container engine's HTTP API, either over the local
// unix socket or a tcp endpoint. Only the fields the toolset reports are
// decoded from the engine's responses.
type engineClient struct {
	base string
	http *http.Client
}

func newEngineClient(host string) *engineClient {
	if host == "" {
		host = defaultEngineHost
	}
	if path, ok := strings.CutPrefix(host, "unix://"); ok {
		return &engineClient{
			// The engine ignores the host header on socket connections;
			// any base works as long as the dialer targets the socket.
			base: "http://engine",
			http: &http.Client{
				Timeout: engineHTTPTimeout,
				Transport: &http.Transport{
					DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
						var d net.Dialer
						return d.DialContext(ctx, "unix", path)
					},
				},
			},
		}
	}
	return &engineClient{
		base: strings.TrimSuffix(host, "/"),
		http: &http.Client{Timeout: engineHTTPTimeout},
	}
}

func (c *engineClient) Info(ctx context.Context) (EngineInfo, error) {
	var info struct {
		ServerVersion     string
		Driver            string
		OperatingSystem   string
		Containers        int
		ContainersRunning int
		ContainersPaused  int
		ContainersStopped int
		Images            int
		NCPU              int
		MemTotal          int64
	}
	if err := c.get(ctx, "/info", &info); err != nil {
		return EngineInfo{}, err
	}
	var version struct {
		APIVersion string `json:"ApiVersion"`
	}
	if err := c.get(ctx, "/version", &version); err != nil {
		return EngineInfo{}, err
	}
	return EngineInfo{
		ServerVersion:     info.ServerVersion,
		APIVersion:        version.APIVersion,
		StorageDriver:     info.Driver,
		OperatingSystem:   info.OperatingSystem,
		ContainersTotal:   info.Containers,
		ContainersRunning: info.ContainersRunning,
		ContainersPaused:  info.ContainersPaused,
		ContainersStopped: info.ContainersStopped,
		ImageCount:        info.Images,
		CPUCount:          info.NCPU,
		MemoryTotalBytes:  info.MemTotal,
	}, nil
}

func (c *engineClient) Containers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	path := "/containers/json"
	if all {
		path += "?all=1"
	}
	var rows []struct {
		ID     string `json:"Id"`
		Names  []string
		Image  string
		State  string
		Status string
	}
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}
	out := make([]ContainerSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, ContainerSummary{
			ID:     shortID(row.ID),
			Name:   containerName(row.Names),
			Image:  row.Image,
			State:  row.State,
			Status: row.Status,
		})
	}
	return out, nil
}

func (c *engineClient) Inspect(ctx context.Context, id string) (ContainerDetail, error) {
	var row struct {
		ID     string `json:"Id"`
		Name   string
		Config struct {
			Image string
			Cmd   []string
		}
		State struct {
			Status     string
			StartedAt  string
			FinishedAt string
			ExitCode   int
		}
		HostConfig struct {
			RestartPolicy struct {
				Name string
			}
		}
		Mounts []struct {
			Source      string
			Destination string
			Type        string
			RW          bool
		}
	}
	if err := c.get(ctx, "/containers/"+url.PathEscape(id)+"/json", &row); err != nil {
		return ContainerDetail{}, err
	}
	mounts := make([]ContainerMount, 0, len(row.Mounts))
	for _, m := range row.Mounts {
		mounts = append(mounts, ContainerMount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        m.Type,
			ReadWrite:   m.RW,
		})
	}
	return ContainerDetail{
		ContainerSummary: ContainerSummary{
			ID:    shortID(row.ID),
			Name:  strings.TrimPrefix(row.Name, "/"),
			Image: row.Config.Image,
			State: row.State.Status,
		},
		Command:       row.Config.Cmd,
		StartedAt:     row.State.StartedAt,
		FinishedAt:    row.State.FinishedAt,
		ExitCode:      row.State.ExitCode,
		RestartPolicy: row.HostConfig.RestartPolicy.Name,
		Mounts:        mounts,
	}, nil
}

func (c *engineClient) Images(ctx context.Context) ([]ImageSummary, error) {
	var rows []struct {
		ID       string `json:"Id"`
		RepoTags []string
		Size     int64
	}
	if err := c.get(ctx, "/images/json", &rows); err != nil {
		return nil, err
	}
	out := make([]ImageSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, ImageSummary{
			ID:        shortID(strings.TrimPrefix(row.ID, "sha256:")),
			Tags:      row.RepoTags,
			SizeBytes: row.Size,
		})
	}
	return out, nil
}

func (c *engineClient) Volumes(ctx context.Context) ([]VolumeSummary, error) {
	var body struct {
		Volumes []struct {
			Name       string
			Driver     string
			Mountpoint string
			CreatedAt  string
		}
	}
	if err := c.get(ctx, "/volumes", &body); err != nil {
		return nil, err
	}
	out := make([]VolumeSummary, 0, len(body.Volumes))
	for _, v := range body.Volumes {
		out = append(out, VolumeSummary{
			Name:       v.Name,
			Driver:     v.Driver,
			Mountpoint: v.Mountpoint,
			CreatedAt:  v.CreatedAt,
		})
	}
	return out, nil
}

func (c *engineClient) DiskUsage(ctx context.Context) (EngineDiskUsage, error) {
	var body struct {
		Images []struct {
			Size       int64
			Containers int64
		}
		Containers []struct {
			SizeRw     int64
			SizeRootFs int64
			State      string
		}
		Volumes []struct {
			UsageData struct {
				Size     int64
				RefCount int64
			}
		}
		BuildCache []struct {
			Size  int64
			InUse bool
		}
	}
	if err := c.get(ctx, "/system/df", &body); err != nil {
		return EngineDiskUsage{}, err
	}

	var usage EngineDiskUsage
	usage.Images.Count = len(body.Images)
	for _, img := range body.Images {
		usage.Images.SizeMB += float64(img.Size)
		if img.Containers == 0 {
			usage.Images.ReclaimableMB += float64(img.Size)
		}
	}
	usage.Containers.Count = len(body.Containers)
	for _, cont := range body.Containers {
		size := float64(cont.SizeRw + cont.SizeRootFs)
		usage.Containers.SizeMB += size
		if cont.State != "running" {
			usage.Containers.ReclaimableMB += size
		}
	}
	usage.Volumes.Count = len(body.Volumes)
	for _, vol := range body.Volumes {
		usage.Volumes.SizeMB += float64(vol.UsageData.Size)
		if vol.UsageData.RefCount == 0 {
			usage.Volumes.ReclaimableMB += float64(vol.UsageData.Size)
		}
	}
	usage.BuildCache.Count = len(body.BuildCache)
	for _, cache := range body.BuildCache {
		usage.BuildCache.SizeMB += float64(cache.Size)
		if !cache.InUse {
			usage.BuildCache.ReclaimableMB += float64(cache.Size)
		}
	}

	for _, bucket := range []*UsageBucket{&usage.Images, &usage.Containers, &usage.Volumes, &usage.BuildCache} {
		bucket.SizeMB = round2(bucket.SizeMB / 1024 / 1024)
		bucket.ReclaimableMB = round2(bucket.ReclaimableMB / 1024 / 1024)
	}
	return usage, nil
}

func (c *engineClient) Start(ctx context.Context, id string) (string, error) {
	return c.lifecycle(ctx, id, "start", "started", "already running", nil)
}

func (c *engineClient) Stop(ctx context.Context, id string, timeout int) (string, error) {
	return c.lifecycle(ctx, id, "stop", "stopped", "already stopped", &timeout)
}

func (c *engineClient) Restart(ctx context.Context, id string, timeout int) (string, error) {
	return c.lifecycle(ctx, id, "restart", "restarted", "restarted", &timeout)
}

// lifecycle posts a container lifecycle operation. The engine answers 204 on
// success and 304 when the container is already in the requested state.
func (c *engineClient) lifecycle(ctx context.Context, id, op, done, unchanged string, timeout *int) (string, error) {
	path := "/containers/" + url.PathEscape(id) + "/" + op
	if timeout != nil {
		path += "?t=" + strconv.Itoa(*timeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return done, nil
	case http.StatusNotModified:
		return unchanged, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("no such container %q", id)
	default:
		return "", fmt.Errorf("engine returned %d for %s", resp.StatusCode, op)
	}
}

func (c *engineClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned %d for %s", resp.StatusCode, path)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, engineMaxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// shortID trims engine ids to the familiar 12-character form.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// containerName picks the primary name from the engine's name list.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
