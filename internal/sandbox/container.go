package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/files"
	"github.com/paneld/paneld/internal/metrics"
	"github.com/paneld/paneld/internal/naming"
	"github.com/paneld/paneld/internal/process"
	"github.com/paneld/paneld/internal/supervisor"
)

const (
	labelManagedBy = "managed-by"
	labelValue     = "paneld"
	labelPanelID   = "panel-id"

	appDir = "/app"
)

// Container sandboxes give each panel its own container. The panel directory
// is bind-mounted at /app and only the panel port is published, on loopback.
type Container struct {
	cfg   ContainerConfig
	cli   *client.Client
	files *files.Gateway
	log   *zap.Logger
}

var _ Sandbox = (*Container)(nil)

func NewContainer(ctx context.Context, cfg ContainerConfig, gateway *files.Gateway, logger *zap.Logger) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 30 * time.Second
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = 5 * time.Second
	}
	if cfg.DockerBin == "" {
		cfg.DockerBin = "docker"
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.EngineTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &Container{cfg: cfg, cli: cli, files: gateway, log: logger}, nil
}

func (c *Container) Tier() Tier { return TierContainer }

func (c *Container) engineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.EngineTimeout)
}

// engineErr classifies a container engine failure.
func engineErr(op string, err error) error {
	switch {
	case cerrdefs.IsNotFound(err):
		return errkind.Wrap(errkind.NotFound, fmt.Errorf("%s: %w", op, err))
	case cerrdefs.IsResourceExhausted(err):
		return errkind.Wrap(errkind.Exhausted, fmt.Errorf("%s: %w", op, err))
	case errors.Is(err, context.DeadlineExceeded), cerrdefs.IsDeadlineExceeded(err):
		return errkind.Wrap(errkind.Timeout, fmt.Errorf("%s: %w", op, err))
	default:
		return errkind.Wrap(errkind.Upstream, fmt.Errorf("%s: %w", op, err))
	}
}

// state returns (exists, running).
func (c *Container) state(ctx context.Context, panelID string) (bool, bool, error) {
	if err := naming.Validate(panelID); err != nil {
		return false, false, err
	}
	ctx, cancel := c.engineCtx(ctx)
	defer cancel()
	info, err := c.cli.ContainerInspect(ctx, naming.ContainerName(panelID))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, false, nil
		}
		return false, false, engineErr("container inspect", err)
	}
	running := info.State != nil && info.State.Running
	return true, running, nil
}

func (c *Container) Exists(ctx context.Context, panelID string) (bool, error) {
	exists, _, err := c.state(ctx, panelID)
	return exists, err
}

func (c *Container) Running(ctx context.Context, panelID string) (bool, error) {
	_, running, err := c.state(ctx, panelID)
	return running, err
}

// containerSpec builds the create request for a panel.
func (c *Container) containerSpec(panelID string, port int, root string) (*container.Config, *container.HostConfig) {
	portKey := nat.Port(strconv.Itoa(port) + "/tcp")
	pidsLimit := c.cfg.PidsLimit

	cfg := &container.Config{
		Image:      c.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: appDir,
		Env: []string{
			"PORT=" + strconv.Itoa(port),
			"HOME=/tmp",
			"TERM=xterm-256color",
		},
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
		Labels: map[string]string{
			labelManagedBy: labelValue,
			labelPanelID:   panelID,
		},
	}
	hostCfg := &container.HostConfig{
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		NetworkMode:    container.NetworkMode(c.cfg.NetworkMode),
		ReadonlyRootfs: c.cfg.ReadOnlyRootfs,
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}},
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: root,
			Target: appDir,
		}},
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,nodev,size=" + c.cfg.TmpfsSize,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:    c.cfg.MemoryLimit,
			NanoCPUs:  c.cfg.NanoCPUs,
			PidsLimit: &pidsLimit,
		},
	}
	return cfg, hostCfg
}

func (c *Container) Create(ctx context.Context, panelID string, port int) error {
	root, err := c.files.EnsureRoot(panelID)
	if err != nil {
		return err
	}
	cfg, hostCfg := c.containerSpec(panelID, port, root)

	ctx, cancel := c.engineCtx(ctx)
	defer cancel()
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, naming.ContainerName(panelID))
	if err != nil {
		return engineErr("container create", err)
	}
	for _, w := range resp.Warnings {
		c.log.Warn("container create warning", zap.String("panel_id", panelID), zap.String("warning", w))
	}
	c.log.Info("container created",
		zap.String("panel_id", panelID),
		zap.String("container_id", naming.ShortID(resp.ID)),
		zap.Int("port", port))
	return nil
}

func (c *Container) Start(ctx context.Context, panelID string) error {
	ctx, cancel := c.engineCtx(ctx)
	defer cancel()
	if err := c.cli.ContainerStart(ctx, naming.ContainerName(panelID), container.StartOptions{}); err != nil {
		return engineErr("container start", err)
	}
	return nil
}

// Destroy removes the container and the panel directory.
func (c *Container) Destroy(ctx context.Context, panelID string) error {
	if err := naming.Validate(panelID); err != nil {
		return err
	}
	rctx, cancel := c.engineCtx(ctx)
	defer cancel()
	err := c.cli.ContainerRemove(rctx, naming.ContainerName(panelID), container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return engineErr("container remove", err)
	}
	return c.files.RemoveRoot(panelID)
}

// Usage samples engine statistics. The engine reports two samples; CPU is the
// delta between them scaled by the number of online CPUs.
func (c *Container) Usage(ctx context.Context, panelID string) (*Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatsTimeout)
	defer cancel()
	resp, err := c.cli.ContainerStats(ctx, naming.ContainerName(panelID), false)
	if err != nil {
		return nil, engineErr("container stats", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		if ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.Timeout, ctx.Err())
		}
		return nil, errkind.Wrap(errkind.Upstream, fmt.Errorf("decode stats: %w", err))
	}
	return computeUsage(&stats), nil
}

func computeUsage(s *container.StatsResponse) *Usage {
	u := &Usage{}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	if cpuDelta > 0 && sysDelta > 0 {
		u.CPUPercent = cpuDelta / sysDelta * online * 100
	}

	// Page cache is reclaimable, so it is not counted against the panel.
	mem := s.MemoryStats.Usage
	for _, key := range []string{"inactive_file", "total_inactive_file"} {
		if v, ok := s.MemoryStats.Stats[key]; ok && v < mem {
			mem -= v
			break
		}
	}
	u.MemoryBytes = mem
	u.MemoryLimit = s.MemoryStats.Limit
	if u.MemoryLimit > 0 {
		u.MemoryPercent = float64(mem) / float64(u.MemoryLimit) * 100
	}
	return u
}

func (c *Container) Boundary(panelID string) supervisor.Boundary {
	return containerBoundary{
		docker: c.cfg.DockerBin,
		name:   naming.ContainerName(panelID),
		root:   c.files.Root(panelID),
	}
}

func (c *Container) Shell(panelID string) (process.Invocation, error) {
	if err := naming.Validate(panelID); err != nil {
		return process.Invocation{}, err
	}
	return process.Invocation{
		Argv:    []string{c.cfg.DockerBin, "exec", "-it", "-w", appDir, naming.ContainerName(panelID), "/bin/sh"},
		Inherit: process.EngineEnv,
	}, nil
}

func (c *Container) listManaged(ctx context.Context) (map[string]string, error) {
	ctx, cancel := c.engineCtx(ctx)
	defer cancel()
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, engineErr("container list", err)
	}
	out := make(map[string]string, len(containers))
	for _, ctr := range containers {
		if id := ctr.Labels[labelPanelID]; id != "" {
			out[id] = ctr.ID
		}
	}
	return out, nil
}

func (c *Container) List(ctx context.Context) ([]string, error) {
	managed, err := c.listManaged(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(managed))
	for id := range managed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// CleanOrphans removes managed containers whose panel fails keep. It returns
// the panel IDs that were removed.
func (c *Container) CleanOrphans(ctx context.Context, keep func(panelID string) bool) ([]string, error) {
	managed, err := c.listManaged(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for panelID, id := range managed {
		if keep(panelID) {
			continue
		}
		c.log.Info("cleaning orphan container", zap.String("panel_id", panelID), zap.String("container_id", naming.ShortID(id)))
		rctx, cancel := c.engineCtx(ctx)
		err := c.cli.ContainerRemove(rctx, id, container.RemoveOptions{Force: true})
		cancel()
		if err != nil && !cerrdefs.IsNotFound(err) {
			c.log.Warn("failed to remove orphan container", zap.String("panel_id", panelID), zap.Error(err))
			continue
		}
		metrics.LifecycleOps.WithLabelValues("orphan_cleanup", string(TierContainer), "ok").Inc()
		removed = append(removed, panelID)
	}
	sort.Strings(removed)
	return removed, nil
}

func (c *Container) Close() error {
	return c.cli.Close()
}

// containerBoundary runs commands through `docker exec` in /app.
type containerBoundary struct {
	docker string
	name   string
	root   string
}

func (b containerBoundary) Root() string    { return b.root }
func (b containerBoundary) Workdir() string { return appDir }

func (b containerBoundary) execArgs(env []string) []string {
	args := []string{b.docker, "exec", "-w", appDir}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	return append(args, b.name)
}

func (b containerBoundary) Command(argv, env []string) process.Invocation {
	return process.Invocation{Argv: append(b.execArgs(env), argv...), Inherit: process.EngineEnv}
}

// Daemon records the in-container PID so that cleanup can signal the real
// process; killing the local `docker exec` client does not reach it.
func (b containerBoundary) Daemon(name string, argv, env []string) (process.Invocation, *process.Invocation) {
	pidFile := "/tmp/" + name + ".pid"
	run := append(b.execArgs(env), "sh", "-c", `echo $$ > "$0"; exec "$@"`, pidFile)
	run = append(run, argv...)

	kill := `pid=$(cat "$0" 2>/dev/null) || exit 0
kill -TERM "$pid" 2>/dev/null
for i in 1 2 3 4 5; do kill -0 "$pid" 2>/dev/null || break; sleep 1; done
kill -KILL "$pid" 2>/dev/null
rm -f "$0"`
	cleanup := process.Invocation{Argv: []string{b.docker, "exec", b.name, "sh", "-c", kill, pidFile}, Inherit: process.EngineEnv}
	return process.Invocation{Argv: run, Inherit: process.EngineEnv}, &cleanup
}
