package sandbox

import (
	"reflect"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

func TestComputeUsage(t *testing.T) {
	var s container.StatsResponse
	s.CPUStats.CPUUsage.TotalUsage = 300
	s.PreCPUStats.CPUUsage.TotalUsage = 100
	s.CPUStats.SystemUsage = 2000
	s.PreCPUStats.SystemUsage = 1000
	s.CPUStats.OnlineCPUs = 2
	s.MemoryStats.Usage = 100 << 20
	s.MemoryStats.Limit = 512 << 20
	s.MemoryStats.Stats = map[string]uint64{"inactive_file": 36 << 20}

	u := computeUsage(&s)
	if u.CPUPercent != 40 {
		t.Errorf("CPUPercent = %v, want 40", u.CPUPercent)
	}
	if u.MemoryBytes != 64<<20 {
		t.Errorf("MemoryBytes = %d", u.MemoryBytes)
	}
	if u.MemoryPercent != 12.5 {
		t.Errorf("MemoryPercent = %v", u.MemoryPercent)
	}
}

func TestComputeUsageFirstSample(t *testing.T) {
	var s container.StatsResponse
	s.MemoryStats.Usage = 10
	u := computeUsage(&s)
	if u.CPUPercent != 0 || u.MemoryBytes != 10 || u.MemoryPercent != 0 {
		t.Errorf("unexpected usage %+v", u)
	}
}

func TestContainerSpec(t *testing.T) {
	c := &Container{cfg: ContainerConfig{
		Image:       "paneld-runtime:test",
		MemoryLimit: 256 << 20,
		NanoCPUs:    500_000_000,
		PidsLimit:   64,
		NetworkMode: "bridge",
		TmpfsSize:   "32m",
	}}
	cfg, host := c.containerSpec("p1", 4001, "/srv/panels/p1")

	if cfg.Image != "paneld-runtime:test" || cfg.WorkingDir != appDir {
		t.Errorf("image %s workdir %s", cfg.Image, cfg.WorkingDir)
	}
	if cfg.Labels[labelManagedBy] != labelValue || cfg.Labels[labelPanelID] != "p1" {
		t.Errorf("labels %v", cfg.Labels)
	}
	if _, ok := cfg.ExposedPorts[nat.Port("4001/tcp")]; !ok {
		t.Errorf("port not exposed: %v", cfg.ExposedPorts)
	}
	bindings := host.PortBindings[nat.Port("4001/tcp")]
	if len(bindings) != 1 || bindings[0].HostIP != "127.0.0.1" || bindings[0].HostPort != "4001" {
		t.Errorf("bindings %v", bindings)
	}
	if !reflect.DeepEqual([]string(host.CapDrop), []string{"ALL"}) {
		t.Errorf("CapDrop %v", host.CapDrop)
	}
	if host.Memory != 256<<20 || host.NanoCPUs != 500_000_000 || *host.PidsLimit != 64 {
		t.Errorf("resources %+v", host.Resources)
	}
	if len(host.Mounts) != 1 || host.Mounts[0].Source != "/srv/panels/p1" || host.Mounts[0].Target != appDir {
		t.Errorf("mounts %v", host.Mounts)
	}
	if !strings.Contains(host.Tmpfs["/tmp"], "size=32m") {
		t.Errorf("tmpfs %v", host.Tmpfs)
	}
}

func TestContainerBoundary(t *testing.T) {
	b := containerBoundary{docker: "docker", name: "paneld-p1", root: "/srv/panels/p1"}

	inv := b.Command([]string{"npm", "install"}, []string{"PORT=4000"})
	want := []string{"docker", "exec", "-w", appDir, "-e", "PORT=4000", "paneld-p1", "npm", "install"}
	if !reflect.DeepEqual(inv.Argv, want) {
		t.Errorf("Command argv = %v", inv.Argv)
	}

	run, cleanup := b.Daemon("panel-p1", []string{"node", "index.js"}, nil)
	if cleanup == nil {
		t.Fatal("container daemon needs a cleanup step")
	}
	if run.Argv[len(run.Argv)-2] != "node" || run.Argv[len(run.Argv)-3] != "/tmp/panel-p1.pid" {
		t.Errorf("run argv = %v", run.Argv)
	}
	if cleanup.Argv[len(cleanup.Argv)-1] != "/tmp/panel-p1.pid" {
		t.Errorf("cleanup argv = %v", cleanup.Argv)
	}
}
