package sandbox

import (
	"os"
	"strconv"
	"time"
)

// ContainerConfig holds the container tier's resource ceilings and engine
// settings.
type ContainerConfig struct {
	Image          string
	MemoryLimit    int64 // bytes
	NanoCPUs       int64 // 1e9 = one CPU
	PidsLimit      int64
	NetworkMode    string
	ReadOnlyRootfs bool
	TmpfsSize      string
	DockerBin      string        // CLI used for exec sessions
	EngineTimeout  time.Duration // per engine API call
	StatsTimeout   time.Duration
}

// DefaultContainerConfig returns a ContainerConfig populated from environment
// variables with sensible defaults.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		Image:          envOrDefault("PANELD_IMAGE", "paneld-runtime:latest"),
		MemoryLimit:    envInt64OrDefault("PANELD_MEMORY_LIMIT", 512*1024*1024), // 512MB
		NanoCPUs:       envInt64OrDefault("PANELD_NANO_CPUS", 500_000_000),      // half a CPU
		PidsLimit:      envInt64OrDefault("PANELD_PIDS_LIMIT", 128),
		NetworkMode:    envOrDefault("PANELD_NETWORK_MODE", "bridge"),
		ReadOnlyRootfs: os.Getenv("PANELD_READONLY_ROOTFS") == "true",
		TmpfsSize:      envOrDefault("PANELD_TMPFS_SIZE", "64m"),
		DockerBin:      envOrDefault("PANELD_DOCKER_BIN", "docker"),
		EngineTimeout:  30 * time.Second,
		StatsTimeout:   5 * time.Second,
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}
