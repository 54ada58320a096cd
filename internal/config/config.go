// Package config holds paneld server settings. Defaults come from the
// environment; cobra flags on `serve` override them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	ListenPort int
	Secret     string

	DataDir     string // panels/, markers/ and ports.json live here
	PortMin     int
	PortMax     int
	DatabaseURL string // optional; replaces ports.json and enables status reports

	DefaultTier      string
	ContainerEnabled bool
	Driver           string // "local" or "pm2"
	PM2Bin           string
	PolicyPath       string // empty means the built-in policy

	ExecTimeout    time.Duration
	InstallTimeout time.Duration
	WatchInterval  time.Duration
	MaxFileSize    int64

	LogFormat string // "json" or "console"
	LogLevel  string
}

// DefaultConfig returns a Config populated from environment variables with
// sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenPort:       envIntOrDefault("PANELD_PORT", 8080),
		Secret:           os.Getenv("PANELD_SECRET"),
		DataDir:          envOrDefault("PANELD_DATA_DIR", "/var/lib/paneld"),
		PortMin:          envIntOrDefault("PANELD_PORT_MIN", 4000),
		PortMax:          envIntOrDefault("PANELD_PORT_MAX", 5000),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DefaultTier:      envOrDefault("PANELD_DEFAULT_TIER", "host"),
		ContainerEnabled: os.Getenv("PANELD_CONTAINERS") == "true",
		Driver:           envOrDefault("PANELD_DRIVER", "local"),
		PM2Bin:           envOrDefault("PANELD_PM2_BIN", "pm2"),
		PolicyPath:       os.Getenv("PANELD_POLICY"),
		ExecTimeout:      envDurationOrDefault("PANELD_EXEC_TIMEOUT", 30*time.Second),
		InstallTimeout:   envDurationOrDefault("PANELD_INSTALL_TIMEOUT", 5*time.Minute),
		WatchInterval:    envDurationOrDefault("PANELD_WATCH_INTERVAL", time.Minute),
		MaxFileSize:      envInt64OrDefault("PANELD_MAX_FILE_SIZE", 5<<20),
		LogFormat:        envOrDefault("PANELD_LOG_FORMAT", "json"),
		LogLevel:         envOrDefault("PANELD_LOG_LEVEL", "info"),
	}
}

func (c Config) PanelsDir() string  { return filepath.Join(c.DataDir, "panels") }
func (c Config) MarkersDir() string { return filepath.Join(c.DataDir, "markers") }
func (c Config) PortsFile() string  { return filepath.Join(c.DataDir, "ports.json") }

// Validate checks settings that would otherwise fail late or silently.
func (c Config) Validate() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, errors.New("a shared secret is required (--secret or PANELD_SECRET)"))
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen port %d out of range", c.ListenPort))
	}
	if c.PortMin <= 0 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		errs = append(errs, fmt.Errorf("invalid panel port range %d-%d", c.PortMin, c.PortMax))
	} else if c.ListenPort >= c.PortMin && c.ListenPort <= c.PortMax {
		errs = append(errs, fmt.Errorf("listen port %d is inside the panel port range %d-%d", c.ListenPort, c.PortMin, c.PortMax))
	}
	switch c.DefaultTier {
	case "host":
	case "container":
		if !c.ContainerEnabled {
			errs = append(errs, errors.New("default tier is container but containers are disabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown default tier %q", c.DefaultTier))
	}
	switch c.Driver {
	case "local", "pm2":
	default:
		errs = append(errs, fmt.Errorf("unknown process driver %q", c.Driver))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
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

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return def
}
