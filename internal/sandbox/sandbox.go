// Package sandbox owns each panel's isolation boundary. A panel lives in
// exactly one tier: Host (a directory on the shared machine) or Container (a
// resource-limited container with the panel directory mounted at /app).
package sandbox

import (
	"context"
	"strings"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/process"
	"github.com/paneld/paneld/internal/supervisor"
)

// Tier is an isolation level.
type Tier string

const (
	TierHost      Tier = "host"
	TierContainer Tier = "container"
)

// ParseTier accepts "host" or "container". An empty string yields "".
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case TierHost:
		return TierHost, nil
	case TierContainer:
		return TierContainer, nil
	default:
		return "", errkind.Errorf(errkind.Invalid, "unknown tier %q", s)
	}
}

// Usage is a resource snapshot.
type Usage struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryBytes   uint64  `json:"memoryBytes"`
	MemoryLimit   uint64  `json:"memoryLimit,omitempty"`
	MemoryPercent float64 `json:"memoryPercent,omitempty"`
}

// Sandbox is one tier's implementation. Destroy must succeed when there is
// nothing to destroy.
type Sandbox interface {
	Tier() Tier
	Exists(ctx context.Context, panelID string) (bool, error)
	// Running reports whether the boundary itself is up. Host sandboxes are
	// always up once they exist.
	Running(ctx context.Context, panelID string) (bool, error)
	Create(ctx context.Context, panelID string, port int) error
	Start(ctx context.Context, panelID string) error
	Destroy(ctx context.Context, panelID string) error
	// Usage returns nil when the tier has no boundary-level statistics.
	Usage(ctx context.Context, panelID string) (*Usage, error)
	Boundary(panelID string) supervisor.Boundary
	// Shell is the interactive shell for a terminal session.
	Shell(panelID string) (process.Invocation, error)
	// List returns the panels that have a sandbox in this tier.
	List(ctx context.Context) ([]string, error)
}
