package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/files"
	"github.com/paneld/paneld/internal/naming"
	"github.com/paneld/paneld/internal/process"
	"github.com/paneld/paneld/internal/supervisor"
)

// Host sandboxes share the machine. Isolation is path confinement plus the
// command guard. A marker file under markerDir records that a panel has a host
// sandbox, since the panel directory alone may exist before any sandbox does.
type Host struct {
	files     *files.Gateway
	markerDir string
	log       *zap.Logger
}

var _ Sandbox = (*Host)(nil)

func NewHost(gateway *files.Gateway, markerDir string, logger *zap.Logger) (*Host, error) {
	if err := os.MkdirAll(markerDir, 0o755); err != nil {
		return nil, fmt.Errorf("create host marker dir: %w", err)
	}
	return &Host{files: gateway, markerDir: markerDir, log: logger}, nil
}

func (h *Host) Tier() Tier { return TierHost }

func (h *Host) marker(panelID string) string {
	return filepath.Join(h.markerDir, panelID)
}

func (h *Host) Exists(ctx context.Context, panelID string) (bool, error) {
	if err := naming.Validate(panelID); err != nil {
		return false, err
	}
	_, err := os.Stat(h.marker(panelID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (h *Host) Running(ctx context.Context, panelID string) (bool, error) {
	return h.Exists(ctx, panelID)
}

func (h *Host) Create(ctx context.Context, panelID string, port int) error {
	if _, err := h.files.EnsureRoot(panelID); err != nil {
		return err
	}
	if err := os.WriteFile(h.marker(panelID), []byte(fmt.Sprintf("%d\n", port)), 0o644); err != nil {
		return fmt.Errorf("write host marker: %w", err)
	}
	h.log.Info("host sandbox created", zap.String("panel_id", panelID), zap.Int("port", port))
	return nil
}

func (h *Host) Start(ctx context.Context, panelID string) error {
	return nil
}

func (h *Host) Destroy(ctx context.Context, panelID string) error {
	if err := naming.Validate(panelID); err != nil {
		return err
	}
	if err := h.files.RemoveRoot(panelID); err != nil {
		return err
	}
	if err := os.Remove(h.marker(panelID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove host marker: %w", err)
	}
	return nil
}

// Usage is derived from the supervised process by the Manager.
func (h *Host) Usage(ctx context.Context, panelID string) (*Usage, error) {
	return nil, nil
}

func (h *Host) Boundary(panelID string) supervisor.Boundary {
	return hostBoundary{root: h.files.Root(panelID)}
}

func (h *Host) Shell(panelID string) (process.Invocation, error) {
	return process.Invocation{}, errkind.Errorf(errkind.Rejected, "interactive terminals are only available for container panels")
}

func (h *Host) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(h.markerDir)
	if err != nil {
		return nil, fmt.Errorf("list host sandboxes: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || naming.Validate(e.Name()) != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// hostBoundary runs commands directly in the panel directory.
type hostBoundary struct {
	root string
}

func (b hostBoundary) Root() string    { return b.root }
func (b hostBoundary) Workdir() string { return b.root }

func (b hostBoundary) Command(argv, env []string) process.Invocation {
	return process.Invocation{Argv: argv, Dir: b.root, Env: env}
}

func (b hostBoundary) Daemon(name string, argv, env []string) (process.Invocation, *process.Invocation) {
	return process.Invocation{Argv: argv, Dir: b.root, Env: env}, nil
}
