// Package ports owns the persistent panel ID to TCP port table.
package ports

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/metrics"
)

// Store persists the allocation table. Implementations need not be safe for
// concurrent use; the Allocator serializes all calls.
type Store interface {
	Load(ctx context.Context) (map[string]int, error)
	Put(ctx context.Context, panelID string, port int) error
	Delete(ctx context.Context, panelID string) error
}

// Allocator assigns ports from [Min, Max] to panels. It is the only writer of
// the table: every mutation is persisted before it becomes visible.
type Allocator struct {
	min, max int
	store    Store
	log      *zap.Logger

	mu      sync.Mutex
	byPanel map[string]int
	byPort  map[int]string
}

// NewAllocator loads the persisted table and returns an allocator over the
// inclusive range [min, max].
func NewAllocator(ctx context.Context, store Store, min, max int, logger *zap.Logger) (*Allocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d: %w", min, max, errkind.Invalid)
	}
	table, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load port table: %w", err)
	}
	a := &Allocator{
		min:     min,
		max:     max,
		store:   store,
		log:     logger,
		byPanel: make(map[string]int, len(table)),
		byPort:  make(map[int]string, len(table)),
	}
	for panelID, port := range table {
		if owner, dup := a.byPort[port]; dup {
			// Keep the first owner; the other panel gets a fresh port on its next ensure.
			logger.Warn("duplicate port in persisted table",
				zap.Int("port", port), zap.String("panel_id", panelID), zap.String("owner", owner))
			continue
		}
		if port < min || port > max {
			logger.Warn("persisted port outside configured range",
				zap.Int("port", port), zap.String("panel_id", panelID))
		}
		a.byPanel[panelID] = port
		a.byPort[port] = panelID
	}
	metrics.PortsAllocated.Set(float64(len(a.byPanel)))
	return a, nil
}

// Allocate returns the panel's port, assigning the lowest free port in range
// when it has none.
func (a *Allocator) Allocate(ctx context.Context, panelID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byPanel[panelID]; ok {
		return port, nil
	}
	for port := a.min; port <= a.max; port++ {
		if _, used := a.byPort[port]; used {
			continue
		}
		if err := a.store.Put(ctx, panelID, port); err != nil {
			return 0, fmt.Errorf("persist port %d for %s: %w", port, panelID, err)
		}
		a.byPanel[panelID] = port
		a.byPort[port] = panelID
		metrics.PortsAllocated.Set(float64(len(a.byPanel)))
		a.log.Debug("port allocated", zap.String("panel_id", panelID), zap.Int("port", port))
		return port, nil
	}
	return 0, errkind.Errorf(errkind.Exhausted, "no free port in range %d-%d", a.min, a.max)
}

// Release removes the panel's mapping. Releasing an unassigned panel is a no-op.
func (a *Allocator) Release(ctx context.Context, panelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byPanel[panelID]
	if !ok {
		return nil
	}
	if err := a.store.Delete(ctx, panelID); err != nil {
		return fmt.Errorf("persist release of %s: %w", panelID, err)
	}
	delete(a.byPanel, panelID)
	delete(a.byPort, port)
	metrics.PortsAllocated.Set(float64(len(a.byPanel)))
	a.log.Debug("port released", zap.String("panel_id", panelID), zap.Int("port", port))
	return nil
}

// Lookup returns the panel's port without assigning one.
func (a *Allocator) Lookup(panelID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byPanel[panelID]
	return port, ok
}

// Panels returns the IDs that currently hold a port, sorted.
func (a *Allocator) Panels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.byPanel))
	for id := range a.byPanel {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the table.
func (a *Allocator) Snapshot() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.byPanel))
	for id, port := range a.byPanel {
		out[id] = port
	}
	return out
}

// Range returns the configured inclusive port range.
func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}
