package sandbox

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Watcher periodically re-reads every known panel, records state changes that
// happened outside the API (a crashed process, a container stopped by hand)
// and releases ports whose sandbox has vanished.
type Watcher struct {
	mgr      *Manager
	interval time.Duration
	limit    int
	stop     chan struct{}
	done     chan struct{}
}

func NewWatcher(mgr *Manager, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{
		mgr:      mgr,
		interval: interval,
		limit:    8,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call Stop to terminate.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop terminates the loop and waits for an in-flight sweep.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			w.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep checks every panel that holds a port or has a recorded state.
func (w *Watcher) Sweep(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.limit)
	for _, panelID := range w.mgr.knownPanels() {
		g.Go(func() error {
			w.check(ctx, panelID)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Watcher) check(ctx context.Context, panelID string) {
	log := w.mgr.log.With(zap.String("panel_id", panelID))
	st, err := w.mgr.Status(ctx, panelID)
	if err != nil {
		log.Warn("watcher: status failed", zap.Error(err))
		return
	}
	if !st.Exists {
		if _, held := w.mgr.ports.Lookup(panelID); held {
			w.mgr.reclaim(ctx, panelID)
		} else {
			w.mgr.mu.Lock()
			delete(w.mgr.states, panelID)
			w.mgr.mu.Unlock()
		}
		return
	}
	if prev := w.mgr.currentState(panelID); prev != st.State {
		log.Info("watcher: state changed", zap.String("from", string(prev)), zap.String("to", string(st.State)))
		w.mgr.transition(ctx, panelID, st.Tier, st.State, st.Port)
	}
}

func (m *Manager) knownPanels() []string {
	seen := make(map[string]struct{})
	for _, id := range m.ports.Panels() {
		seen[id] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.states {
		seen[id] = struct{}{}
	}
	m.mu.Unlock()
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// reclaim releases the port of a panel whose sandbox disappeared. It re-checks
// under the panel lock so it never races a concurrent create.
func (m *Manager) reclaim(ctx context.Context, panelID string) {
	unlock := m.lock(panelID)
	defer unlock()

	sb, err := m.resolve(ctx, panelID)
	if err != nil || sb != nil {
		return
	}
	if _, held := m.ports.Lookup(panelID); !held {
		return
	}
	if err := m.ports.Release(ctx, panelID); err != nil {
		m.log.Error("failed to release port of vanished sandbox", zap.String("panel_id", panelID), zap.Error(err))
		return
	}
	m.log.Warn("sandbox vanished, port released", zap.String("panel_id", panelID))
	m.transition(ctx, panelID, "", StateDestroyed, 0)
}
