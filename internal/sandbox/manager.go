package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/metrics"
	"github.com/paneld/paneld/internal/naming"
	"github.com/paneld/paneld/internal/process"
	"github.com/paneld/paneld/internal/supervisor"
)

// ensureTimeout bounds a shared Ensure run. Each engine call inside it has
// its own shorter timeout.
const ensureTimeout = 2 * time.Minute

// PortAllocator is the subset of ports.Allocator the manager uses.
type PortAllocator interface {
	Allocate(ctx context.Context, panelID string) (int, error)
	Release(ctx context.Context, panelID string) error
	Lookup(panelID string) (int, bool)
	Panels() []string
}

// Processes is the subset of supervisor.Adapter the manager uses.
type Processes interface {
	Start(ctx context.Context, b supervisor.Boundary, panelID, language, entryPoint string, opts supervisor.StartOptions) (*supervisor.Info, error)
	Stop(ctx context.Context, panelID string) error
	Restart(ctx context.Context, panelID string) (*supervisor.Info, error)
	Delete(ctx context.Context, panelID string) error
	Status(ctx context.Context, panelID string) (*supervisor.Info, error)
}

// TerminalCloser closes a panel's interactive sessions.
type TerminalCloser interface {
	CloseSessions(panelID string) int
}

// StatusReporter receives every observed panel state. db.DB implements it.
type StatusReporter interface {
	ReportStatus(ctx context.Context, panelID, tier, state string, port int) error
}

type orphanCleaner interface {
	CleanOrphans(ctx context.Context, keep func(panelID string) bool) ([]string, error)
}

// Options configures a Manager. Container may be nil when the container tier
// is disabled; Reporter may be nil.
type Options struct {
	Host        Sandbox
	Container   Sandbox
	Ports       PortAllocator
	Processes   Processes
	Reporter    StatusReporter
	DefaultTier Tier
	Logger      *zap.Logger
}

// Descriptor identifies an ensured sandbox.
type Descriptor struct {
	PanelID string `json:"panelId"`
	Tier    Tier   `json:"tier"`
	Port    int    `json:"port"`
	State   State  `json:"state"`
	Created bool   `json:"created"`
}

// Status is the combined view of a panel's sandbox and process.
type Status struct {
	PanelID string           `json:"panelId"`
	Exists  bool             `json:"exists"`
	Running bool             `json:"running"`
	State   State            `json:"state"`
	Tier    Tier             `json:"tier,omitempty"`
	Port    int              `json:"port,omitempty"`
	Usage   *Usage           `json:"usage,omitempty"`
	Process *supervisor.Info `json:"process,omitempty"`
}

// StartRequest describes what to run in a panel.
type StartRequest struct {
	Tier         Tier
	Language     string
	EntryPoint   string
	ForceInstall bool
	Env          map[string]string
}

type panelLock struct {
	mu   sync.Mutex
	refs int
}

// Manager serializes lifecycle mutations per panel and ties sandboxes, ports
// and supervised processes together.
type Manager struct {
	host        Sandbox
	container   Sandbox
	ports       PortAllocator
	procs       Processes
	reporter    StatusReporter
	defaultTier Tier
	log         *zap.Logger

	flight singleflight.Group

	mu        sync.Mutex
	locks     map[string]*panelLock
	tiers     map[string]Tier
	states    map[string]State
	terminals TerminalCloser
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Host == nil || opts.Ports == nil || opts.Processes == nil {
		return nil, errors.New("sandbox manager needs a host sandbox, a port allocator and a process adapter")
	}
	if opts.DefaultTier == "" {
		opts.DefaultTier = TierHost
	}
	if opts.DefaultTier == TierContainer && opts.Container == nil {
		return nil, errkind.Errorf(errkind.Invalid, "default tier is container but the container tier is disabled")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		host:        opts.Host,
		container:   opts.Container,
		ports:       opts.Ports,
		procs:       opts.Processes,
		reporter:    opts.Reporter,
		defaultTier: opts.DefaultTier,
		log:         logger,
		locks:       make(map[string]*panelLock),
		tiers:       make(map[string]Tier),
		states:      make(map[string]State),
	}, nil
}

// SetTerminals registers the terminal registry closed on Destroy.
func (m *Manager) SetTerminals(tc TerminalCloser) {
	m.mu.Lock()
	m.terminals = tc
	m.mu.Unlock()
}

// ContainerEnabled reports whether the container tier is available.
func (m *Manager) ContainerEnabled() bool {
	return m.container != nil
}

// lock acquires the panel's lifecycle lock and returns its release func.
func (m *Manager) lock(panelID string) func() {
	m.mu.Lock()
	l, ok := m.locks[panelID]
	if !ok {
		l = &panelLock{}
		m.locks[panelID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, panelID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) sandboxFor(tier Tier) (Sandbox, error) {
	switch tier {
	case TierHost:
		return m.host, nil
	case TierContainer:
		if m.container == nil {
			return nil, errkind.Errorf(errkind.Rejected, "container tier is not enabled")
		}
		return m.container, nil
	default:
		return nil, errkind.Errorf(errkind.Invalid, "unknown tier %q", tier)
	}
}

func (m *Manager) sandboxes() []Sandbox {
	if m.container != nil {
		return []Sandbox{m.container, m.host}
	}
	return []Sandbox{m.host}
}

// resolve finds the sandbox that holds panelID, or nil when there is none.
func (m *Manager) resolve(ctx context.Context, panelID string) (Sandbox, error) {
	m.mu.Lock()
	cached, ok := m.tiers[panelID]
	m.mu.Unlock()
	if ok {
		if sb, err := m.sandboxFor(cached); err == nil {
			exists, err := sb.Exists(ctx, panelID)
			if err != nil {
				return nil, err
			}
			if exists {
				return sb, nil
			}
		}
		m.forgetTier(panelID)
	}
	for _, sb := range m.sandboxes() {
		exists, err := sb.Exists(ctx, panelID)
		if err != nil {
			return nil, err
		}
		if exists {
			m.mu.Lock()
			m.tiers[panelID] = sb.Tier()
			m.mu.Unlock()
			return sb, nil
		}
	}
	return nil, nil
}

func (m *Manager) forgetTier(panelID string) {
	m.mu.Lock()
	delete(m.tiers, panelID)
	m.mu.Unlock()
}

// transition records a new observed state, logs transitions the lifecycle does
// not allow, and reports the state.
func (m *Manager) transition(ctx context.Context, panelID string, tier Tier, to State, port int) {
	m.mu.Lock()
	from, ok := m.states[panelID]
	if !ok {
		from = StateAbsent
	}
	if to == StateAbsent || to == StateDestroyed {
		delete(m.states, panelID)
	} else {
		m.states[panelID] = to
	}
	m.mu.Unlock()

	// Panels found on disk or in the engine after a restart have no record yet.
	if ok && !ValidTransition(from, to) {
		m.log.Warn("unexpected state transition",
			zap.String("panel_id", panelID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	if from == to || m.reporter == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.reporter.ReportStatus(rctx, panelID, string(tier), string(to), port); err != nil {
		m.log.Warn("failed to report panel status", zap.String("panel_id", panelID), zap.Error(err))
	}
}

func observe(action string, tier Tier, err error) {
	metrics.LifecycleOps.WithLabelValues(action, string(tier), metrics.Result(err)).Inc()
}

// Ensure makes sure the panel has a running sandbox in tier, creating one when
// needed. Concurrent calls for the same panel and tier share one execution.
func (m *Manager) Ensure(ctx context.Context, panelID string, tier Tier) (*Descriptor, error) {
	if err := naming.Validate(panelID); err != nil {
		return nil, err
	}
	ch := m.flight.DoChan(panelID+"/"+string(tier), func() (any, error) {
		// Joined callers share this run; one of them leaving must not fail the rest.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ensureTimeout)
		defer cancel()
		unlock := m.lock(panelID)
		defer unlock()
		return m.ensureLocked(fctx, panelID, tier)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		d := *res.Val.(*Descriptor)
		return &d, nil
	}
}

func (m *Manager) ensureLocked(ctx context.Context, panelID string, tier Tier) (d *Descriptor, err error) {
	existing, err := m.resolve(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if tier == "" {
		tier = m.defaultTier
		if existing != nil {
			tier = existing.Tier()
		}
	}
	defer func() { observe("ensure", tier, err) }()

	sb, err := m.sandboxFor(tier)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Tier() != tier {
		return nil, errkind.Errorf(errkind.Rejected, "panel %s already exists in the %s tier", panelID, existing.Tier())
	}
	log := m.log.With(zap.String("panel_id", panelID), zap.String("tier", string(tier)))

	_, hadPort := m.ports.Lookup(panelID)
	port, err := m.ports.Allocate(ctx, panelID)
	if err != nil {
		return nil, err
	}

	d = &Descriptor{PanelID: panelID, Tier: tier, Port: port}
	if existing == nil {
		if err := sb.Create(ctx, panelID, port); err != nil {
			if !hadPort {
				if rerr := m.ports.Release(ctx, panelID); rerr != nil {
					log.Error("failed to release port after create failure", zap.Error(rerr))
				}
			}
			log.Error("sandbox creation failed", zap.Error(err))
			return nil, fmt.Errorf("create %s sandbox: %w", tier, err)
		}
		metrics.SandboxesCreated.WithLabelValues(string(tier)).Inc()
		m.mu.Lock()
		m.tiers[panelID] = tier
		m.mu.Unlock()
		m.transition(ctx, panelID, tier, StateCreated, port)
		d.Created = true
		log.Info("sandbox created", zap.Int("port", port))
	}

	running, err := sb.Running(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if !running {
		if err := sb.Start(ctx, panelID); err != nil {
			log.Error("sandbox start failed", zap.Error(err))
			return nil, fmt.Errorf("start %s sandbox: %w", tier, err)
		}
	}

	m.mu.Lock()
	d.State = m.states[panelID]
	m.mu.Unlock()
	if d.State == "" {
		d.State = StateCreated
	}
	return d, nil
}

// Start ensures the sandbox and (re)starts the panel's process.
func (m *Manager) Start(ctx context.Context, panelID string, req StartRequest) (st *Status, err error) {
	if err := naming.Validate(panelID); err != nil {
		return nil, err
	}
	unlock := m.lock(panelID)
	defer unlock()

	d, err := m.ensureLocked(ctx, panelID, req.Tier)
	if err != nil {
		return nil, err
	}
	defer func() { observe("start", d.Tier, err) }()

	sb, err := m.sandboxFor(d.Tier)
	if err != nil {
		return nil, err
	}
	_, err = m.procs.Start(ctx, sb.Boundary(panelID), panelID, req.Language, req.EntryPoint, supervisor.StartOptions{
		Port:         d.Port,
		ForceInstall: req.ForceInstall,
		Env:          req.Env,
	})
	if err != nil {
		return nil, err
	}
	m.transition(ctx, panelID, d.Tier, StateRunning, d.Port)
	return m.Status(ctx, panelID)
}

// Deploy is Start with a forced dependency install.
func (m *Manager) Deploy(ctx context.Context, panelID string, req StartRequest) (*Status, error) {
	req.ForceInstall = true
	return m.Start(ctx, panelID, req)
}

// Stop stops the panel's process and keeps its sandbox. Stopping a panel
// without a sandbox succeeds.
func (m *Manager) Stop(ctx context.Context, panelID string) (st *Status, err error) {
	if err := naming.Validate(panelID); err != nil {
		return nil, err
	}
	unlock := m.lock(panelID)
	defer unlock()

	sb, err := m.resolve(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return &Status{PanelID: panelID, State: StateAbsent}, nil
	}
	defer func() { observe("stop", sb.Tier(), err) }()

	if err := m.procs.Stop(ctx, panelID); err != nil {
		return nil, err
	}
	port, _ := m.ports.Lookup(panelID)
	if m.currentState(panelID) == StateRunning {
		m.transition(ctx, panelID, sb.Tier(), StateStopped, port)
	}
	return m.Status(ctx, panelID)
}

// Restart restarts the panel's process. A panel with no sandbox or no
// process is NotFound.
func (m *Manager) Restart(ctx context.Context, panelID string) (st *Status, err error) {
	if err := naming.Validate(panelID); err != nil {
		return nil, err
	}
	unlock := m.lock(panelID)
	defer unlock()

	sb, err := m.resolve(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return nil, errkind.Errorf(errkind.NotFound, "panel %s has no sandbox", panelID)
	}
	defer func() { observe("restart", sb.Tier(), err) }()

	running, err := sb.Running(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if !running {
		if err := sb.Start(ctx, panelID); err != nil {
			return nil, fmt.Errorf("start %s sandbox: %w", sb.Tier(), err)
		}
	}
	if _, err := m.procs.Restart(ctx, panelID); err != nil {
		return nil, err
	}
	port, _ := m.ports.Lookup(panelID)
	m.transition(ctx, panelID, sb.Tier(), StateRunning, port)
	return m.Status(ctx, panelID)
}

// Destroy closes terminals, deletes the process, tears down every tier's
// sandbox for the panel and releases its port. Destroying a panel that never
// existed succeeds. When teardown fails the port is kept so that a later
// Destroy can finish the job.
func (m *Manager) Destroy(ctx context.Context, panelID string) (err error) {
	if err := naming.Validate(panelID); err != nil {
		return err
	}
	unlock := m.lock(panelID)
	defer unlock()

	var tier Tier
	existing, err := m.resolve(ctx, panelID)
	if err != nil {
		return err
	}
	if existing != nil {
		tier = existing.Tier()
	}
	m.mu.Lock()
	terminals := m.terminals
	m.mu.Unlock()
	defer func() { observe("destroy", tier, err) }()
	log := m.log.With(zap.String("panel_id", panelID))

	if terminals != nil {
		if n := terminals.CloseSessions(panelID); n > 0 {
			log.Info("closed terminal sessions", zap.Int("count", n))
		}
	}
	if err := m.procs.Delete(ctx, panelID); err != nil {
		log.Error("failed to delete process", zap.Error(err))
		return fmt.Errorf("delete process: %w", err)
	}

	var errs []error
	for _, sb := range m.sandboxes() {
		if err := sb.Destroy(ctx, panelID); err != nil {
			log.Error("sandbox teardown failed", zap.String("tier", string(sb.Tier())), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("destroy %s: %w", panelID, errors.Join(errs...))
	}

	if err := m.ports.Release(ctx, panelID); err != nil {
		return err
	}
	m.forgetTier(panelID)
	if existing != nil {
		m.transition(ctx, panelID, tier, StateDestroyed, 0)
		log.Info("panel destroyed")
	}
	return nil
}

func (m *Manager) currentState(panelID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[panelID]; ok {
		return s
	}
	return StateAbsent
}

// Status reads the panel's current state. A panel without a sandbox is
// reported with Exists false rather than an error.
func (m *Manager) Status(ctx context.Context, panelID string) (*Status, error) {
	if err := naming.Validate(panelID); err != nil {
		return nil, err
	}
	st := &Status{PanelID: panelID, State: StateAbsent}
	sb, err := m.resolve(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return st, nil
	}
	st.Exists = true
	st.Tier = sb.Tier()
	st.Port, _ = m.ports.Lookup(panelID)

	info, err := m.procs.Status(ctx, panelID)
	switch {
	case errors.Is(err, errkind.NotFound):
		info = nil
	case err != nil:
		m.log.Warn("process status failed", zap.String("panel_id", panelID), zap.Error(err))
		info = nil
	}
	st.Process = info

	up, err := sb.Running(ctx, panelID)
	if err != nil {
		return nil, err
	}
	st.State = deriveState(up, info)
	st.Running = st.State == StateRunning

	if up {
		usage, err := sb.Usage(ctx, panelID)
		if err != nil {
			m.log.Warn("resource usage unavailable", zap.String("panel_id", panelID), zap.Error(err))
		}
		if usage == nil && info != nil {
			usage = &Usage{CPUPercent: info.CPUPercent, MemoryBytes: info.MemoryBytes}
		}
		st.Usage = usage
	}
	return st, nil
}

func deriveState(boundaryUp bool, info *supervisor.Info) State {
	if !boundaryUp {
		return StateStopped
	}
	if info == nil {
		return StateCreated
	}
	switch info.State {
	case supervisor.StateOnline, supervisor.StateLaunching:
		return StateRunning
	default:
		return StateStopped
	}
}

// CommandTarget returns the boundary a one-shot command for the panel runs
// in. Panels without a sandbox run on the host when their directory exists.
// A stopped container is started first.
func (m *Manager) CommandTarget(ctx context.Context, panelID string, hint Tier) (Tier, supervisor.Boundary, error) {
	if err := naming.Validate(panelID); err != nil {
		return "", nil, err
	}
	sb, err := m.resolve(ctx, panelID)
	if err != nil {
		return "", nil, err
	}
	if sb == nil {
		tier := hint
		if tier == "" {
			tier = m.defaultTier
		}
		if tier == TierContainer {
			return "", nil, errkind.Errorf(errkind.NotFound, "panel %s has no container", panelID)
		}
		b := m.host.Boundary(panelID)
		if _, err := os.Stat(b.Root()); err != nil {
			return "", nil, errkind.Errorf(errkind.NotFound, "panel %s has no files", panelID)
		}
		return TierHost, b, nil
	}
	if hint != "" && hint != sb.Tier() {
		return "", nil, errkind.Errorf(errkind.Rejected, "panel %s lives in the %s tier", panelID, sb.Tier())
	}
	if sb.Tier() == TierContainer {
		running, err := sb.Running(ctx, panelID)
		if err != nil {
			return "", nil, err
		}
		if !running {
			if _, err := m.Ensure(ctx, panelID, TierContainer); err != nil {
				return "", nil, err
			}
		}
	}
	return sb.Tier(), sb.Boundary(panelID), nil
}

// Shell ensures the panel's container and returns its interactive shell.
func (m *Manager) Shell(ctx context.Context, panelID string) (process.Invocation, error) {
	if _, err := m.Ensure(ctx, panelID, TierContainer); err != nil {
		return process.Invocation{}, err
	}
	return m.container.Shell(panelID)
}

// Reconcile runs once at startup: managed containers whose panel holds no
// port are removed.
func (m *Manager) Reconcile(ctx context.Context) error {
	cleaner, ok := m.container.(orphanCleaner)
	if !ok || m.container == nil {
		return nil
	}
	removed, err := cleaner.CleanOrphans(ctx, func(panelID string) bool {
		_, ok := m.ports.Lookup(panelID)
		return ok
	})
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		m.log.Info("removed orphan containers", zap.Strings("panel_ids", removed))
	}
	return nil
}
