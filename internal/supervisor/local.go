package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/metrics"
	"github.com/paneld/paneld/internal/ringbuf"
)

// LocalOptions tunes the in-process supervisor.
type LocalOptions struct {
	GracePeriod    time.Duration // between SIGTERM and SIGKILL
	MinBackoff     time.Duration // first crash-restart delay
	MaxBackoff     time.Duration // restart delay ceiling
	StableAfter    time.Duration // a run this long resets the backoff
	MaxRestarts    int           // crashes tolerated within RestartWindow
	RestartWindow  time.Duration
	LogBufferSize  int
	CleanupTimeout time.Duration
}

func DefaultLocalOptions() LocalOptions {
	return LocalOptions{
		GracePeriod:    5 * time.Second,
		MinBackoff:     500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		StableAfter:    30 * time.Second,
		MaxRestarts:    10,
		RestartWindow:  time.Minute,
		LogBufferSize:  256 << 10,
		CleanupTimeout: 10 * time.Second,
	}
}

// Local supervises processes as children of the orchestrator. Each process
// gets its own process group so stopping it also stops anything it spawned.
type Local struct {
	opts LocalOptions
	log  *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

var _ Driver = (*Local)(nil)

type job struct {
	spec   Spec
	stdout *ringbuf.Buffer
	stderr *ringbuf.Buffer

	mu        sync.Mutex
	state     State
	pid       int
	startedAt time.Time
	restarts  int
	crashes   []time.Time
	stop      chan struct{}
	exited    chan struct{}
}

func NewLocal(opts LocalOptions, logger *zap.Logger) *Local {
	def := DefaultLocalOptions()
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = def.GracePeriod
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = def.MinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(def.MaxBackoff, opts.MinBackoff)
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = def.StableAfter
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = def.MaxRestarts
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = def.RestartWindow
	}
	if opts.LogBufferSize <= 0 {
		opts.LogBufferSize = def.LogBufferSize
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = def.CleanupTimeout
	}
	return &Local{opts: opts, log: logger, jobs: make(map[string]*job)}
}

func (l *Local) get(name string) (*job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[name]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "process %s", name)
	}
	return j, nil
}

// Start launches the process and returns once the first launch attempt has
// been made. A process that cannot be launched at all is an error.
func (l *Local) Start(ctx context.Context, spec Spec) error {
	if spec.Name == "" {
		return errkind.Errorf(errkind.Invalid, "process name is required")
	}
	l.mu.Lock()
	if _, exists := l.jobs[spec.Name]; exists {
		l.mu.Unlock()
		return errkind.Errorf(errkind.Invalid, "process %s already exists", spec.Name)
	}
	j := &job{
		spec:   spec,
		stdout: ringbuf.New(l.opts.LogBufferSize),
		stderr: ringbuf.New(l.opts.LogBufferSize),
	}
	l.jobs[spec.Name] = j
	l.mu.Unlock()

	if err := l.launch(j); err != nil {
		l.mu.Lock()
		delete(l.jobs, spec.Name)
		l.mu.Unlock()
		return err
	}
	return nil
}

// launch starts a supervision loop for j and waits for its first attempt.
func (l *Local) launch(j *job) error {
	first := make(chan error, 1)
	j.mu.Lock()
	j.state = StateLaunching
	j.stop = make(chan struct{})
	j.exited = make(chan struct{})
	stop, exited := j.stop, j.exited
	j.crashes = nil
	j.mu.Unlock()

	go l.supervise(j, stop, exited, first)
	return <-first
}

func (l *Local) supervise(j *job, stop <-chan struct{}, exited chan<- struct{}, first chan<- error) {
	defer close(exited)
	log := l.log.With(zap.String("process", j.spec.Name))
	backoff := l.opts.MinBackoff

	for attempt := 0; ; attempt++ {
		cmd, err := j.spec.Run.Command()
		if err == nil {
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			cmd.Stdout = j.stdout
			cmd.Stderr = j.stderr
			err = cmd.Start()
		}
		if err != nil {
			fmt.Fprintf(j.stderr, "[paneld] failed to start: %v\n", err)
			j.setState(StateErrored, 0)
			if attempt == 0 {
				first <- errkind.Wrap(errkind.Upstream, fmt.Errorf("start %s: %w", j.spec.Name, err))
			}
			log.Error("process failed to start", zap.Error(err))
			return
		}

		j.setState(StateOnline, cmd.Process.Pid)
		if attempt == 0 {
			first <- nil
		}
		log.Info("process started", zap.Int("pid", cmd.Process.Pid), zap.Int("attempt", attempt))

		waitCh := make(chan error, 1)
		go func() { waitCh <- cmd.Wait() }()

		var waitErr error
		select {
		case waitErr = <-waitCh:
		case <-stop:
			l.terminate(cmd, waitCh)
			l.cleanup(j)
			j.setState(StateStopped, 0)
			log.Info("process stopped")
			return
		}

		ran := time.Since(j.started())
		l.cleanup(j)
		now := time.Now()
		if j.recordCrash(now, l.opts.RestartWindow) >= l.opts.MaxRestarts {
			j.setState(StateErrored, 0)
			fmt.Fprintf(j.stderr, "[paneld] exited too often, giving up\n")
			log.Warn("process exceeded restart limit", zap.Error(waitErr))
			return
		}
		if ran >= l.opts.StableAfter {
			backoff = l.opts.MinBackoff
		}
		j.setState(StateLaunching, 0)
		log.Warn("process exited, restarting", zap.Error(waitErr), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-stop:
			j.setState(StateStopped, 0)
			return
		}
		backoff = min(backoff*2, l.opts.MaxBackoff)
		j.mu.Lock()
		j.restarts++
		j.mu.Unlock()
		metrics.ProcessRestarts.Inc()
	}
}

// terminate sends SIGTERM to the process group and SIGKILL after the grace
// period.
func (l *Local) terminate(cmd *exec.Cmd, waitCh <-chan error) {
	pgid := cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-waitCh:
	case <-time.After(l.opts.GracePeriod):
		unix.Kill(-pgid, unix.SIGKILL)
		cmd.Process.Kill()
		<-waitCh
	}
	// Reap stragglers that ignored SIGTERM but left the leader.
	unix.Kill(-pgid, unix.SIGKILL)
}

func (l *Local) cleanup(j *job) {
	if j.spec.Cleanup == nil {
		return
	}
	cmd, err := j.spec.Cleanup.Command()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.CleanupTimeout)
	defer cancel()
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		l.log.Warn("cleanup failed to start", zap.String("process", j.spec.Name), zap.Error(err))
		return
	}
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			l.log.Debug("cleanup exited with error", zap.String("process", j.spec.Name), zap.Error(err))
		}
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		l.log.Warn("cleanup timed out", zap.String("process", j.spec.Name))
	}
}

func (j *job) setState(s State, pid int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
	j.pid = pid
	if s == StateOnline {
		j.startedAt = time.Now()
	}
}

func (j *job) started() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

// recordCrash notes a crash and returns how many fall inside the window.
func (j *job) recordCrash(now time.Time, window time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.crashes[:0]
	for _, t := range j.crashes {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	j.crashes = append(kept, now)
	return len(j.crashes)
}

// halt stops the supervision loop if it is running and waits for it.
func (l *Local) halt(ctx context.Context, j *job) error {
	j.mu.Lock()
	stop, exited := j.stop, j.exited
	j.mu.Unlock()
	if stop == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	j.mu.Lock()
	select {
	case <-stop:
	default:
		close(stop)
	}
	j.mu.Unlock()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return errkind.Wrap(errkind.Timeout, fmt.Errorf("stop %s: %w", j.spec.Name, ctx.Err()))
	}
}

func (l *Local) Stop(ctx context.Context, name string) error {
	j, err := l.get(name)
	if err != nil {
		return err
	}
	return l.halt(ctx, j)
}

func (l *Local) Restart(ctx context.Context, name string) error {
	j, err := l.get(name)
	if err != nil {
		return err
	}
	if err := l.halt(ctx, j); err != nil {
		return err
	}
	j.mu.Lock()
	j.restarts++
	j.mu.Unlock()
	return l.launch(j)
}

func (l *Local) Delete(ctx context.Context, name string) error {
	j, err := l.get(name)
	if err != nil {
		return err
	}
	if err := l.halt(ctx, j); err != nil {
		return err
	}
	l.mu.Lock()
	if l.jobs[name] == j {
		delete(l.jobs, name)
	}
	l.mu.Unlock()
	return nil
}

func (l *Local) Describe(ctx context.Context, name string) (*Info, error) {
	j, err := l.get(name)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	info := &Info{
		Name:         name,
		State:        j.state,
		PID:          j.pid,
		RestartCount: j.restarts,
	}
	if j.state == StateOnline {
		info.UptimeMs = time.Since(j.startedAt).Milliseconds()
	}
	j.mu.Unlock()

	if info.State == StateOnline && info.PID > 0 {
		if p, err := process.NewProcessWithContext(ctx, int32(info.PID)); err == nil {
			if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
				info.MemoryBytes = mem.RSS
			}
			if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
				info.CPUPercent = cpu
			}
		}
	}
	return info, nil
}

func (l *Local) Logs(ctx context.Context, name string, lines int) (*Logs, error) {
	j, err := l.get(name)
	if err != nil {
		return nil, err
	}
	return &Logs{Stdout: j.stdout.Tail(lines), Stderr: j.stderr.Tail(lines)}, nil
}

func (l *Local) Flush(ctx context.Context, name string) error {
	j, err := l.get(name)
	if err != nil {
		return err
	}
	j.stdout.Reset()
	j.stderr.Reset()
	return nil
}

// Close stops every supervised process.
func (l *Local) Close() error {
	l.mu.Lock()
	jobs := make([]*job, 0, len(l.jobs))
	for _, j := range l.jobs {
		jobs = append(jobs, j)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.GracePeriod+l.opts.CleanupTimeout+time.Second)
	defer cancel()
	var errs []error
	for _, j := range jobs {
		if err := l.halt(ctx, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
