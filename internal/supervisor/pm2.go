package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/process"
	"github.com/paneld/paneld/internal/ringbuf"
)

// pm2Env is passed through so the CLI finds its daemon.
var pm2Env = []string{"HOME", "PM2_HOME"}

// logTailBytes bounds how much of a PM2 log file is read for a tail.
const logTailBytes = 256 << 10

// PM2 delegates supervision to the PM2 command line tool. PM2 runs commands on
// the host, so it only serves the host tier; Spec.Cleanup is ignored.
type PM2 struct {
	bin     string
	timeout time.Duration
	log     *zap.Logger
}

var _ Driver = (*PM2)(nil)

func NewPM2(bin string, timeout time.Duration, logger *zap.Logger) *PM2 {
	if bin == "" {
		bin = "pm2"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PM2{bin: bin, timeout: timeout, log: logger}
}

// pm2Process is the subset of `pm2 jlist` output the driver reads.
type pm2Process struct {
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	Monit struct {
		Memory uint64  `json:"memory"`
		CPU    float64 `json:"cpu"`
	} `json:"monit"`
	Env struct {
		Status      string `json:"status"`
		Uptime      int64  `json:"pm_uptime"`
		RestartTime int    `json:"restart_time"`
		OutLogPath  string `json:"pm_out_log_path"`
		ErrLogPath  string `json:"pm_err_log_path"`
	} `json:"pm2_env"`
}

func (p *PM2) run(ctx context.Context, env []string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.bin, args...)
	// The PM2 daemon hands its environment to every app it launches.
	cmd.Env = process.Invocation{Env: env, Inherit: pm2Env}.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errkind.Errorf(errkind.Timeout, "pm2 %s timed out after %s", args[0], p.timeout)
		}
		p.log.Warn("pm2 command failed",
			zap.Strings("args", args),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err))
		return nil, errkind.Errorf(errkind.Upstream, "pm2 %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (p *PM2) list(ctx context.Context) ([]pm2Process, error) {
	out, err := p.run(ctx, nil, "jlist")
	if err != nil {
		return nil, err
	}
	// PM2 may print banner lines before the JSON array.
	if i := bytes.IndexByte(out, '['); i > 0 {
		out = out[i:]
	}
	var procs []pm2Process
	if err := json.Unmarshal(out, &procs); err != nil {
		return nil, errkind.Wrap(errkind.Upstream, fmt.Errorf("parse pm2 jlist: %w", err))
	}
	return procs, nil
}

func (p *PM2) find(ctx context.Context, name string) (*pm2Process, error) {
	procs, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	for i := range procs {
		if procs[i].Name == name {
			return &procs[i], nil
		}
	}
	return nil, errkind.Errorf(errkind.NotFound, "process %s", name)
}

func (p *PM2) Start(ctx context.Context, spec Spec) error {
	if len(spec.Run.Argv) == 0 {
		return errkind.Errorf(errkind.Invalid, "empty command for %s", spec.Name)
	}
	if _, err := p.find(ctx, spec.Name); err == nil {
		return errkind.Errorf(errkind.Invalid, "process %s already exists", spec.Name)
	}
	args := []string{"start", spec.Run.Argv[0],
		"--name", spec.Name,
		"--interpreter", "none",
		"--update-env",
	}
	if spec.Run.Dir != "" {
		args = append(args, "--cwd", spec.Run.Dir)
	}
	if len(spec.Run.Argv) > 1 {
		args = append(args, "--")
		args = append(args, spec.Run.Argv[1:]...)
	}
	_, err := p.run(ctx, spec.Run.Env, args...)
	return err
}

func (p *PM2) Stop(ctx context.Context, name string) error {
	if _, err := p.find(ctx, name); err != nil {
		return err
	}
	_, err := p.run(ctx, nil, "stop", name)
	return err
}

func (p *PM2) Restart(ctx context.Context, name string) error {
	if _, err := p.find(ctx, name); err != nil {
		return err
	}
	_, err := p.run(ctx, nil, "restart", name)
	return err
}

func (p *PM2) Delete(ctx context.Context, name string) error {
	if _, err := p.find(ctx, name); err != nil {
		return err
	}
	_, err := p.run(ctx, nil, "delete", name)
	return err
}

func (p *PM2) Describe(ctx context.Context, name string) (*Info, error) {
	proc, err := p.find(ctx, name)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Name:         name,
		State:        pm2State(proc.Env.Status),
		PID:          proc.PID,
		MemoryBytes:  proc.Monit.Memory,
		CPUPercent:   proc.Monit.CPU,
		RestartCount: proc.Env.RestartTime,
	}
	if info.State == StateOnline && proc.Env.Uptime > 0 {
		info.UptimeMs = time.Now().UnixMilli() - proc.Env.Uptime
	}
	return info, nil
}

func pm2State(status string) State {
	switch status {
	case "online":
		return StateOnline
	case "stopped", "stopping":
		return StateStopped
	case "errored":
		return StateErrored
	default:
		return StateLaunching
	}
}

func (p *PM2) Logs(ctx context.Context, name string, lines int) (*Logs, error) {
	proc, err := p.find(ctx, name)
	if err != nil {
		return nil, err
	}
	stdout, err := tailFile(proc.Env.OutLogPath, lines)
	if err != nil {
		return nil, err
	}
	stderr, err := tailFile(proc.Env.ErrLogPath, lines)
	if err != nil {
		return nil, err
	}
	return &Logs{Stdout: stdout, Stderr: stderr}, nil
}

func (p *PM2) Flush(ctx context.Context, name string) error {
	if _, err := p.find(ctx, name); err != nil {
		return err
	}
	_, err := p.run(ctx, nil, "flush", name)
	return err
}

// Close leaves PM2-managed processes running; PM2 owns them.
func (p *PM2) Close() error {
	return nil
}

// tailFile returns the last lines of a log file. A missing file is empty.
func tailFile(path string, lines int) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := info.Size() - logTailBytes
	cut := offset > 0
	if !cut {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	if cut {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	return string(ringbuf.TailLines(data, lines)), nil
}
