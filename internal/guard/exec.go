package guard

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/metrics"
	"github.com/paneld/paneld/internal/process"
	"github.com/paneld/paneld/internal/ringbuf"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 1 << 20
)

// Result is returned for every command, run or not. Rejected commands never
// reach a shell; TimedOut commands were killed at the deadline.
type Result struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	Rejected   bool   `json:"rejected"`
	Rule       string `json:"rule,omitempty"`
	Reason     string `json:"reason,omitempty"`
	TimedOut   bool   `json:"timedOut"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Executor checks commands against a Policy and runs the allowed ones.
type Executor struct {
	policy    *Policy
	timeout   time.Duration
	maxOutput int
	log       *zap.Logger
}

func NewExecutor(policy *Policy, timeout time.Duration, maxOutput int, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Executor{policy: policy, timeout: timeout, maxOutput: maxOutput, log: logger}
}

// Check evaluates command under the named profile without running it.
func (e *Executor) Check(profile, command string) (Verdict, error) {
	p, err := e.policy.Profile(profile)
	if err != nil {
		return Verdict{}, err
	}
	return p.Check(command), nil
}

// Run checks command and, when allowed, executes inv. inv must already wrap
// command for the target boundary (sh -c on the host, docker exec for a
// container). A rejection is reported in the Result, not as an error.
func (e *Executor) Run(ctx context.Context, profile, command string, inv process.Invocation) (*Result, error) {
	verdict, err := e.Check(profile, command)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		metrics.CommandsRejected.WithLabelValues(profile, verdict.Rule).Inc()
		e.log.Warn("command rejected",
			zap.String("profile", profile),
			zap.String("rule", verdict.Rule),
			zap.String("command", command))
		return &Result{ExitCode: -1, Rejected: true, Rule: verdict.Rule, Reason: verdict.Reason}, nil
	}

	cmd, err := inv.Command()
	if err != nil {
		return nil, errkind.Wrap(errkind.Invalid, err)
	}
	// A process group lets the deadline kill everything the shell spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout := ringbuf.New(e.maxOutput)
	stderr := ringbuf.New(e.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.CommandsExecuted.WithLabelValues(profile, "error").Inc()
		return nil, errkind.Wrap(errkind.Upstream, fmt.Errorf("start command: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	res := &Result{}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		res.TimedOut = true
		killGroup(cmd)
		waitErr = <-done
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		return nil, errkind.Wrap(errkind.Timeout, ctx.Err())
	}

	res.DurationMs = time.Since(start).Milliseconds()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, errkind.Wrap(errkind.Upstream, waitErr)
	}
	if res.TimedOut {
		res.ExitCode = -1
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += fmt.Sprintf("command timed out after %s", e.timeout)
	}

	outcome := "ok"
	switch {
	case res.TimedOut:
		outcome = "timeout"
	case res.ExitCode != 0:
		outcome = "failed"
	}
	metrics.CommandsExecuted.WithLabelValues(profile, outcome).Inc()
	e.log.Debug("command finished",
		zap.String("profile", profile),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Int64("duration_ms", res.DurationMs))
	return res, nil
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}
