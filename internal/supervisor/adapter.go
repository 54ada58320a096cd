package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/naming"
	"github.com/paneld/paneld/internal/process"
	"github.com/paneld/paneld/internal/ringbuf"
)

// DefaultInstallTimeout bounds a dependency install.
const DefaultInstallTimeout = 5 * time.Minute

// Languages.
const (
	LanguageNode   = "node"
	LanguagePython = "python"
)

// Boundary is where a panel's commands run. Sandboxes implement it.
type Boundary interface {
	// Root is the host directory holding the panel files.
	Root() string
	// Workdir is the same directory as seen by commands inside the boundary.
	Workdir() string
	// Command wraps a one-shot command to run in Workdir.
	Command(argv, env []string) process.Invocation
	// Daemon wraps a long-running command. The cleanup invocation, when not
	// nil, must kill whatever the run invocation left behind.
	Daemon(name string, argv, env []string) (run process.Invocation, cleanup *process.Invocation)
}

// StartOptions are per-start settings.
type StartOptions struct {
	Port         int
	ForceInstall bool
	Env          map[string]string
}

// Adapter maps panels to supervised processes named naming.ProcessName(id).
type Adapter struct {
	driver         Driver
	installTimeout time.Duration
	log            *zap.Logger
}

func NewAdapter(driver Driver, installTimeout time.Duration, logger *zap.Logger) *Adapter {
	if installTimeout <= 0 {
		installTimeout = DefaultInstallTimeout
	}
	return &Adapter{driver: driver, installTimeout: installTimeout, log: logger}
}

// NormalizeLanguage maps the accepted language aliases to LanguageNode or
// LanguagePython.
func NormalizeLanguage(language string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "node", "nodejs", "javascript", "js":
		return LanguageNode, nil
	case "python", "python3", "py":
		return LanguagePython, nil
	default:
		return "", errkind.Errorf(errkind.Invalid, "unsupported language %q", language)
	}
}

func defaultEntryPoint(language string) string {
	if language == LanguagePython {
		return "main.py"
	}
	return "index.js"
}

// Start replaces any existing process for the panel, installs dependencies
// and launches the entry point.
func (a *Adapter) Start(ctx context.Context, b Boundary, panelID, language, entryPoint string, opts StartOptions) (*Info, error) {
	lang, err := NormalizeLanguage(language)
	if err != nil {
		return nil, err
	}
	if entryPoint == "" {
		entryPoint = defaultEntryPoint(lang)
	}
	entry, err := cleanEntryPoint(entryPoint)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(b.Root(), filepath.FromSlash(entry))); err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.Errorf(errkind.NotFound, "entry point %s", entry)
		}
		return nil, err
	}

	name := naming.ProcessName(panelID)
	log := a.log.With(zap.String("panel_id", panelID), zap.String("process", name))

	if err := a.driver.Delete(ctx, name); err != nil && !errors.Is(err, errkind.NotFound) {
		return nil, fmt.Errorf("delete previous process: %w", err)
	}

	if err := a.install(ctx, b, lang, opts.ForceInstall, log); err != nil {
		return nil, err
	}

	env := []string{
		"PORT=" + strconv.Itoa(opts.Port),
		"NODE_ENV=production",
		"PYTHONUNBUFFERED=1",
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	var argv []string
	switch lang {
	case LanguageNode:
		argv = []string{"node", entry}
	case LanguagePython:
		argv = []string{path.Join(b.Workdir(), ".venv", "bin", "python"), entry}
	}

	run, cleanup := b.Daemon(name, argv, env)
	if err := a.driver.Start(ctx, Spec{Name: name, Run: run, Cleanup: cleanup}); err != nil {
		return nil, err
	}
	log.Info("process started", zap.String("language", lang), zap.String("entry_point", entry), zap.Int("port", opts.Port))
	return a.driver.Describe(ctx, name)
}

func cleanEntryPoint(entry string) (string, error) {
	e := strings.ReplaceAll(entry, "\\", "/")
	if strings.HasPrefix(e, "/") || strings.HasPrefix(e, "~") {
		return "", errkind.Errorf(errkind.Rejected, "entry point %q must be relative", entry)
	}
	for _, seg := range strings.Split(e, "/") {
		if seg == ".." {
			return "", errkind.Errorf(errkind.Rejected, "entry point %q escapes the panel", entry)
		}
	}
	if strings.HasPrefix(e, "-") {
		return "", errkind.Errorf(errkind.Rejected, "entry point %q looks like a flag", entry)
	}
	return path.Clean(e), nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// install prepares dependencies. Node installs when package.json exists and
// node_modules does not; Python creates .venv and installs requirements.txt
// into a new venv. force reinstalls regardless.
func (a *Adapter) install(ctx context.Context, b Boundary, lang string, force bool, log *zap.Logger) error {
	root := b.Root()
	switch lang {
	case LanguageNode:
		if !exists(filepath.Join(root, "package.json")) {
			return nil
		}
		if !force && exists(filepath.Join(root, "node_modules")) {
			return nil
		}
		return a.runInstall(ctx, b, log, "npm", "install", "--omit=dev")

	case LanguagePython:
		fresh := !exists(filepath.Join(root, ".venv", "bin", "python"))
		if fresh {
			if err := a.runInstall(ctx, b, log, "python3", "-m", "venv", ".venv"); err != nil {
				return err
			}
		}
		if !exists(filepath.Join(root, "requirements.txt")) || !(fresh || force) {
			return nil
		}
		pip := path.Join(b.Workdir(), ".venv", "bin", "pip")
		return a.runInstall(ctx, b, log, pip, "install", "-r", "requirements.txt")
	}
	return nil
}

func (a *Adapter) runInstall(ctx context.Context, b Boundary, log *zap.Logger, argv ...string) error {
	inv := b.Command(argv, nil)
	cmd, err := inv.Command()
	if err != nil {
		return err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out := ringbuf.New(16 << 10)
	cmd.Stdout = out
	cmd.Stderr = out

	log.Info("installing dependencies", zap.Strings("argv", argv))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return errkind.Wrap(errkind.Upstream, fmt.Errorf("start %s: %w", argv[0], err))
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(a.installTimeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-done
		return errkind.Errorf(errkind.Timeout, "%s did not finish within %s", strings.Join(argv, " "), a.installTimeout)
	case <-ctx.Done():
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-done
		return errkind.Wrap(errkind.Timeout, ctx.Err())
	}
	if err != nil {
		log.Warn("dependency install failed", zap.Strings("argv", argv), zap.String("output", out.Tail(20)), zap.Error(err))
		return errkind.Errorf(errkind.Upstream, "%s failed: %v: %s", strings.Join(argv, " "), err, strings.TrimSpace(out.Tail(20)))
	}
	log.Info("dependencies installed", zap.Duration("took", time.Since(start)))
	return nil
}

// Stop stops the panel's process. A missing process is already stopped.
func (a *Adapter) Stop(ctx context.Context, panelID string) error {
	err := a.driver.Stop(ctx, naming.ProcessName(panelID))
	if errors.Is(err, errkind.NotFound) {
		return nil
	}
	return err
}

// Restart restarts the panel's process; a missing process is NotFound.
func (a *Adapter) Restart(ctx context.Context, panelID string) (*Info, error) {
	name := naming.ProcessName(panelID)
	if err := a.driver.Restart(ctx, name); err != nil {
		return nil, err
	}
	return a.driver.Describe(ctx, name)
}

// Delete stops and forgets the panel's process. A missing process is fine.
func (a *Adapter) Delete(ctx context.Context, panelID string) error {
	err := a.driver.Delete(ctx, naming.ProcessName(panelID))
	if errors.Is(err, errkind.NotFound) {
		return nil
	}
	return err
}

// Status describes the panel's process; NotFound when there is none.
func (a *Adapter) Status(ctx context.Context, panelID string) (*Info, error) {
	return a.driver.Describe(ctx, naming.ProcessName(panelID))
}

func (a *Adapter) Logs(ctx context.Context, panelID string, lines int) (*Logs, error) {
	return a.driver.Logs(ctx, naming.ProcessName(panelID), lines)
}

// Clear truncates captured output.
func (a *Adapter) Clear(ctx context.Context, panelID string) error {
	return a.driver.Flush(ctx, naming.ProcessName(panelID))
}

// Close shuts the driver down.
func (a *Adapter) Close() error {
	return a.driver.Close()
}
