package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/process"
)

// recordingBoundary logs every one-shot command instead of running it, and
// runs a sleep in place of the real daemon while recording its argv and env.
type recordingBoundary struct {
	root string
	log  string
}

func (b *recordingBoundary) Root() string    { return b.root }
func (b *recordingBoundary) Workdir() string { return "/app" }

func (b *recordingBoundary) Command(argv, env []string) process.Invocation {
	script := `echo "$*" >> "$LOG"; if [ "$1" = python3 ]; then mkdir -p .venv/bin && touch .venv/bin/python; fi; if [ "$1" = npm ]; then mkdir -p node_modules; fi`
	return process.Invocation{
		Argv: append([]string{"sh", "-c", script, "sh"}, argv...),
		Dir:  b.root,
		Env:  []string{"LOG=" + b.log},
	}
}

func (b *recordingBoundary) Daemon(name string, argv, env []string) (process.Invocation, *process.Invocation) {
	line := "daemon " + name + " " + strings.Join(argv, " ") + " " + strings.Join(env, " ")
	return process.Invocation{
		Argv: []string{"sh", "-c", `echo "$0" >> "$LOG"; exec sleep 30`, line},
		Dir:  b.root,
		Env:  []string{"LOG=" + b.log},
	}, nil
}

func (b *recordingBoundary) calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(b.log)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func newAdapterFixture(t *testing.T) (*Adapter, *recordingBoundary) {
	t.Helper()
	root := t.TempDir()
	b := &recordingBoundary{root: root, log: filepath.Join(t.TempDir(), "calls")}
	a := NewAdapter(NewLocal(testOptions(), zaptest.NewLogger(t)), 0, zaptest.NewLogger(t))
	t.Cleanup(func() { a.Close() })
	return a, b
}

func TestAdapterNodeInstallOnce(t *testing.T) {
	a, b := newAdapterFixture(t)
	ctx := context.Background()
	os.WriteFile(filepath.Join(b.root, "package.json"), []byte(`{}`), 0o644)
	os.WriteFile(filepath.Join(b.root, "index.js"), []byte(""), 0o644)

	info, err := a.Start(ctx, b, "p1", "nodejs", "index.js", StartOptions{Port: 4000})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.Name != "panel-p1" || info.State != StateOnline {
		t.Errorf("info = %+v", info)
	}

	// node_modules now exists, so a second start skips the install.
	if _, err := a.Start(ctx, b, "p1", "javascript", "index.js", StartOptions{Port: 4000}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	// A forced install runs again.
	if _, err := a.Start(ctx, b, "p1", "node", "index.js", StartOptions{Port: 4000, ForceInstall: true}); err != nil {
		t.Fatalf("forced Start: %v", err)
	}

	var installs, daemons int
	for _, c := range b.calls(t) {
		switch {
		case c == "npm install --omit=dev":
			installs++
		case strings.HasPrefix(c, "daemon panel-p1 node index.js PORT=4000 NODE_ENV=production PYTHONUNBUFFERED=1"):
			daemons++
		}
	}
	if installs != 2 || daemons != 3 {
		t.Errorf("installs=%d daemons=%d, calls=%q", installs, daemons, b.calls(t))
	}
}

func TestAdapterPythonVenv(t *testing.T) {
	a, b := newAdapterFixture(t)
	ctx := context.Background()
	os.WriteFile(filepath.Join(b.root, "requirements.txt"), []byte("flask\n"), 0o644)
	os.WriteFile(filepath.Join(b.root, "main.py"), []byte(""), 0o644)

	if _, err := a.Start(ctx, b, "py", "python", "", StartOptions{Port: 4100}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := a.Start(ctx, b, "py", "python", "main.py", StartOptions{Port: 4100}); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	calls := b.calls(t)
	want := []string{
		"python3 -m venv .venv",
		"/app/.venv/bin/pip install -r requirements.txt",
	}
	for i, w := range want {
		if i >= len(calls) || calls[i] != w {
			t.Fatalf("calls = %q, want prefix %q", calls, want)
		}
	}
	for _, c := range calls[2:] {
		if strings.Contains(c, "pip install") {
			t.Errorf("requirements reinstalled into an existing venv: %q", calls)
		}
	}
	if !strings.Contains(calls[2], "/app/.venv/bin/python main.py PORT=4100") {
		t.Errorf("daemon call = %q", calls[2])
	}
}

func TestAdapterRejectsBadInput(t *testing.T) {
	a, b := newAdapterFixture(t)
	ctx := context.Background()

	if _, err := a.Start(ctx, b, "p1", "ruby", "app.rb", StartOptions{}); !errors.Is(err, errkind.Invalid) {
		t.Errorf("unsupported language = %v", err)
	}
	if _, err := a.Start(ctx, b, "p1", "node", "../escape.js", StartOptions{}); !errors.Is(err, errkind.Rejected) {
		t.Errorf("escaping entry = %v", err)
	}
	if _, err := a.Start(ctx, b, "p1", "node", "missing.js", StartOptions{}); !errors.Is(err, errkind.NotFound) {
		t.Errorf("missing entry = %v", err)
	}
}

func TestAdapterStopRestartMissing(t *testing.T) {
	a, _ := newAdapterFixture(t)
	ctx := context.Background()

	if err := a.Stop(ctx, "ghost"); err != nil {
		t.Errorf("Stop missing = %v, want nil", err)
	}
	if err := a.Delete(ctx, "ghost"); err != nil {
		t.Errorf("Delete missing = %v, want nil", err)
	}
	if _, err := a.Restart(ctx, "ghost"); !errors.Is(err, errkind.NotFound) {
		t.Errorf("Restart missing = %v, want NotFound", err)
	}
	if _, err := a.Status(ctx, "ghost"); !errors.Is(err, errkind.NotFound) {
		t.Errorf("Status missing = %v, want NotFound", err)
	}
}

func TestAdapterInstallFailureStartsNothing(t *testing.T) {
	a, b := newAdapterFixture(t)
	ctx := context.Background()
	os.WriteFile(filepath.Join(b.root, "package.json"), []byte(`{}`), 0o644)
	os.WriteFile(filepath.Join(b.root, "index.js"), []byte(""), 0o644)
	failing := &failingInstallBoundary{recordingBoundary: b}

	if _, err := a.Start(ctx, failing, "p1", "node", "index.js", StartOptions{}); !errors.Is(err, errkind.Upstream) {
		t.Fatalf("Start = %v, want Upstream", err)
	}
	if _, err := a.Status(ctx, "p1"); !errors.Is(err, errkind.NotFound) {
		t.Errorf("process exists after failed install: %v", err)
	}
}

type failingInstallBoundary struct {
	*recordingBoundary
}

func (b *failingInstallBoundary) Command(argv, env []string) process.Invocation {
	return process.Invocation{Argv: []string{"sh", "-c", "echo npm ERR! >&2; exit 1"}, Dir: b.root}
}
