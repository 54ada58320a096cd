package attach

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/process"
	"github.com/paneld/paneld/internal/ws"
)

type shells struct{ err error }

func (s shells) Shell(ctx context.Context, panelID string) (process.Invocation, error) {
	return process.Invocation{Argv: []string{"/bin/sh"}}, s.err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTerminalServer(t *testing.T, sh ws.ShellProvider) *httptest.Server {
	t.Helper()
	h := &ws.Handler{
		Shells:     sh,
		Sessions:   ws.NewRegistry(),
		Authorized: func(key string) bool { return key == "s3cret" },
		Logger:     zaptest.NewLogger(t),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r, strings.TrimPrefix(r.URL.Path, "/terminal/"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestURL(t *testing.T) {
	c := NewClient("https://panel.example.com/", "a b", zaptest.NewLogger(t))
	got := c.URL("p1", 120, 40)
	want := "wss://panel.example.com/terminal/p1?cols=120&key=a+b&rows=40"
	if got != want {
		t.Errorf("URL = %s, want %s", got, want)
	}
}

func TestAttachRunsShell(t *testing.T) {
	srv := newTerminalServer(t, shells{})
	c := NewClient(srv.URL, "s3cret", zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var out syncBuffer
	stdin := strings.NewReader("echo attached-$((20+1))\nexit\n")
	size := func() (uint16, uint16) { return 100, 30 }
	if err := c.Attach(ctx, "p1", stdin, &out, size, nil); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !strings.Contains(out.String(), "attached-21") {
		t.Errorf("output %q", out.String())
	}
}

func TestAttachReportsServerError(t *testing.T) {
	srv := newTerminalServer(t, shells{err: errkind.Errorf(errkind.Rejected, "not a container panel")})
	c := NewClient(srv.URL, "s3cret", zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Attach(ctx, "p1", strings.NewReader(""), &syncBuffer{}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "not a container panel") {
		t.Errorf("Attach error = %v", err)
	}
}

func TestAttachBadSecret(t *testing.T) {
	srv := newTerminalServer(t, shells{})
	c := NewClient(srv.URL, "wrong", zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Attach(ctx, "p1", strings.NewReader(""), &syncBuffer{}, nil, nil); err == nil {
		t.Error("expected dial error")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "attach.json")
	cfg, err := LoadConfig(path)
	if err != nil || cfg != nil {
		t.Fatalf("missing config: %v %v", cfg, err)
	}
	if err := SaveConfig(path, &Config{Server: "http://localhost:8080", Secret: "x"}); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(path)
	if err != nil || cfg.Server != "http://localhost:8080" || cfg.Secret != "x" {
		t.Errorf("loaded %+v %v", cfg, err)
	}
}
