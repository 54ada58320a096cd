package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/process"
)

type fakeShells struct {
	err error
}

func (f fakeShells) Shell(ctx context.Context, panelID string) (process.Invocation, error) {
	if f.err != nil {
		return process.Invocation{}, f.err
	}
	return process.Invocation{Argv: []string{"/bin/sh"}}, nil
}

func newTestServer(t *testing.T, shells ShellProvider) (*httptest.Server, *Registry) {
	t.Helper()
	reg := NewRegistry()
	h := &Handler{
		Shells:     shells,
		Sessions:   reg,
		Authorized: func(key string) bool { return key == "s3cret" },
		Logger:     zaptest.NewLogger(t),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r, strings.TrimPrefix(r.URL.Path, "/terminal/"))
	}))
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestTerminalRoundTrip(t *testing.T) {
	srv, reg := newTestServer(t, fakeShells{})
	conn, _, err := dial(t, srv, "/terminal/p1?key=s3cret&cols=100&rows=30")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	connected := readUntil(t, conn, func(m Message) bool { return m.Type == TypeConnected })
	if connected.SessionID == "" {
		t.Fatal("connected message without session id")
	}
	if n := reg.Count("p1"); n != 1 {
		t.Errorf("registry count = %d", n)
	}

	if err := conn.WriteJSON(Message{Type: TypeResize, Cols: 120, Rows: 40}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Message{Type: TypeInput, Data: "echo hello-$((40+2))\n"}); err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	readUntil(t, conn, func(m Message) bool {
		if m.Type == TypeOutput {
			out.WriteString(m.Data)
		}
		return strings.Contains(out.String(), "hello-42")
	})
}

func TestTerminalRejectsBadKey(t *testing.T) {
	srv, _ := newTestServer(t, fakeShells{})
	_, resp, err := dial(t, srv, "/terminal/p1?key=wrong")
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}

func TestTerminalRejectsBadPanelID(t *testing.T) {
	srv, _ := newTestServer(t, fakeShells{})
	_, resp, err := dial(t, srv, "/terminal/bad$id?key=s3cret")
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", resp)
	}
}

func TestTerminalShellError(t *testing.T) {
	srv, reg := newTestServer(t, fakeShells{err: errkind.Errorf(errkind.Rejected, "host panels have no terminal")})
	conn, _, err := dial(t, srv, "/terminal/p1?key=s3cret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := readUntil(t, conn, func(m Message) bool { return true })
	if msg.Type != TypeError || !strings.Contains(msg.Message, "no terminal") {
		t.Errorf("unexpected message %+v", msg)
	}
	if reg.Count("p1") != 0 {
		t.Error("failed session was registered")
	}
}

func TestCloseSessionsEndsTerminal(t *testing.T) {
	srv, reg := newTestServer(t, fakeShells{})
	conn, _, err := dial(t, srv, "/terminal/p1?key=s3cret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, func(m Message) bool { return m.Type == TypeConnected })

	if n := reg.CloseSessions("p1"); n != 1 {
		t.Fatalf("closed %d sessions", n)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Logf("connection ended with %v", err)
		}
		break
	}

	deadline := time.Now().Add(5 * time.Second)
	for reg.Count("p1") != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Count("p1") != 0 {
		t.Error("session still registered after close")
	}
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes
	tests := []struct {
		in       []byte
		complete string
		rest     int
	}{
		{[]byte("abc"), "abc", 0},
		{append([]byte("a"), euro[:2]...), "a", 2},
		{append([]byte("a"), euro[:1]...), "a", 1},
		{append([]byte("a"), euro...), "a€", 0},
	}
	for _, tt := range tests {
		c, r := splitUTF8(tt.in)
		if string(c) != tt.complete || len(r) != tt.rest {
			t.Errorf("splitUTF8(%q) = %q, %d rest", tt.in, c, len(r))
		}
	}
}
