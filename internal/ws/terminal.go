// Package ws bridges websocket clients to interactive shells inside panel
// containers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/naming"
	"github.com/paneld/paneld/internal/process"
)

const (
	defaultCols = 80
	defaultRows = 24
	shellWait   = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ShellProvider ensures a panel's container and returns its shell.
// sandbox.Manager implements it.
type ShellProvider interface {
	Shell(ctx context.Context, panelID string) (process.Invocation, error)
}

type Handler struct {
	Shells   ShellProvider
	Sessions *Registry
	// Authorized checks the ?key= query parameter.
	Authorized func(key string) bool
	// StartPTY defaults to process.StartPTY.
	StartPTY func(inv process.Invocation, rows, cols uint16) (process.Process, error)
	Logger   *zap.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, panelID string) {
	log := h.Logger.With(zap.String("panel_id", panelID))
	if h.Authorized == nil || !h.Authorized(r.URL.Query().Get("key")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := naming.Validate(panelID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cols := queryDim(r, "cols", defaultCols)
	rows := queryDim(r, "rows", defaultRows)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	fail := func(msg string) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(Message{Type: TypeError, Message: msg})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg),
			time.Now().Add(time.Second))
		conn.Close()
	}

	ctx, cancel := context.WithTimeout(r.Context(), shellWait)
	inv, err := h.Shells.Shell(ctx, panelID)
	cancel()
	if err != nil {
		log.Warn("terminal shell unavailable", zap.Error(err))
		fail(err.Error())
		return
	}

	start := h.StartPTY
	if start == nil {
		start = process.StartPTY
	}
	proc, err := start(inv, rows, cols)
	if err != nil {
		log.Error("failed to start terminal shell", zap.Error(err))
		fail("failed to start shell")
		return
	}

	sess := newSession(uuid.NewString(), panelID, conn, proc)
	h.Sessions.Register(sess)
	defer h.Sessions.Unregister(sess)
	log = log.With(zap.String("session_id", sess.ID))
	log.Info("terminal session opened", zap.Uint16("cols", cols), zap.Uint16("rows", rows))

	if err := sess.send(Message{Type: TypeConnected, SessionID: sess.ID}); err != nil {
		sess.Close("write failed")
		return
	}

	// PTY → WebSocket
	go func() {
		defer sess.Close("shell exited")
		buf := make([]byte, 4096)
		var pending []byte
		for {
			n, err := proc.Read(buf)
			if n > 0 {
				data, rest := splitUTF8(append(pending, buf[:n]...))
				pending = append([]byte(nil), rest...)
				if len(data) > 0 {
					if werr := sess.send(Message{Type: TypeOutput, Data: string(data)}); werr != nil {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug("pty read ended", zap.Error(err))
				}
				return
			}
		}
	}()

	// WebSocket → PTY
	go func() {
		defer sess.Close("client disconnected")
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case TypeInput:
				if _, err := proc.Write([]byte(msg.Data)); err != nil {
					return
				}
			case TypeResize:
				if msg.Cols > 0 && msg.Rows > 0 {
					proc.Resize(msg.Rows, msg.Cols)
				}
			}
		}
	}()

	select {
	case <-sess.Done():
	case <-proc.Done():
		// Let the output pump flush what the shell printed last.
		time.Sleep(100 * time.Millisecond)
		sess.Close("shell exited")
	}
	log.Info("terminal session closed")
}

func queryDim(r *http.Request, key string, def uint16) uint16 {
	v, err := strconv.ParseUint(r.URL.Query().Get(key), 10, 16)
	if err != nil || v == 0 {
		return def
	}
	return uint16(v)
}
