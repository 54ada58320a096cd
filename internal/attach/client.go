// Package attach is the client side of a panel terminal session.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/paneld/paneld/internal/ws"
)

// Size reports the local terminal size.
type Size func() (cols, rows uint16)

type Client struct {
	Server string
	Secret string
	Logger *zap.Logger
}

func NewClient(server, secret string, logger *zap.Logger) *Client {
	return &Client{Server: strings.TrimRight(server, "/"), Secret: secret, Logger: logger}
}

// URL builds the terminal endpoint for a panel.
func (c *Client) URL(panelID string, cols, rows uint16) string {
	u := c.Server + "/terminal/" + url.PathEscape(panelID)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	q := url.Values{}
	q.Set("key", c.Secret)
	if cols > 0 && rows > 0 {
		q.Set("cols", strconv.Itoa(int(cols)))
		q.Set("rows", strconv.Itoa(int(rows)))
	}
	return u + "?" + q.Encode()
}

// Attach connects to the panel shell, copies stdin to it and its output to
// stdout until the shell exits or ctx is cancelled. Every receive on resized
// sends the current size.
func (c *Client) Attach(ctx context.Context, panelID string, stdin io.Reader, stdout io.Writer, size Size, resized <-chan struct{}) error {
	var cols, rows uint16
	if size != nil {
		cols, rows = size()
	}
	conn, _, err := websocket.Dial(ctx, c.URL(panelID, cols, rows), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// stdin → websocket
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				msg := ws.Message{Type: ws.TypeInput, Data: string(buf[:n])}
				if werr := wsjson.Write(ctx, conn, msg); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	if resized != nil && size != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-resized:
					cols, rows := size()
					wsjson.Write(ctx, conn, ws.Message{Type: ws.TypeResize, Cols: cols, Rows: rows})
				}
			}
		}()
	}

	for {
		var msg ws.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		switch msg.Type {
		case ws.TypeOutput:
			if _, err := io.WriteString(stdout, msg.Data); err != nil {
				return err
			}
		case ws.TypeConnected:
			c.Logger.Debug("terminal attached", zap.String("panel_id", panelID), zap.String("session_id", msg.SessionID))
		case ws.TypeError:
			return errors.New(msg.Message)
		}
	}
}
