package ws

import "unicode/utf8"

// Message types exchanged over a terminal websocket.
const (
	TypeOutput    = "output"
	TypeInput     = "input"
	TypeResize    = "resize"
	TypeConnected = "connected"
	TypeError     = "error"
)

// Message is a terminal frame. Output and input carry Data, resize carries
// Cols and Rows, connected carries SessionID, error carries Message.
type Message struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte rune, and the incomplete remainder.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i], b[len(b)-i:]
			}
			break
		}
	}
	return b, nil
}
