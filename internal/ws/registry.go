package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paneld/paneld/internal/metrics"
	"github.com/paneld/paneld/internal/process"
)

const writeWait = 10 * time.Second

// Registry tracks open terminal sessions keyed by panel ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[string]*Session)}
}

// Register adds a session for the given panel.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	byID, ok := r.sessions[s.PanelID]
	if !ok {
		byID = make(map[string]*Session)
		r.sessions[s.PanelID] = byID
	}
	byID[s.ID] = s
	r.mu.Unlock()
	metrics.TerminalSessions.Inc()
}

// Unregister removes the session if it is still registered.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.sessions[s.PanelID]
	if !ok {
		return
	}
	if _, ok := byID[s.ID]; !ok {
		return
	}
	delete(byID, s.ID)
	if len(byID) == 0 {
		delete(r.sessions, s.PanelID)
	}
	metrics.TerminalSessions.Dec()
}

// Count returns the number of open sessions for a panel.
func (r *Registry) Count(panelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[panelID])
}

// CloseSessions closes every session of a panel and returns how many there were.
func (r *Registry) CloseSessions(panelID string) int {
	r.mu.RLock()
	var victims []*Session
	for _, s := range r.sessions[panelID] {
		victims = append(victims, s)
	}
	r.mu.RUnlock()
	for _, s := range victims {
		s.Close("panel destroyed")
	}
	return len(victims)
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var victims []*Session
	for _, byID := range r.sessions {
		for _, s := range byID {
			victims = append(victims, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range victims {
		s.Close("server shutting down")
	}
}

// Session is one websocket bridged to one shell.
type Session struct {
	ID      string
	PanelID string

	conn      *websocket.Conn
	proc      process.Process
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id, panelID string, conn *websocket.Conn, proc process.Process) *Session {
	return &Session{
		ID:      id,
		PanelID: panelID,
		conn:    conn,
		proc:    proc,
		done:    make(chan struct{}),
	}
}

// send writes one message. gorilla connections allow a single writer, so
// writes are serialized, and each gets a deadline so a stalled client only
// stalls its own session.
func (s *Session) send(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close kills the shell and closes the websocket.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.proc != nil {
			s.proc.Close()
		}
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}
