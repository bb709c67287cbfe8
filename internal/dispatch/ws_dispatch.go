package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents one connected client device.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error { return s.WriteJSON(ev) }

// WriteJSON serialises writes; gorilla conns allow one writer at a time.
func (s *WSSession) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live client sessions keyed by role and id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func sessionKey(role Role, id string) string { return string(role) + ":" + id }

func (r *WSRegistry) Add(role Role, id string, conn *websocket.Conn) *WSSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &WSSession{conn: conn}
	r.sessions[sessionKey(role, id)] = s
	return s
}

func (r *WSRegistry) Remove(role Role, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionKey(role, id))
}

func (r *WSRegistry) Send(role Role, id string, ev Event) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey(role, id)]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ev)
}
