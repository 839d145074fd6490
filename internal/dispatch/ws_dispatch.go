package dispatch

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/models"
)

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// offerNotice is the wire shape pushed when an offer is issued.
type offerNotice struct {
	Offer models.Offer `json:"offer"`
	Trip  models.Trip  `json:"trip"`
}

// WSRegistry holds driver sessions and pushes issued offers to them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, driverID)
	}
}

// Offer pushes the issued offer to the driver's session, if connected.
// A send failure drops the session; the driver falls back to polling.
func (r *WSRegistry) Offer(driverID string, o models.Offer, t models.Trip) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(offerNotice{Offer: o, Trip: t}); err != nil {
		r.Remove(driverID)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
