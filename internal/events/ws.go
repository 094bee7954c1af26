package events

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(map[string]any{"event": event, "payload": payload})
}

// Hub pushes ride events to the affected driver's websocket, when one is
// connected. Events for offline drivers are dropped; the hub is a push
// channel, not a queue.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewHub() *Hub { return &Hub{sessions: make(map[string]*WSSession)} }

func (h *Hub) Add(driverID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[driverID] = &WSSession{conn: conn}
}

func (h *Hub) Remove(driverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, driverID)
}

func (h *Hub) Publish(event string, payload any) error {
	driverID := driverFor(payload)
	if driverID == "" {
		return nil
	}
	h.mu.RLock()
	s, ok := h.sessions[driverID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := s.send(event, payload); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

func driverFor(payload any) string {
	switch p := payload.(type) {
	case RideAcceptedPayload:
		return p.DriverID
	case RideCompletedPayload:
		return p.DriverID
	case RideCancelledPayload:
		return p.DriverID
	default:
		return ""
	}
}
