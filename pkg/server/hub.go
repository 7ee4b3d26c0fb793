package server

import (
	"log/slog"
	"sync"

	"github.com/astromechza/quadrillion-checkboxes/pkg/metrics"
)

// Hub is the registry of connected sessions.
type Hub struct {
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

func newHub(m *metrics.Metrics) *Hub {
	return &Hub{metrics: m, sessions: make(map[string]*Session)}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	h.metrics.Sessions.Set(float64(len(h.sessions)))
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID)
	h.metrics.Sessions.Set(float64(len(h.sessions)))
}

// Len is the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// broadcast queues frame on every session except origin. Sessions that
// cannot take it are closed; their read loops then unregister them.
func (h *Hub) broadcast(origin *Session, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.sessions {
		if s == origin || s.isClosed() {
			continue
		}
		if !s.enqueue(frame) {
			slog.Warn("dropping slow session", "session", id)
			h.metrics.DroppedSessions.Inc()
			s.close()
		}
	}
}

// closeAll disconnects every session.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.close()
	}
}
