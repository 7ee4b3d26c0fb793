package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/astromechza/quadrillion-checkboxes/pkg/transport"
)

// Session is one connected client. Frames for it are queued and written by
// a single pump goroutine; a session whose queue is full is disconnected
// rather than allowed to stall everyone else.
type Session struct {
	ID      string
	conn    transport.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn transport.Conn, buffer int, limit rate.Limit, burst int) *Session {
	return &Session{
		ID:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, buffer),
		limiter: rate.NewLimiter(limit, burst),
		done:    make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. It reports false when the
// session is closed or its queue is full.
func (s *Session) enqueue(frame []byte) bool {
	if s.isClosed() {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close stops the pump and the connection. It is safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			slog.Debug("failed to close connection", "session", s.ID, "err", err)
		}
	})
}

// writePump sends queued frames in order until the session closes.
func (s *Session) writePump(ctx context.Context) {
	defer s.close()
	for {
		select {
		case frame := <-s.send:
			if err := s.conn.Send(ctx, frame); err != nil {
				slog.Info("failed to send frame", "session", s.ID, "err", err)
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
