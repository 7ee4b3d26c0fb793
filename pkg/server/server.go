// Package server runs the server side of the sync protocol: it applies
// toggles through the page store, answers page bootstrap requests and fans
// confirmed toggles out to every other session.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/chunk"
	"github.com/astromechza/quadrillion-checkboxes/pkg/metrics"
	"github.com/astromechza/quadrillion-checkboxes/pkg/page"
	"github.com/astromechza/quadrillion-checkboxes/pkg/pagestore"
	"github.com/astromechza/quadrillion-checkboxes/pkg/proto"
	"github.com/astromechza/quadrillion-checkboxes/pkg/transport"
)

const (
	DefaultSendBuffer  = 1024
	DefaultToggleRate  = 50
	DefaultToggleBurst = 100
)

type Options struct {
	// SendBuffer is the number of frames queued per session before it is
	// considered too slow and dropped.
	SendBuffer int
	// ToggleRate is the sustained toggles per second allowed per session.
	ToggleRate  float64
	ToggleBurst int
	Metrics     *metrics.Metrics
}

type Server struct {
	store   *pagestore.Store
	hub     *Hub
	metrics *metrics.Metrics
	opts    Options
	wg      sync.WaitGroup
}

func New(store *pagestore.Store, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.ToggleRate <= 0 {
		opts.ToggleRate = DefaultToggleRate
	}
	if opts.ToggleBurst <= 0 {
		opts.ToggleBurst = DefaultToggleBurst
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Server{store: store, hub: newHub(opts.Metrics), metrics: opts.Metrics, opts: opts}
}

// Sessions is the number of connected sessions.
func (s *Server) Sessions() int {
	return s.hub.Len()
}

// Serve runs one session until the connection fails or ctx ends. Frames are
// handled strictly one at a time.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	s.wg.Add(1)
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := newSession(conn, s.opts.SendBuffer, rate.Limit(s.opts.ToggleRate), s.opts.ToggleBurst)
	s.hub.register(sess)
	defer s.hub.unregister(sess)
	defer sess.close()
	slog.Info("session started", "session", sess.ID)

	go sess.writePump(ctx)
	go func() {
		select {
		case <-ctx.Done():
			sess.close()
		case <-sess.done:
		}
	}()

	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || sess.isClosed() || ctx.Err() != nil {
				slog.Info("session ended", "session", sess.ID)
				return nil
			}
			return err
		}
		s.handle(ctx, sess, frame)
	}
}

// Close disconnects every session and waits for them to end.
func (s *Server) Close() {
	s.hub.closeAll()
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, sess *Session, frame []byte) {
	cmd, err := proto.DecodeCommand(frame)
	if err != nil {
		if _, id, ok := proto.ReadHeader(frame); ok {
			s.reject(sess, id, err)
		} else {
			s.metrics.RejectedFrames.WithLabelValues("dropped").Inc()
			slog.Warn("dropping unreadable frame", "session", sess.ID, "err", err)
		}
		return
	}

	switch cmd.Tag {
	case proto.TagToggleCheckbox:
		if !sess.limiter.Allow() {
			s.reject(sess, cmd.ID, proto.ErrRateLimited)
			return
		}
		_, err = s.store.Toggle(ctx, cmd.Page, cmd.Offset, func(t checkbox.Time) {
			s.reply(sess, proto.EncodeResult(cmd.ID, t))
			s.hub.broadcast(sess, proto.EncodeCheckboxToggled(cmd.Page, cmd.Offset, t))
		})
	case proto.TagRequestPageData:
		err = s.store.PageData(ctx, cmd.Page, func(durable checkbox.Time, transient *page.Page) error {
			if transient != nil {
				transient.Range(func(i int, c *chunk.Chunk) {
					s.reply(sess, proto.EncodeChunkData(cmd.Page, i, c))
				})
			}
			s.reply(sess, proto.EncodeResult(cmd.ID, durable))
			return nil
		})
	}
	if err != nil {
		if errors.Is(err, pagestore.ErrClosed) {
			err = proto.ErrUnavailable
		}
		s.reject(sess, cmd.ID, err)
	}
}

// reply queues a frame for sess and drops the session if it cannot keep up.
func (s *Server) reply(sess *Session, frame []byte) {
	if !sess.enqueue(frame) && !sess.isClosed() {
		slog.Warn("dropping slow session", "session", sess.ID)
		s.metrics.DroppedSessions.Inc()
		sess.close()
	}
}

func (s *Server) reject(sess *Session, id proto.RequestID, err error) {
	rpc := proto.ToRPCError(err)
	s.metrics.RejectedFrames.WithLabelValues(rpc.Code.String()).Inc()
	slog.Info("rejected command", "session", sess.ID, "id", id, "code", rpc.Code, "err", err)
	s.reply(sess, proto.EncodeError(id, rpc))
}
