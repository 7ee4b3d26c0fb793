package transport

import (
	"context"
	"sync"
)

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.closed) })
}

type pipeEnd struct {
	in     chan []byte
	out    chan []byte
	shared *pipeShared
}

// Pipe returns two connected in-memory ends. Each direction buffers up to
// buffer frames. Closing either end closes both; frames already buffered can
// still be received.
func Pipe(buffer int) (Conn, Conn) {
	ab, ba := make(chan []byte, buffer), make(chan []byte, buffer)
	shared := &pipeShared{closed: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, shared: shared}, &pipeEnd{in: ab, out: ba, shared: shared}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.shared.closed:
		return ErrClosed
	default:
	}
	f := make([]byte, len(frame))
	copy(f, frame)
	select {
	case p.out <- f:
		return nil
	case <-p.shared.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.shared.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.close()
	return nil
}
