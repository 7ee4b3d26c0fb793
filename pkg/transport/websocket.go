package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a gorilla connection. Only binary messages are frames;
// anything else is skipped.
type WebSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Dial opens a websocket to url, offering the given subprotocols.
func Dial(ctx context.Context, url string, subprotocols ...string) (*WebSocket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     subprotocols,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return NewWebSocket(conn), nil
}

// Subprotocol is the subprotocol agreed during the handshake.
func (w *WebSocket) Subprotocol() string {
	return w.conn.Subprotocol()
}

func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", closedOr(err))
	}
	return nil
}

func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	_ = w.conn.SetReadDeadline(deadline)
	for {
		mt, p, err := w.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", closedOr(err))
		}
		switch mt {
		case websocket.BinaryMessage:
			return p, nil
		default:
		}
	}
}

// Close sends a close message when possible and closes the socket.
func (w *WebSocket) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	w.writeMu.Unlock()
	return w.conn.Close()
}

func closedOr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
