// Package transport carries whole frames between a client and the server.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive once the connection is gone.
var ErrClosed = errors.New("connection closed")

// Conn is a message oriented, order preserving duplex channel. Send is safe
// for concurrent use; Receive has a single reader.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until the next frame arrives or the connection closes.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
