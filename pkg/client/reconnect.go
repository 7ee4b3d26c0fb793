package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/astromechza/quadrillion-checkboxes/pkg/transport"
)

// Dialer opens a new connection to the server.
type Dialer func(ctx context.Context) (transport.Conn, error)

// stableAfter is how long a connection must last for the backoff to reset.
const stableAfter = 30 * time.Second

// RunWithReconnect keeps the client connected until ctx ends, retrying with
// exponential backoff after every failed dial or lost connection.
func (c *Client) RunWithReconnect(ctx context.Context, dial Dialer) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		conn, err := dial(ctx)
		if err != nil {
			return err
		}
		started := time.Now()
		err = c.Run(ctx, conn)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if time.Since(started) > stableAfter {
			b.Reset()
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		slog.Warn("connection failed", "retry_in", next, "err", err)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
