package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/page"
	"github.com/astromechza/quadrillion-checkboxes/pkg/proto"
	"github.com/astromechza/quadrillion-checkboxes/pkg/transport"
)

// Run serves one connection until it fails or ctx ends. On return every
// outstanding toggle is reverted and all pages are dropped; they bootstrap
// again on the next connection.
func (c *Client) Run(ctx context.Context, conn transport.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("client already connected")
	}
	c.conn, c.runCtx = conn, ctx
	c.mu.Unlock()
	defer c.disconnect()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	slog.Info("connected")
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive: %w", err)
		}
		c.handle(frame)
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn, c.runCtx = nil, nil
	for id := range c.pending {
		c.resolve(id, 0, ErrAbandoned)
	}
	clear(c.expired)
	c.pages.Clear()
	c.scheduleRedraw()
	slog.Info("disconnected")
}

func (c *Client) handle(frame []byte) {
	m, err := proto.DecodeMessage(frame)
	if err != nil {
		slog.Warn("dropping frame", "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch m.Tag {
	case proto.TagResult:
		c.resolve(m.ID, m.Time, nil)
	case proto.TagError:
		c.resolve(m.ID, 0, m.Err)
	case proto.TagCheckboxToggled:
		cp, ok := c.resident(m.Page)
		if !ok || cp.bootstrapping {
			return
		}
		if err := cp.layered.ToggleAt(m.Offset, m.Time); err != nil {
			slog.Warn("out of order broadcast", "page", m.Page, "offset", m.Offset, "err", err)
		}
		c.scheduleRedraw()
	case proto.TagChunkData:
		if cp, ok := c.resident(m.Page); ok && cp.bootstrapping {
			cp.incoming.SetChunk(m.ChunkIndex, m.Chunk)
		}
	}
}

// resolve completes request id. err is nil for a Result. Called with c.mu held.
func (c *Client) resolve(id proto.RequestID, t checkbox.Time, err error) {
	r, ok := c.pending[id]
	if !ok {
		c.resolveExpired(id, t, err)
		return
	}
	delete(c.pending, id)
	r.timer.Stop()

	switch r.tag {
	case proto.TagToggleCheckbox:
		if cp, ok := c.resident(r.page); ok {
			if err != nil {
				// toggling is its own inverse
				cp.layered.Toggle(r.offset)
			} else if aerr := cp.layered.AdvanceTime(t); aerr != nil {
				slog.Warn("stale confirmation", "page", r.page, "offset", r.offset, "err", aerr)
			}
		}
		if err != nil {
			slog.Info("reverted toggle", "page", r.page, "offset", r.offset, "err", err)
			if errors.Is(err, ErrTimeout) {
				c.expired[id] = r
			}
		}
		if r.done != nil {
			r.done <- toggleResult{time: t, err: err}
		}
	case proto.TagRequestPageData:
		c.finishBootstrap(r.page, id, t, err)
	}
	c.scheduleRedraw()
}

// resolveExpired handles a late Result for a toggle that was already
// reverted on timeout: the server did apply it, so it is applied again.
func (c *Client) resolveExpired(id proto.RequestID, t checkbox.Time, err error) {
	r, ok := c.expired[id]
	if !ok {
		slog.Warn("reply to unknown request", "id", id)
		return
	}
	delete(c.expired, id)
	if err != nil {
		return
	}
	if cp, ok := c.resident(r.page); ok {
		cp.layered.Toggle(r.offset)
		if aerr := cp.layered.AdvanceTime(t); aerr != nil {
			slog.Warn("stale late confirmation", "page", r.page, "offset", r.offset, "err", aerr)
		}
		c.scheduleRedraw()
	}
}

// finishBootstrap installs the streamed transient chunks, re-applies the
// toggles the server has not confirmed yet and resolves the durable layer.
func (c *Client) finishBootstrap(p checkbox.PageNo, id proto.RequestID, durable checkbox.Time, err error) {
	cp, ok := c.resident(p)
	if !ok || !cp.bootstrapping || cp.bootstrapID != id {
		return
	}
	if err != nil {
		slog.Warn("failed to bootstrap page", "page", p, "err", err)
		c.pages.Remove(p)
		return
	}

	transient := cp.incoming
	cp.incoming = nil
	for _, r := range c.pending {
		if r.tag == proto.TagToggleCheckbox && r.page == p {
			transient.Toggle(r.offset)
		}
	}
	cp.layered.Transient = transient
	cp.bootstrapping = false

	cp.layered.Durable = nil
	if durable == 0 {
		return
	}
	if v, ok := c.snapshots.Get(p); ok && v.(*page.Page).Time() == durable {
		cp.layered.Durable = v.(*page.Page)
		return
	}
	if c.opts.Fetcher == nil {
		slog.Error("no snapshot fetcher, dropping page", "page", p, "time", durable)
		c.pages.Remove(p)
		return
	}
	go c.fetch(c.runCtx, p, durable, cp)
}

// fetch loads the durable snapshot of p at t and installs it on cp if cp is
// still the resident page. A superseded snapshot drops the page so that the
// next reference bootstraps it again.
func (c *Client) fetch(ctx context.Context, p checkbox.PageNo, t checkbox.Time, cp *clientPage) {
	snap, err := c.opts.Fetcher.Fetch(ctx, p, t)

	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.resident(p)
	if !ok || current != cp {
		return
	}
	if err != nil {
		if errors.Is(err, ErrSnapshotGone) {
			slog.Info("snapshot superseded, bootstrapping again", "page", p, "time", t)
		} else {
			slog.Error("failed to fetch snapshot", "page", p, "time", t, "err", err)
		}
		c.pages.Remove(p)
		c.scheduleRedraw()
		return
	}
	c.snapshots.Add(p, snap)
	cp.layered.Durable = snap
	c.scheduleRedraw()
}
