// Package client keeps a local, optimistic view of the pages a user looks
// at and reconciles it with the server.
//
// A toggle is applied to the local transient layer at once and sent to the
// server. A Result confirms it and carries the server time; an Error, a
// timeout or a lost connection flips the checkbox back. Toggles by other
// clients arrive as broadcasts and are applied to resident pages only.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/page"
	"github.com/astromechza/quadrillion-checkboxes/pkg/proto"
	"github.com/astromechza/quadrillion-checkboxes/pkg/transport"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("request timed out")
	// ErrAbandoned is returned for requests outstanding when the connection dropped.
	ErrAbandoned = errors.New("request abandoned")
)

const (
	DefaultPages          = 128
	DefaultSnapshots      = 1024
	DefaultRequestTimeout = 10 * time.Second
)

type Options struct {
	// Pages bounds the resident pages.
	Pages int
	// Snapshots bounds the cached durable pages kept for reuse after a page
	// is evicted or the connection drops.
	Snapshots      int
	RequestTimeout time.Duration
	// Fetcher loads durable snapshots. Without one every page with a durable
	// version fails to bootstrap.
	Fetcher SnapshotFetcher
}

// clientPage is one resident page. While bootstrapping, chunks streamed by
// the server collect in incoming and broadcasts are ignored, since the
// server's reply already reflects them.
type clientPage struct {
	layered       page.Layered
	bootstrapping bool
	bootstrapID   proto.RequestID
	incoming      *page.Page
}

type request struct {
	tag    proto.Tag
	page   checkbox.PageNo
	offset checkbox.Offset
	timer  *time.Timer
	done   chan toggleResult
}

type toggleResult struct {
	time checkbox.Time
	err  error
}

type Client struct {
	opts    Options
	updates chan struct{}

	mu        sync.Mutex
	conn      transport.Conn
	runCtx    context.Context
	pages     *lru.Cache // checkbox.PageNo -> *clientPage
	snapshots *lru.Cache // checkbox.PageNo -> *page.Page
	pending   map[proto.RequestID]*request
	expired   map[proto.RequestID]*request
	nextID    proto.RequestID
}

func New(opts Options) *Client {
	if opts.Pages <= 0 {
		opts.Pages = DefaultPages
	}
	if opts.Snapshots <= 0 {
		opts.Snapshots = DefaultSnapshots
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Client{
		opts:      opts,
		updates:   make(chan struct{}, 1),
		pages:     lru.New(opts.Pages),
		snapshots: lru.New(opts.Snapshots),
		pending:   make(map[proto.RequestID]*request),
		expired:   make(map[proto.RequestID]*request),
	}
}

// Updates signals that visible state changed. Any number of changes between
// two reads collapse into one signal, so a renderer paints at most once per
// receive.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

func (c *Client) scheduleRedraw() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// PageView is the view of one page.
type PageView struct {
	c *Client
	p checkbox.PageNo
}

func (c *Client) Page(p checkbox.PageNo) PageView {
	return PageView{c: c, p: p}
}

// Get returns the current local value. Referencing a page that is not
// resident starts its bootstrap. Checkboxes out of range read as false.
func (v PageView) Get(o checkbox.Offset) bool {
	return v.c.get(v.p, o)
}

// Toggle flips o locally and asks the server to confirm it.
func (v PageView) Toggle(o checkbox.Offset) error {
	_, err := v.c.toggle(v.p, o, nil)
	return err
}

// Time is the newest time known for the page.
func (v PageView) Time() checkbox.Time {
	v.c.mu.Lock()
	defer v.c.mu.Unlock()
	if cp, ok := v.c.resident(v.p); ok {
		return cp.layered.Time()
	}
	return 0
}

func (c *Client) Get(n checkbox.Number) bool {
	p, o := checkbox.Split(n)
	return c.get(p, o)
}

func (c *Client) Toggle(n checkbox.Number) error {
	p, o := checkbox.Split(n)
	_, err := c.toggle(p, o, nil)
	return err
}

// ToggleWait toggles n and waits for the server. It returns the assigned
// time, or the error that made the client revert the toggle.
func (c *Client) ToggleWait(ctx context.Context, n checkbox.Number) (checkbox.Time, error) {
	p, o := checkbox.Split(n)
	done := make(chan toggleResult, 1)
	if _, err := c.toggle(p, o, done); err != nil {
		return 0, err
	}
	select {
	case r := <-done:
		return r.time, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Resident is the number of resident pages.
func (c *Client) Resident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages.Len()
}

func (c *Client) get(p checkbox.PageNo, o checkbox.Offset) bool {
	if !p.Valid() || !o.Valid() {
		return false
	}
	c.mu.Lock()
	cp, frame := c.ensure(p)
	var v bool
	if cp != nil {
		v = cp.layered.Get(o)
	}
	conn := c.conn
	c.mu.Unlock()
	c.sendFrames(conn, frame)
	return v
}

func (c *Client) toggle(p checkbox.PageNo, o checkbox.Offset, done chan toggleResult) (proto.RequestID, error) {
	if !p.Valid() || !o.Valid() {
		return 0, fmt.Errorf("%w: page %d offset %d", proto.ErrOutOfRange, p, o)
	}
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	cp, bootstrap := c.ensure(p)
	cp.layered.Toggle(o)
	id := c.register(&request{tag: proto.TagToggleCheckbox, page: p, offset: o, done: done})
	c.scheduleRedraw()
	c.mu.Unlock()

	c.sendFrames(conn, bootstrap)
	c.sendFrames(conn, proto.EncodeToggleCheckbox(id, p, o))
	return id, nil
}

// sendFrames sends frames outside the lock. A frame that cannot be sent
// fails its request.
func (c *Client) sendFrames(conn transport.Conn, frames ...[]byte) {
	for _, frame := range frames {
		if frame == nil || conn == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		err := conn.Send(ctx, frame)
		cancel()
		if err != nil {
			_, id, _ := proto.ReadHeader(frame)
			slog.Warn("failed to send request", "id", id, "err", err)
			c.mu.Lock()
			c.resolve(id, 0, fmt.Errorf("failed to send: %w", err))
			c.mu.Unlock()
		}
	}
}

// resident returns the page without starting a bootstrap.
func (c *Client) resident(p checkbox.PageNo) (*clientPage, bool) {
	v, ok := c.pages.Get(p)
	if !ok {
		return nil, false
	}
	return v.(*clientPage), true
}

// ensure returns the resident page p, creating it when connected. A new page
// comes with the RequestPageData frame that the caller must send.
func (c *Client) ensure(p checkbox.PageNo) (*clientPage, []byte) {
	if cp, ok := c.resident(p); ok {
		return cp, nil
	}
	if c.conn == nil || !p.Valid() {
		return nil, nil
	}
	cp := &clientPage{bootstrapping: true, incoming: page.New()}
	cp.bootstrapID = c.register(&request{tag: proto.TagRequestPageData, page: p})
	c.pages.Add(p, cp)
	return cp, proto.EncodeRequestPageData(cp.bootstrapID, p)
}

// register allocates a request id and arms its timeout.
func (c *Client) register(r *request) proto.RequestID {
	for {
		c.nextID = (c.nextID + 1) & proto.MaxRequestID
		if _, busy := c.pending[c.nextID]; !busy {
			break
		}
	}
	id := c.nextID
	delete(c.expired, id)
	c.pending[id] = r
	r.timer = time.AfterFunc(c.opts.RequestTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pending[id] == r {
			c.resolve(id, 0, ErrTimeout)
		}
	})
	return id
}
