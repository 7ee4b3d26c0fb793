// Package pagestore owns the server's page state: the transient pages held
// in memory, the durable pages in a blob store, and the logical clock that
// orders every toggle.
//
// Toggles only touch the transient page. When the page cache overflows the
// least recently used transient page is evicted and merged into its durable
// copy in the background. Until that persist finishes, any access to the
// same page waits for it, so at most one writer per page exists and a new
// transient page never starts from a stale durable time.
package pagestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/astromechza/quadrillion-checkboxes/pkg/blob"
	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/metrics"
	"github.com/astromechza/quadrillion-checkboxes/pkg/page"
)

var (
	ErrClosed = errors.New("page store closed")
	// ErrSuperseded is a snapshot request for a durable time that is no
	// longer current.
	ErrSuperseded = errors.New("snapshot superseded")
)

const (
	DefaultTransientPages  = 64
	DefaultMetadataEntries = 4096
)

type Options struct {
	// TransientPages bounds the resident transient pages.
	TransientPages int
	// MetadataEntries bounds the cached durable times.
	MetadataEntries int
	Metrics         *metrics.Metrics
}

type Store struct {
	blobs   blob.Store
	metrics *metrics.Metrics

	// persistCtx outlives any request; it is cancelled by Close only if the
	// caller gives up waiting.
	persistCtx    context.Context
	cancelPersist context.CancelFunc
	wg            sync.WaitGroup

	mu       sync.Mutex
	clock    checkbox.Time
	pages    *lru.Cache // checkbox.PageNo -> *page.Page
	meta     *lru.Cache // checkbox.PageNo -> checkbox.Time
	inflight map[checkbox.PageNo]chan struct{}
	closed   bool
	// unwritten holds, per page whose last persist failed, the durable page
	// that persist started from. Its stored body may be ahead of its sidecar.
	unwritten map[checkbox.PageNo]*page.Page

	clockMu        sync.Mutex
	persistedClock checkbox.Time
}

// Open recovers the clock from blobs and returns an empty cache over them.
// The store does not close blobs.
func Open(ctx context.Context, blobs blob.Store, opts Options) (*Store, error) {
	if opts.TransientPages <= 0 {
		opts.TransientPages = DefaultTransientPages
	}
	if opts.MetadataEntries <= 0 {
		opts.MetadataEntries = DefaultMetadataEntries
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	clock, err := blob.ReadTime(ctx, blobs, blob.ClockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to recover clock: %w", err)
	}
	s := &Store{
		blobs:          blobs,
		metrics:        opts.Metrics,
		clock:          clock,
		persistedClock: clock,
		pages:          lru.New(opts.TransientPages),
		meta:           lru.New(opts.MetadataEntries),
		inflight:       make(map[checkbox.PageNo]chan struct{}),
		unwritten:      make(map[checkbox.PageNo]*page.Page),
	}
	s.persistCtx, s.cancelPersist = context.WithCancel(context.Background())
	s.pages.OnEvicted = s.onEvicted
	s.metrics.Clock.Set(float64(clock))
	slog.Info("opened page store", "clock", clock, "transient_pages", opts.TransientPages, "metadata_entries", opts.MetadataEntries)
	return s, nil
}

// Clock returns the last assigned time.
func (s *Store) Clock() checkbox.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Toggle flips offset o of page p and assigns it the next time. onApplied
// runs before the store is unlocked, so calls to it are ordered by time.
func (s *Store) Toggle(ctx context.Context, p checkbox.PageNo, o checkbox.Offset, onApplied func(checkbox.Time)) (checkbox.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx, p); err != nil {
		return 0, err
	}
	pg, ok := s.transient(p)
	if !ok {
		pg = page.New()
		s.pages.Add(p, pg)
		s.metrics.ResidentPages.Set(float64(s.pages.Len()))
	}
	s.clock++
	t := s.clock
	if err := pg.ToggleAt(o, t); err != nil {
		slog.Warn("transient page ahead of clock", "page", p, "err", err)
	}
	s.metrics.Toggles.Inc()
	s.metrics.Clock.Set(float64(t))
	if onApplied != nil {
		onApplied(t)
	}
	return t, nil
}

// PageData calls fn with the durable time of p and its transient page, which
// is nil when p has no resident changes. fn runs with the store locked: it
// must not block and must not keep transient.
func (s *Store) PageData(ctx context.Context, p checkbox.PageNo, fn func(durable checkbox.Time, transient *page.Page) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx, p); err != nil {
		return err
	}
	durable, err := s.durableTime(ctx, p)
	if err != nil {
		return err
	}
	pg, _ := s.transient(p)
	return fn(durable, pg)
}

// DurableTime returns the time of the last persisted version of p, zero if
// it was never persisted.
func (s *Store) DurableTime(ctx context.Context, p checkbox.PageNo) (checkbox.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx, p); err != nil {
		return 0, err
	}
	return s.durableTime(ctx, p)
}

// Snapshot returns the encoded durable page p as written at time t. Any
// other t, including one older than the current durable time, is
// ErrSuperseded. A body that does not decode is an error, never an empty page.
func (s *Store) Snapshot(ctx context.Context, p checkbox.PageNo, t checkbox.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx, p); err != nil {
		return nil, err
	}
	current, err := s.durableTime(ctx, p)
	if err != nil {
		return nil, err
	}
	if t == 0 || t != current {
		return nil, fmt.Errorf("%w: page %d is at %d", ErrSuperseded, p, current)
	}
	if base, ok := s.unwritten[p]; ok && base.Time() == t {
		return base.Encode(), nil
	}
	raw, err := s.blobs.Read(ctx, blob.PageKey(p))
	if err != nil {
		return nil, fmt.Errorf("failed to read durable page %d: %w", p, err)
	}
	if _, err := page.Decode(raw); err != nil {
		return nil, fmt.Errorf("durable page %d: %w", p, err)
	}
	return raw, nil
}

// transient returns the resident transient page of p.
func (s *Store) transient(p checkbox.PageNo) (*page.Page, bool) {
	v, ok := s.pages.Get(p)
	if !ok {
		return nil, false
	}
	return v.(*page.Page), true
}

// ready waits, with s.mu released, until no persist of p is in flight. It
// is called with s.mu held and returns with it held.
func (s *Store) ready(ctx context.Context, p checkbox.PageNo) error {
	for {
		if s.closed {
			return ErrClosed
		}
		done, ok := s.inflight[p]
		if !ok {
			return nil
		}
		s.mu.Unlock()
		select {
		case <-done:
			s.mu.Lock()
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
	}
}

// durableTime resolves the durable time of p from the metadata cache or the
// sidecar. Every sidecar read raises the clock to at least the observed time.
func (s *Store) durableTime(ctx context.Context, p checkbox.PageNo) (checkbox.Time, error) {
	if v, ok := s.meta.Get(p); ok {
		return v.(checkbox.Time), nil
	}
	t, err := blob.ReadTime(ctx, s.blobs, blob.MetaKey(p))
	if err != nil {
		return 0, fmt.Errorf("failed to read durable time of page %d: %w", p, err)
	}
	s.observe(t)
	s.meta.Add(p, t)
	return t, nil
}

func (s *Store) observe(t checkbox.Time) {
	if t > s.clock {
		slog.Warn("raising clock to persisted time", "clock", s.clock, "time", t)
		s.clock = t
		s.metrics.Clock.Set(float64(t))
	}
}

// Stats is a point in time view of the caches.
type Stats struct {
	Resident int
	Metadata int
	InFlight int
	Clock    checkbox.Time
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Resident: s.pages.Len(), Metadata: s.meta.Len(), InFlight: len(s.inflight), Clock: s.clock}
}

// SaveClock persists the current clock so that a restart does not reuse
// times already handed out. Pages persist the clock themselves; this covers
// toggles still only held in memory.
func (s *Store) SaveClock(ctx context.Context) error {
	return s.writeClock(ctx, s.Clock())
}

func (s *Store) writeClock(ctx context.Context, t checkbox.Time) error {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if t <= s.persistedClock {
		return nil
	}
	if err := blob.WriteTime(ctx, s.blobs, blob.ClockKey, t); err != nil {
		return fmt.Errorf("failed to write clock: %w", err)
	}
	s.persistedClock = t
	return nil
}

// Flush evicts every resident page and waits for the resulting persists.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pages.Clear()
	s.metrics.ResidentPages.Set(0)
	pending := make([]chan struct{}, 0, len(s.inflight))
	for _, done := range s.inflight {
		pending = append(pending, done)
	}
	s.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.SaveClock(ctx)
}

// Close persists every resident page, waits for all persists and saves the
// clock. Further calls fail with ErrClosed. If ctx ends first, outstanding
// persists are cancelled and their changes are lost.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.pages.Clear()
	s.metrics.ResidentPages.Set(0)
	s.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.cancelPersist()
		<-waited
		return fmt.Errorf("failed to persist all pages: %w", ctx.Err())
	}
	s.cancelPersist()

	s.mu.Lock()
	clock := s.clock
	s.mu.Unlock()
	return s.writeClock(ctx, clock)
}
