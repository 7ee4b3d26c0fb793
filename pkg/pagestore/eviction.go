package pagestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/astromechza/quadrillion-checkboxes/pkg/blob"
	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/page"
)

// onEvicted runs inside the cache, with s.mu held. It marks the page as in
// flight and hands it to a persist goroutine.
func (s *Store) onEvicted(key lru.Key, value interface{}) {
	p, transient := key.(checkbox.PageNo), value.(*page.Page)
	done := make(chan struct{})
	s.inflight[p] = done
	s.metrics.Evictions.Inc()
	s.metrics.InFlight.Set(float64(len(s.inflight)))

	var known *checkbox.Time
	if v, ok := s.meta.Get(p); ok {
		t := v.(checkbox.Time)
		known = &t
	}
	s.wg.Add(1)
	go s.persist(p, transient, known, s.unwritten[p], done)
}

func (s *Store) persist(p checkbox.PageNo, transient *page.Page, known *checkbox.Time, base *page.Page, done chan struct{}) {
	defer s.wg.Done()
	start := time.Now()
	t, observed, base, err := s.merge(s.persistCtx, p, transient, known, base)

	s.mu.Lock()
	if observed > 0 {
		s.observe(observed)
	}
	if err == nil {
		s.meta.Add(p, t)
		delete(s.unwritten, p)
	} else {
		s.meta.Remove(p)
		s.metrics.PersistFailures.Inc()
		if base != nil {
			s.unwritten[p] = base
		}
	}
	delete(s.inflight, p)
	close(done)
	requeued := false
	if err != nil && !s.closed {
		// keep the changes resident so a later eviction can retry
		s.pages.Add(p, transient)
		requeued = true
	}
	s.metrics.InFlight.Set(float64(len(s.inflight)))
	s.metrics.ResidentPages.Set(float64(s.pages.Len()))
	s.mu.Unlock()

	if err != nil {
		slog.Error("failed to persist page", "page", p, "requeued", requeued, "err", err)
		return
	}
	s.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	slog.Debug("persisted page", "page", p, "time", t, "duration", time.Since(start))
}

// merge folds transient into the durable copy of p and writes it. It
// returns the new durable time, any durable time read from a sidecar and the
// durable page the merge started from.
//
// Writes go clock first, then body, then sidecar. After a failed write the
// stored body may already hold the transient changes while the sidecar still
// names the old time, so a retry must not merge onto the stored body again.
// The caller keeps the returned base and passes it back in; a non-nil base is
// used instead of reading the durable page from the blob store.
func (s *Store) merge(ctx context.Context, p checkbox.PageNo, transient *page.Page, known *checkbox.Time, base *page.Page) (checkbox.Time, checkbox.Time, *page.Page, error) {
	var durableTime, observed checkbox.Time
	switch {
	case base != nil:
		durableTime = base.Time()
	case known != nil:
		durableTime = *known
	default:
		t, err := blob.ReadTime(ctx, s.blobs, blob.MetaKey(p))
		if err != nil {
			return 0, 0, nil, fmt.Errorf("failed to read durable time: %w", err)
		}
		durableTime, observed = t, t
	}
	if transient.Empty() && transient.Time() <= durableTime {
		return durableTime, observed, nil, nil
	}

	if base == nil {
		base = page.New()
		if durableTime > 0 {
			raw, err := s.blobs.Read(ctx, blob.PageKey(p))
			if err != nil {
				return 0, observed, nil, fmt.Errorf("failed to read durable page at %d: %w", durableTime, err)
			}
			if base, err = page.DecodeAt(raw, durableTime); err != nil {
				return 0, observed, nil, fmt.Errorf("failed to decode durable page at %d: %w", durableTime, err)
			}
		}
	}

	durable := base.Clone()
	durable.Merge(transient.Clone())
	t := durable.Time()
	if err := s.writeClock(ctx, t); err != nil {
		return 0, observed, base, err
	}
	if err := s.blobs.Write(ctx, blob.PageKey(p), durable.Encode()); err != nil {
		return 0, observed, base, fmt.Errorf("failed to write page body: %w", err)
	}
	if err := blob.WriteTime(ctx, s.blobs, blob.MetaKey(p), t); err != nil {
		return 0, observed, base, fmt.Errorf("failed to write page time: %w", err)
	}
	return t, observed, base, nil
}
