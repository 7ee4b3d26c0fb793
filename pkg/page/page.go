// Package page composes chunks into pages, the unit of caching, persistence
// and synchronization.
package page

import (
	"errors"
	"fmt"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/chunk"
)

// ErrStaleTime reports a time that does not advance the page. It is not
// fatal: the change has been applied, only the time was kept.
var ErrStaleTime = errors.New("time in the past")

// Page is a fixed array of optional chunks plus the logical time of the last
// confirmed change. An absent chunk reads as all false.
type Page struct {
	time   checkbox.Time
	chunks [checkbox.ChunksPerPage]*chunk.Chunk
}

func New() *Page {
	return &Page{}
}

func (p *Page) Time() checkbox.Time {
	return p.time
}

// AdvanceTime moves the page time forward. The time never decreases; an
// older or equal t returns ErrStaleTime.
func (p *Page) AdvanceTime(t checkbox.Time) error {
	if t <= p.time {
		return fmt.Errorf("%w: have %d, got %d", ErrStaleTime, p.time, t)
	}
	p.time = t
	return nil
}

func (p *Page) chunkFor(i int) *chunk.Chunk {
	c := p.chunks[i]
	if c == nil {
		c = chunk.NewToggleLog(chunk.DefaultCapacity)
		p.chunks[i] = c
	} else if c.IsFull() {
		c = c.Upgrade()
		p.chunks[i] = c
	}
	return c
}

// Toggle flips the checkbox at offset without touching the time. This is the
// speculative path.
func (p *Page) Toggle(o checkbox.Offset) {
	i, off := checkbox.ChunkOf(o)
	p.chunkFor(i).Toggle(off)
}

// ToggleAt flips the checkbox at offset and advances the time to t. The flip
// is applied even when the returned error is ErrStaleTime.
func (p *Page) ToggleAt(o checkbox.Offset, t checkbox.Time) error {
	p.Toggle(o)
	return p.AdvanceTime(t)
}

func (p *Page) Get(o checkbox.Offset) bool {
	i, off := checkbox.ChunkOf(o)
	if c := p.chunks[i]; c != nil {
		return c.Get(off)
	}
	return false
}

// Chunk returns chunk i or nil.
func (p *Page) Chunk(i int) *chunk.Chunk {
	return p.chunks[i]
}

// SetChunk replaces chunk i. A nil chunk clears it.
func (p *Page) SetChunk(i int, c *chunk.Chunk) {
	p.chunks[i] = c
}

// LoadChunk decodes a chunk payload into slot i and returns the bytes consumed.
func (p *Page) LoadChunk(i int, kind chunk.Kind, buf []byte) (int, error) {
	c, n, err := chunk.Load(kind, buf)
	if err != nil {
		return 0, fmt.Errorf("failed to load chunk %d: %w", i, err)
	}
	p.chunks[i] = c
	return n, nil
}

// Range calls fn for every present chunk in index order.
func (p *Page) Range(fn func(i int, c *chunk.Chunk)) {
	for i, c := range p.chunks {
		if c != nil {
			fn(i, c)
		}
	}
}

// Optimize replaces every chunk with its minimal encoding. fn, when not nil,
// sees each optimized chunk.
func (p *Page) Optimize(fn func(i int, c *chunk.Chunk)) {
	for i, c := range p.chunks {
		if c == nil {
			continue
		}
		c = c.Optimize()
		p.chunks[i] = c
		if fn != nil {
			fn(i, c)
		}
	}
}

// Len is the number of present chunks.
func (p *Page) Len() int {
	n := 0
	for _, c := range p.chunks {
		if c != nil {
			n++
		}
	}
	return n
}

func (p *Page) Empty() bool {
	return p.Len() == 0
}

// Bytes is the in-memory payload size of all chunks.
func (p *Page) Bytes() int {
	n := 0
	p.Range(func(_ int, c *chunk.Chunk) { n += c.Bytes() })
	return n
}

func (p *Page) Clone() *Page {
	out := &Page{time: p.time}
	p.Range(func(i int, c *chunk.Chunk) { out.chunks[i] = c.Clone() })
	return out
}

// Merge folds a transient page into p, the durable page. Every transient
// chunk is XORed with the durable one, or adopted when p has none, then
// re-optimized. Chunks that cancel out entirely are dropped. p takes the
// transient time when it is newer.
func (p *Page) Merge(transient *Page) {
	transient.Optimize(func(i int, c *chunk.Chunk) {
		if d := p.chunks[i]; d != nil {
			c = chunk.MergeBitmaps(c, d).Optimize()
		}
		if c.Len() == 0 {
			c = nil
		}
		p.chunks[i] = c
	})
	if transient.time > p.time {
		p.time = transient.time
	}
}
