package page

import (
	"errors"
	"fmt"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/chunk"
)

// The serialized page is a sequence of (index byte, kind byte, payload)
// records closed by the pair (0xFF, 0xFF). 0xFF on its own is a valid chunk
// index, so both bytes are checked.
const (
	sentinelIndex = 0xFF
	sentinelKind  = 0xFF
)

var ErrCorrupt = errors.New("corrupt page record")

// Encode serializes every present chunk. The time is not included; it lives
// in the sidecar record.
func (p *Page) Encode() []byte {
	return p.AppendEncode(make([]byte, 0, p.Bytes()+2*p.Len()+2))
}

func (p *Page) AppendEncode(buf []byte) []byte {
	p.Range(func(i int, c *chunk.Chunk) {
		buf = append(buf, byte(i), byte(c.Kind()))
		buf = c.AppendSave(buf)
	})
	return append(buf, sentinelIndex, sentinelKind)
}

// Decode parses an encoded page. Any truncation, unknown kind, duplicated
// chunk, missing sentinel or trailing data is an error.
func Decode(buf []byte) (*Page, error) {
	p := New()
	pos := 0
	for {
		if len(buf)-pos < 2 {
			return nil, fmt.Errorf("%w: missing terminator at byte %d", ErrCorrupt, pos)
		}
		i, kind := buf[pos], buf[pos+1]
		pos += 2
		if i == sentinelIndex && kind == sentinelKind {
			break
		}
		if p.chunks[i] != nil {
			return nil, fmt.Errorf("%w: duplicate chunk %d", ErrCorrupt, i)
		}
		n, err := p.LoadChunk(int(i), chunk.Kind(kind), buf[pos:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		pos += n
	}
	if pos != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(buf)-pos)
	}
	return p, nil
}

// DecodeAt parses a page persisted at time t. The encoding does not carry
// the time, so the caller supplies it from the sidecar or the request.
func DecodeAt(buf []byte, t checkbox.Time) (*Page, error) {
	p, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	p.time = t
	return p, nil
}
