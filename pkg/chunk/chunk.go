// Package chunk stores the state of up to 65536 checkboxes using whichever of
// two encodings is smaller for the current population.
//
// A Bitmap is a dense bit array with a maintained population count. A
// ToggleLog is an append-only list of toggled offsets where the value of a
// checkbox is the parity of its occurrences. Both are the same Chunk type
// distinguished by Kind, so the hot Get/Toggle paths are a plain switch.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// Kind tags the encoding of a Chunk. The values are part of the wire and
// disk formats.
type Kind uint8

const (
	KindBitmap    Kind = 0x00
	KindToggleLog Kind = 0x01
)

func (k Kind) String() string {
	switch k {
	case KindBitmap:
		return "bitmap"
	case KindToggleLog:
		return "togglelog"
	default:
		return fmt.Sprintf("kind(%#02x)", uint8(k))
	}
}

const (
	// Size is the number of checkboxes covered by one chunk.
	Size = 1 << 16

	bitmapWords = Size / 64
	// BitmapBytes is the encoded size of a bitmap payload.
	BitmapBytes = Size / 8

	// MaxToggleLogLen is the break-even point between a 2 byte per entry log
	// and a 1 bit per checkbox bitmap. A population below it is stored as a log.
	MaxToggleLogLen = Size / 16

	// DefaultCapacity is the capacity of a lazily created log.
	DefaultCapacity = 4
)

var (
	ErrTruncated   = errors.New("chunk payload truncated")
	ErrUnknownKind = errors.New("unknown chunk kind")
	ErrLogTooLong  = errors.New("toggle log longer than a bitmap")
)

// Chunk is either a Bitmap or a ToggleLog.
type Chunk struct {
	kind Kind

	// bitmap
	words *[bitmapWords]uint64
	ones  int

	// toggle log
	log      []uint16
	capacity int
}

// NewBitmap returns an all-false bitmap chunk.
func NewBitmap() *Chunk {
	return &Chunk{kind: KindBitmap, words: new([bitmapWords]uint64)}
}

// NewToggleLog returns an empty log that can hold capacity entries before
// IsFull reports true.
func NewToggleLog(capacity int) *Chunk {
	if capacity < 0 {
		capacity = 0
	}
	return &Chunk{kind: KindToggleLog, log: make([]uint16, 0, capacity), capacity: capacity}
}

func (c *Chunk) Kind() Kind { return c.kind }

// Toggle flips the checkbox at offset. On a log this appends, so the caller
// must check IsFull first.
func (c *Chunk) Toggle(offset uint16) {
	switch c.kind {
	case KindBitmap:
		w, m := offset>>6, uint64(1)<<(offset&63)
		if c.words[w]&m != 0 {
			c.ones--
		} else {
			c.ones++
		}
		c.words[w] ^= m
	case KindToggleLog:
		c.log = append(c.log, offset)
	}
}

// Get reports the value of the checkbox at offset.
func (c *Chunk) Get(offset uint16) bool {
	switch c.kind {
	case KindBitmap:
		return c.words[offset>>6]&(uint64(1)<<(offset&63)) != 0
	case KindToggleLog:
		v := false
		for _, e := range c.log {
			if e == offset {
				v = !v
			}
		}
		return v
	}
	return false
}

// IsFull is true for a log at capacity; it must be upgraded before the next toggle.
func (c *Chunk) IsFull() bool {
	return c.kind == KindToggleLog && len(c.log) >= c.capacity
}

// Len is the number of log entries, duplicates included. A bitmap reports its population.
func (c *Chunk) Len() int {
	if c.kind == KindToggleLog {
		return len(c.log)
	}
	return c.ones
}

// Cap is the log capacity. It is zero for a bitmap.
func (c *Chunk) Cap() int {
	if c.kind == KindToggleLog {
		return c.capacity
	}
	return 0
}

// Ones returns the deduplicated population. It is O(1) for a bitmap and
// folds the log otherwise.
func (c *Chunk) Ones() int {
	if c.kind == KindBitmap {
		return c.ones
	}
	return c.ToBitmap().ones
}

// ToBitmap returns the bitmap form of c. A bitmap returns itself.
func (c *Chunk) ToBitmap() *Chunk {
	if c.kind == KindBitmap {
		return c
	}
	b := NewBitmap()
	for _, e := range c.log {
		b.Toggle(e)
	}
	return b
}

// toggleLogFrom lists the set offsets of bitmap b in ascending order.
func toggleLogFrom(b *Chunk, capacity int) *Chunk {
	if capacity < b.ones {
		capacity = b.ones
	}
	t := NewToggleLog(capacity)
	for w, word := range b.words {
		for word != 0 {
			i := bits.TrailingZeros64(word)
			t.log = append(t.log, uint16(w<<6|i))
			word &= word - 1
		}
	}
	return t
}

// Optimize returns the smallest chunk equivalent to c. Logs are always
// rebuilt from their deduplicated population, so a log of cancelling
// duplicates is compacted even when full.
func (c *Chunk) Optimize() *Chunk {
	b := c.ToBitmap()
	if b.ones < MaxToggleLogLen {
		return toggleLogFrom(b, b.ones)
	}
	return b
}

// Upgrade makes room in a full log. The result is a bitmap when the
// deduplicated population reached MaxToggleLogLen, otherwise a log with spare
// capacity for at least one more toggle.
func (c *Chunk) Upgrade() *Chunk {
	b := c.ToBitmap()
	if b.ones >= MaxToggleLogLen {
		return b
	}
	capacity := min(max(2*b.ones, DefaultCapacity), MaxToggleLogLen)
	return toggleLogFrom(b, capacity)
}

// Clone returns a deep copy.
func (c *Chunk) Clone() *Chunk {
	switch c.kind {
	case KindBitmap:
		b := NewBitmap()
		*b.words = *c.words
		b.ones = c.ones
		return b
	default:
		t := NewToggleLog(c.capacity)
		t.log = append(t.log, c.log...)
		return t
	}
}

// Bytes is the size of the encoded payload.
func (c *Chunk) Bytes() int {
	if c.kind == KindBitmap {
		return BitmapBytes
	}
	return 2 + 2*len(c.log)
}

// Save encodes the payload of c. The kind is not included.
func (c *Chunk) Save() []byte {
	return c.AppendSave(make([]byte, 0, c.Bytes()))
}

// AppendSave appends the encoded payload of c to buf.
func (c *Chunk) AppendSave(buf []byte) []byte {
	switch c.kind {
	case KindBitmap:
		for _, w := range c.words {
			buf = binary.LittleEndian.AppendUint64(buf, w)
		}
	case KindToggleLog:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.log)))
		for _, e := range c.log {
			buf = binary.LittleEndian.AppendUint16(buf, e)
		}
	}
	return buf
}

// Load decodes a payload of the given kind from the front of buf and
// returns the chunk with the number of bytes consumed. The recovered
// representation always satisfies Get(x) == original.Get(x).
func Load(kind Kind, buf []byte) (*Chunk, int, error) {
	switch kind {
	case KindBitmap:
		if len(buf) < BitmapBytes {
			return nil, 0, fmt.Errorf("%w: bitmap needs %d bytes, have %d", ErrTruncated, BitmapBytes, len(buf))
		}
		b := NewBitmap()
		for i := range b.words {
			w := binary.LittleEndian.Uint64(buf[i*8:])
			b.words[i] = w
			b.ones += bits.OnesCount64(w)
		}
		return b, BitmapBytes, nil
	case KindToggleLog:
		if len(buf) < 2 {
			return nil, 0, fmt.Errorf("%w: missing toggle log length", ErrTruncated)
		}
		n := int(binary.LittleEndian.Uint16(buf))
		if n > MaxToggleLogLen {
			return nil, 0, fmt.Errorf("%w: %d entries", ErrLogTooLong, n)
		}
		size := 2 + 2*n
		if len(buf) < size {
			return nil, 0, fmt.Errorf("%w: toggle log needs %d bytes, have %d", ErrTruncated, size, len(buf))
		}
		t := NewToggleLog(n)
		for i := 0; i < n; i++ {
			t.log = append(t.log, binary.LittleEndian.Uint16(buf[2+2*i:]))
		}
		return t, size, nil
	default:
		return nil, 0, fmt.Errorf("%w: %#02x", ErrUnknownKind, uint8(kind))
	}
}

// MergeBitmaps returns the XOR of the bitmap forms of a and b. Toggles are
// commutative and self-inverse, so this is the exact combination of two
// independent change sets.
func MergeBitmaps(a, b *Chunk) *Chunk {
	x, y := a.ToBitmap(), b.ToBitmap()
	out := NewBitmap()
	for i := range out.words {
		w := x.words[i] ^ y.words[i]
		out.words[i] = w
		out.ones += bits.OnesCount64(w)
	}
	return out
}
