// Package checkbox defines the global checkbox address space and its split
// into pages and chunks.
package checkbox

import "fmt"

const (
	// PageSizeBits is log2 of the number of checkboxes in a page (2 MiB of bits).
	PageSizeBits = 24
	// ChunkSizeBits is log2 of the number of checkboxes in a chunk.
	ChunkSizeBits = 16

	CheckboxesPerPage  = 1 << PageSizeBits
	CheckboxesPerChunk = 1 << ChunkSizeBits
	ChunksPerPage      = CheckboxesPerPage / CheckboxesPerChunk

	// TotalCheckboxes is 1Gi x 1Mi, a little over 10^15.
	TotalCheckboxes Number = 1 << 50
	// Pages is the number of pages covering TotalCheckboxes.
	Pages = uint64(TotalCheckboxes) / CheckboxesPerPage
)

// Number addresses one checkbox in [0, TotalCheckboxes).
type Number uint64

// PageNo is the index of a page.
type PageNo uint32

// Offset is the position of a checkbox within its page.
type Offset uint32

// Time is the server assigned logical clock. It is also the version of a page.
type Time uint64

func (n Number) Valid() bool { return n < TotalCheckboxes }

func (p PageNo) Valid() bool { return uint64(p) < Pages }

func (o Offset) Valid() bool { return o < CheckboxesPerPage }

func (n Number) String() string { return fmt.Sprintf("#%d", uint64(n)) }

// PageOf returns the page holding checkbox n.
func PageOf(n Number) PageNo {
	return PageNo(n >> PageSizeBits)
}

// OffsetOf returns the position of checkbox n within its page.
func OffsetOf(n Number) Offset {
	return Offset(n & (CheckboxesPerPage - 1))
}

// Split returns both PageOf(n) and OffsetOf(n).
func Split(n Number) (PageNo, Offset) {
	return PageOf(n), OffsetOf(n)
}

// Combine is the inverse of Split.
func Combine(p PageNo, o Offset) Number {
	return Number(p)<<PageSizeBits | Number(o)
}

// ChunkOf returns the chunk index within the page and the offset within that chunk.
func ChunkOf(o Offset) (int, uint16) {
	return int(o >> ChunkSizeBits), uint16(o)
}

// ChunkStart returns the page offset of the first checkbox of chunk i.
func ChunkStart(i int) Offset {
	return Offset(i) << ChunkSizeBits
}
