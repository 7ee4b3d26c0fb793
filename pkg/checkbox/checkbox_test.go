package checkbox

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstants(t *testing.T) {
	assert.Equal(t, 256, ChunksPerPage)
	assert.Equal(t, uint64(1<<26), Pages)
	assert.Equal(t, uint64(TotalCheckboxes), Pages*CheckboxesPerPage)
}

func TestCombineSplitRoundTrip(t *testing.T) {
	edges := []Number{0, 1, CheckboxesPerPage - 1, CheckboxesPerPage, CheckboxesPerPage + 1, TotalCheckboxes - 1}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		edges = append(edges, Number(r.Uint64()%uint64(TotalCheckboxes)))
	}
	for _, n := range edges {
		p, o := Split(n)
		require.True(t, p.Valid(), n)
		require.True(t, o.Valid(), n)
		require.Equal(t, n, Combine(p, o))
		require.Equal(t, p, PageOf(n))
		require.Equal(t, o, OffsetOf(n))
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Number(0).Valid())
	assert.False(t, TotalCheckboxes.Valid())
	assert.False(t, PageNo(Pages).Valid())
	assert.False(t, Offset(CheckboxesPerPage).Valid())
}

func TestChunkOf(t *testing.T) {
	i, o := ChunkOf(5)
	assert.Equal(t, 0, i)
	assert.Equal(t, uint16(5), o)

	i, o = ChunkOf(3*CheckboxesPerChunk + 7)
	assert.Equal(t, 3, i)
	assert.Equal(t, uint16(7), o)
	assert.Equal(t, Offset(3*CheckboxesPerChunk), ChunkStart(3))

	i, _ = ChunkOf(CheckboxesPerPage - 1)
	assert.Equal(t, ChunksPerPage-1, i)
}
