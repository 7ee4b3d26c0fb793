package chunk

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reference tracks the expected value of every checkbox.
type reference [Size]bool

func requireSame(t *testing.T, want *reference, c *Chunk) {
	t.Helper()
	for x := 0; x < Size; x++ {
		if want[x] != c.Get(uint16(x)) {
			require.Failf(t, "value mismatch", "offset %d: want %v, got %v (%s)", x, want[x], !want[x], c.Kind())
		}
	}
}

func randomChunks(t *testing.T) map[string]struct {
	c   *Chunk
	ref *reference
} {
	t.Helper()
	r := rand.New(rand.NewSource(42))
	out := map[string]struct {
		c   *Chunk
		ref *reference
	}{}

	build := func(name string, c *Chunk, n int, hot int) {
		ref := new(reference)
		for i := 0; i < n; i++ {
			if c.IsFull() {
				c = c.Upgrade()
			}
			x := uint16(r.Intn(hot))
			c.Toggle(x)
			ref[x] = !ref[x]
		}
		out[name] = struct {
			c   *Chunk
			ref *reference
		}{c, ref}
	}
	build("empty log", NewToggleLog(DefaultCapacity), 0, Size)
	build("small log", NewToggleLog(DefaultCapacity), 3, Size)
	build("log with duplicates", NewToggleLog(64), 60, 8)
	build("medium log", NewToggleLog(DefaultCapacity), 1500, Size)
	build("empty bitmap", NewBitmap(), 0, Size)
	build("sparse bitmap", NewBitmap(), 10, Size)
	build("dense bitmap", NewBitmap(), 20000, Size)
	build("grown to bitmap", NewToggleLog(DefaultCapacity), 12000, Size)
	return out
}

func TestRoundTrip(t *testing.T) {
	for name, tc := range randomChunks(t) {
		t.Run(name, func(t *testing.T) {
			buf := tc.c.Save()
			require.Len(t, buf, tc.c.Bytes())
			loaded, n, err := Load(tc.c.Kind(), buf)
			require.NoError(t, err)
			assert.Equal(t, len(buf), n)
			requireSame(t, tc.ref, loaded)
		})
	}
}

func TestOptimizePreservesValues(t *testing.T) {
	for name, tc := range randomChunks(t) {
		t.Run(name, func(t *testing.T) {
			opt := tc.c.Optimize()
			requireSame(t, tc.ref, opt)
			if opt.Ones() < MaxToggleLogLen {
				assert.Equal(t, KindToggleLog, opt.Kind())
				assert.Equal(t, opt.Ones(), opt.Len())
			} else {
				assert.Equal(t, KindBitmap, opt.Kind())
			}
		})
	}
}

func TestToggleIsInvolution(t *testing.T) {
	for _, c := range []*Chunk{NewBitmap(), NewToggleLog(16)} {
		t.Run(c.Kind().String(), func(t *testing.T) {
			c.Toggle(9)
			before := c.Get(7)
			c.Toggle(7)
			assert.NotEqual(t, before, c.Get(7))
			c.Toggle(7)
			assert.Equal(t, before, c.Get(7))
			assert.True(t, c.Get(9))
			assert.Equal(t, 1, c.Ones())
		})
	}
}

func TestBitmapOnesTracksPopulation(t *testing.T) {
	b := NewBitmap()
	b.Toggle(1)
	b.Toggle(2)
	b.Toggle(65535)
	assert.Equal(t, 3, b.Ones())
	b.Toggle(2)
	assert.Equal(t, 2, b.Ones())
	assert.False(t, b.IsFull())
}

func TestMergeBitmaps(t *testing.T) {
	chunks := randomChunks(t)
	a, b := chunks["medium log"], chunks["dense bitmap"]
	merged := MergeBitmaps(a.c, b.c)
	want := new(reference)
	for x := range want {
		want[x] = a.ref[x] != b.ref[x]
	}
	requireSame(t, want, merged)

	self := MergeBitmaps(b.c, b.c)
	assert.Equal(t, 0, self.Ones())
}

func TestConversionStability(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	ref := new(reference)
	c := NewToggleLog(DefaultCapacity)
	for round := 0; round < 6; round++ {
		// grow past the threshold, then shrink back below it
		for i := 0; i < 3*MaxToggleLogLen; i++ {
			if c.IsFull() {
				c = c.Upgrade()
			}
			x := uint16(r.Intn(Size))
			c.Toggle(x)
			ref[x] = !ref[x]
		}
		c = c.Optimize()
		requireSame(t, ref, c)
		for x := 0; x < Size && c.Ones() >= MaxToggleLogLen/2; x++ {
			if ref[x] {
				if c.IsFull() {
					c = c.Upgrade()
				}
				c.Toggle(uint16(x))
				ref[x] = false
			}
		}
		c = c.Optimize()
		require.Equal(t, KindToggleLog, c.Kind())
		requireSame(t, ref, c)
	}
}

func TestOptimizeCompactsCancellingLog(t *testing.T) {
	c := NewToggleLog(8)
	for i := 0; i < 4; i++ {
		c.Toggle(100)
		c.Toggle(100)
	}
	require.True(t, c.IsFull())
	opt := c.Optimize()
	assert.Equal(t, KindToggleLog, opt.Kind())
	assert.Equal(t, 0, opt.Len())
	assert.False(t, opt.Get(100))
}

func TestUpgrade(t *testing.T) {
	c := NewToggleLog(DefaultCapacity)
	for i := 0; i < DefaultCapacity; i++ {
		c.Toggle(uint16(i))
	}
	require.True(t, c.IsFull())
	up := c.Upgrade()
	assert.Equal(t, KindToggleLog, up.Kind())
	assert.False(t, up.IsFull())
	assert.Equal(t, 2*DefaultCapacity, up.Cap())

	big := NewToggleLog(MaxToggleLogLen)
	for i := 0; i < MaxToggleLogLen; i++ {
		big.Toggle(uint16(i))
	}
	require.True(t, big.IsFull())
	assert.Equal(t, KindBitmap, big.Upgrade().Kind())
}

func TestLoadRejectsCorruptInput(t *testing.T) {
	_, _, err := Load(KindBitmap, make([]byte, BitmapBytes-1))
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Load(KindToggleLog, []byte{1})
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Load(KindToggleLog, []byte{3, 0, 1, 0})
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Load(KindToggleLog, []byte{0xff, 0xff})
	assert.ErrorIs(t, err, ErrLogTooLong)

	_, _, err = Load(Kind(7), nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestCloneIsIndependent(t *testing.T) {
	for _, c := range []*Chunk{NewBitmap(), NewToggleLog(4)} {
		c.Toggle(3)
		cl := c.Clone()
		cl.Toggle(3)
		assert.True(t, c.Get(3))
		assert.False(t, cl.Get(3))
	}
}

func TestConversionBoundary(t *testing.T) {
	cases := []struct {
		ones int
		want Kind
	}{
		{MaxToggleLogLen - 1, KindToggleLog},
		{MaxToggleLogLen, KindBitmap},
	}
	sources := map[string]func() *Chunk{
		"log":    func() *Chunk { return NewToggleLog(MaxToggleLogLen) },
		"bitmap": NewBitmap,
	}
	for _, tc := range cases {
		for name, newChunk := range sources {
			t.Run(fmt.Sprintf("%s with %d ones", name, tc.ones), func(t *testing.T) {
				c := newChunk()
				for i := 0; i < tc.ones; i++ {
					c.Toggle(uint16(i * 3))
				}
				require.Equal(t, tc.ones, c.Ones())

				opt := c.Optimize()
				assert.Equal(t, tc.want, opt.Kind())
				assert.Equal(t, tc.ones, opt.Ones())

				up := c.Upgrade()
				assert.Equal(t, tc.want, up.Kind())
				assert.Equal(t, tc.ones, up.Ones())
				if tc.want == KindToggleLog {
					assert.Equal(t, MaxToggleLogLen, up.Cap())
					assert.False(t, up.IsFull())
				}
			})
		}
	}
}
