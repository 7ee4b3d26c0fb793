package proto

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/chunk"
)

func TestFrameLayouts(t *testing.T) {
	assert.Equal(t,
		[]byte{0x00, 0x01, 0x02, 0x03, 0, 0, 0, 9, 0, 0, 0x01, 0x00},
		EncodeToggleCheckbox(0x010203, 9, 256))
	assert.Equal(t,
		[]byte{0x01, 0, 0, 7, 0, 0, 0, 5},
		EncodeRequestPageData(7, 5))
	assert.Equal(t,
		[]byte{0xFE, 0, 0, 7, 0, 0, 0, 0, 0, 0, 1, 0},
		EncodeResult(7, 256))
	assert.Equal(t,
		[]byte{0x80, 0, 0, 0, 4, 0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 2},
		EncodeCheckboxToggled(3, 4, 2))
	assert.Equal(t,
		[]byte{0xFF, 0, 0, 1, 0, 0, 0, 4, 'n', 'o'},
		EncodeError(1, &RPCError{Code: CodeRateLimited, Message: "no"}))

	c := chunk.NewToggleLog(4)
	c.Toggle(0x0102)
	assert.Equal(t,
		[]byte{0x81, 0, 0, 0, 6, 255, byte(chunk.KindToggleLog), 1, 0, 0x02, 0x01},
		EncodeChunkData(6, 255, c))
}

func TestRequestIDIsTruncatedTo24Bits(t *testing.T) {
	tag, id, ok := ReadHeader(EncodeResult(MaxRequestID+5, 1))
	require.True(t, ok)
	assert.Equal(t, TagResult, tag)
	assert.Equal(t, RequestID(4), id)
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand(EncodeToggleCheckbox(3, 10, checkbox.CheckboxesPerPage-1))
	require.NoError(t, err)
	assert.Equal(t, Command{Tag: TagToggleCheckbox, ID: 3, Page: 10, Offset: checkbox.CheckboxesPerPage - 1}, cmd)

	cmd, err = DecodeCommand(EncodeRequestPageData(4, 11))
	require.NoError(t, err)
	assert.Equal(t, Command{Tag: TagRequestPageData, ID: 4, Page: 11}, cmd)
}

func TestDecodeCommandErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		frame  []byte
		want   error
		header bool
	}{
		{"empty", nil, ErrMalformed, false},
		{"short header", []byte{0, 0}, ErrMalformed, false},
		{"short toggle", EncodeToggleCheckbox(1, 1, 1)[:10], ErrMalformed, true},
		{"long page request", append(EncodeRequestPageData(1, 1), 0), ErrMalformed, true},
		{"offset out of range", EncodeToggleCheckbox(1, 1, checkbox.CheckboxesPerPage), ErrOutOfRange, true},
		{"page out of range", EncodeRequestPageData(1, checkbox.PageNo(checkbox.Pages)), ErrOutOfRange, true},
		{"server tag", EncodeResult(1, 1), ErrUnknownTag, true},
		{"unknown tag", []byte{0x42, 0, 0, 9}, ErrUnknownTag, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := DecodeCommand(tc.frame)
			assert.ErrorIs(t, err, tc.want)
			_, id, ok := ReadHeader(tc.frame)
			assert.Equal(t, tc.header, ok)
			assert.Equal(t, id, cmd.ID)
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	m, err := DecodeMessage(EncodeResult(12, 99))
	require.NoError(t, err)
	assert.Equal(t, Message{Tag: TagResult, ID: 12, Time: 99}, m)

	m, err = DecodeMessage(EncodeError(13, &RPCError{Code: CodeOutOfRange, Message: "page 1"}))
	require.NoError(t, err)
	assert.Equal(t, RequestID(13), m.ID)
	assert.Equal(t, &RPCError{Code: CodeOutOfRange, Message: "page 1"}, m.Err)

	m, err = DecodeMessage(EncodeCheckboxToggled(5, 6, 7))
	require.NoError(t, err)
	assert.Equal(t, Message{Tag: TagCheckboxToggled, Page: 5, Offset: 6, Time: 7}, m)

	b := chunk.NewBitmap()
	b.Toggle(1000)
	m, err = DecodeMessage(EncodeChunkData(8, 3, b))
	require.NoError(t, err)
	assert.Equal(t, TagChunkData, m.Tag)
	assert.Equal(t, checkbox.PageNo(8), m.Page)
	assert.Equal(t, 3, m.ChunkIndex)
	assert.Equal(t, chunk.KindBitmap, m.Chunk.Kind())
	assert.True(t, m.Chunk.Get(1000))
	assert.Equal(t, 1, m.Chunk.Ones())
}

func TestDecodeMessageErrors(t *testing.T) {
	b := EncodeChunkData(8, 3, chunk.NewBitmap())
	for name, tc := range map[string]struct {
		frame []byte
		want  error
	}{
		"empty":               {nil, ErrMalformed},
		"short result":        {EncodeResult(1, 1)[:6], ErrMalformed},
		"short error":         {[]byte{0xFF, 0, 0, 1, 0}, ErrMalformed},
		"truncated chunk":     {b[:len(b)-1], ErrMalformed},
		"trailing chunk":      {append(append([]byte{}, b...), 0), ErrMalformed},
		"unknown kind":        {[]byte{0x81, 0, 0, 0, 1, 0, 9}, ErrMalformed},
		"command tag":         {EncodeRequestPageData(1, 1), ErrUnknownTag},
		"toggle out of range": {EncodeCheckboxToggled(1, checkbox.CheckboxesPerPage, 1), ErrOutOfRange},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage(tc.frame)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestToRPCError(t *testing.T) {
	assert.Equal(t, CodeUnknownMethod, ToRPCError(fmt.Errorf("%w: x", ErrUnknownTag)).Code)
	assert.Equal(t, CodeMalformed, ToRPCError(ErrMalformed).Code)
	assert.Equal(t, CodeOutOfRange, ToRPCError(fmt.Errorf("wrapped: %w", ErrOutOfRange)).Code)
	assert.Equal(t, CodeRateLimited, ToRPCError(ErrRateLimited).Code)
	assert.Equal(t, CodeUnavailable, ToRPCError(ErrUnavailable).Code)
	assert.Equal(t, CodeUnknown, ToRPCError(errors.New("boom")).Code)

	orig := &RPCError{Code: CodeMalformed}
	assert.Same(t, orig, ToRPCError(fmt.Errorf("wrapped: %w", orig)))
	assert.ErrorIs(t, &RPCError{Code: CodeRateLimited}, ErrRateLimited)
	assert.NotErrorIs(t, &RPCError{Code: CodeRateLimited}, ErrMalformed)
}
