package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/chunk"
)

// Command is a decoded client to server frame. Offset is only set for
// TagToggleCheckbox.
type Command struct {
	Tag    Tag
	ID     RequestID
	Page   checkbox.PageNo
	Offset checkbox.Offset
}

// DecodeCommand parses a client frame. Errors wrap ErrUnknownTag,
// ErrMalformed or ErrOutOfRange; when ReadHeader succeeds on the same frame
// the returned Command still carries its tag and id for the error reply.
func DecodeCommand(frame []byte) (Command, error) {
	tag, id, ok := ReadHeader(frame)
	if !ok {
		return Command{}, fmt.Errorf("%w: %d byte frame", ErrMalformed, len(frame))
	}
	cmd := Command{Tag: tag, ID: id}
	switch tag {
	case TagToggleCheckbox:
		if len(frame) != toggleCheckboxSize {
			return cmd, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, tag, toggleCheckboxSize, len(frame))
		}
		cmd.Page = checkbox.PageNo(binary.BigEndian.Uint32(frame[4:]))
		cmd.Offset = checkbox.Offset(binary.BigEndian.Uint32(frame[8:]))
		if !cmd.Offset.Valid() {
			return cmd, fmt.Errorf("%w: offset %d", ErrOutOfRange, cmd.Offset)
		}
	case TagRequestPageData:
		if len(frame) != requestPageDataSize {
			return cmd, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, tag, requestPageDataSize, len(frame))
		}
		cmd.Page = checkbox.PageNo(binary.BigEndian.Uint32(frame[4:]))
	default:
		return cmd, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	if !cmd.Page.Valid() {
		return cmd, fmt.Errorf("%w: page %d", ErrOutOfRange, cmd.Page)
	}
	return cmd, nil
}

// Message is a decoded server to client frame. Which fields are set depends
// on Tag:
//
//	TagResult:          ID, Time
//	TagError:           ID, Err
//	TagCheckboxToggled: Page, Offset, Time
//	TagChunkData:       Page, ChunkIndex, Chunk
type Message struct {
	Tag        Tag
	ID         RequestID
	Time       checkbox.Time
	Page       checkbox.PageNo
	Offset     checkbox.Offset
	ChunkIndex int
	Chunk      *chunk.Chunk
	Err        *RPCError
}

// DecodeMessage parses a server frame.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	m := Message{Tag: Tag(frame[0])}
	switch m.Tag {
	case TagResult:
		if len(frame) != resultSize {
			return m, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, m.Tag, resultSize, len(frame))
		}
		_, m.ID, _ = ReadHeader(frame)
		m.Time = checkbox.Time(binary.BigEndian.Uint64(frame[4:]))
	case TagError:
		if len(frame) < errorHeaderSize {
			return m, fmt.Errorf("%w: %s needs at least %d bytes, got %d", ErrMalformed, m.Tag, errorHeaderSize, len(frame))
		}
		_, m.ID, _ = ReadHeader(frame)
		m.Err = &RPCError{
			Code:    Code(binary.BigEndian.Uint32(frame[4:])),
			Message: string(frame[errorHeaderSize:]),
		}
	case TagCheckboxToggled:
		if len(frame) != checkboxToggledSize {
			return m, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, m.Tag, checkboxToggledSize, len(frame))
		}
		m.Offset = checkbox.Offset(binary.BigEndian.Uint32(frame[1:]))
		m.Page = checkbox.PageNo(binary.BigEndian.Uint32(frame[5:]))
		m.Time = checkbox.Time(binary.BigEndian.Uint64(frame[9:]))
		if !m.Page.Valid() || !m.Offset.Valid() {
			return m, fmt.Errorf("%w: page %d offset %d", ErrOutOfRange, m.Page, m.Offset)
		}
	case TagChunkData:
		if len(frame) < chunkDataHeaderSize {
			return m, fmt.Errorf("%w: %s needs at least %d bytes, got %d", ErrMalformed, m.Tag, chunkDataHeaderSize, len(frame))
		}
		m.Page = checkbox.PageNo(binary.BigEndian.Uint32(frame[1:]))
		m.ChunkIndex = int(frame[5])
		c, n, err := chunk.Load(chunk.Kind(frame[6]), frame[chunkDataHeaderSize:])
		if err != nil {
			return m, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if n != len(frame)-chunkDataHeaderSize {
			return m, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(frame)-chunkDataHeaderSize-n)
		}
		if !m.Page.Valid() {
			return m, fmt.Errorf("%w: page %d", ErrOutOfRange, m.Page)
		}
		m.Chunk = c
	default:
		return m, fmt.Errorf("%w: %s", ErrUnknownTag, m.Tag)
	}
	return m, nil
}
