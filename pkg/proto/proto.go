// Package proto encodes and decodes the binary frames exchanged over the
// sync connection.
//
// Every client command and every reply to one starts with a tag byte and a
// 3 byte big-endian request id. Broadcasts carry only the tag. All integers
// are big-endian; chunk payloads keep their own little-endian encoding.
package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/chunk"
)

// Subprotocol is negotiated on the websocket upgrade.
const Subprotocol = "checkboxes-rpc-1.0"

type Tag uint8

const (
	TagToggleCheckbox  Tag = 0x00
	TagRequestPageData Tag = 0x01

	TagCheckboxToggled Tag = 0x80
	TagChunkData       Tag = 0x81

	TagResult Tag = 0xFE
	TagError  Tag = 0xFF
)

func (t Tag) String() string {
	switch t {
	case TagToggleCheckbox:
		return "ToggleCheckbox"
	case TagRequestPageData:
		return "RequestPageData"
	case TagCheckboxToggled:
		return "CheckboxToggled"
	case TagChunkData:
		return "ChunkData"
	case TagResult:
		return "Result"
	case TagError:
		return "Error"
	default:
		return fmt.Sprintf("Tag(%#02x)", uint8(t))
	}
}

// IsBroadcast reports whether frames with this tag carry no request id.
func (t Tag) IsBroadcast() bool {
	return t == TagCheckboxToggled || t == TagChunkData
}

// RequestID correlates a command with its Result or Error. Only the low 24
// bits are sent.
type RequestID uint32

const MaxRequestID RequestID = 1<<24 - 1

// HeaderSize is the tag plus the request id.
const HeaderSize = 4

const (
	toggleCheckboxSize  = HeaderSize + 8
	requestPageDataSize = HeaderSize + 4
	resultSize          = HeaderSize + 8
	checkboxToggledSize = 1 + 16
	chunkDataHeaderSize = 1 + 6
	errorHeaderSize     = HeaderSize + 4
)

func appendHeader(buf []byte, tag Tag, id RequestID) []byte {
	return append(buf, byte(tag), byte(id>>16), byte(id>>8), byte(id))
}

// ReadHeader returns the tag and request id of a frame that has one.
func ReadHeader(frame []byte) (Tag, RequestID, bool) {
	if len(frame) < HeaderSize {
		return 0, 0, false
	}
	return Tag(frame[0]), RequestID(frame[1])<<16 | RequestID(frame[2])<<8 | RequestID(frame[3]), true
}

func EncodeToggleCheckbox(id RequestID, p checkbox.PageNo, o checkbox.Offset) []byte {
	buf := appendHeader(make([]byte, 0, toggleCheckboxSize), TagToggleCheckbox, id)
	buf = binary.BigEndian.AppendUint32(buf, uint32(p))
	return binary.BigEndian.AppendUint32(buf, uint32(o))
}

func EncodeRequestPageData(id RequestID, p checkbox.PageNo) []byte {
	buf := appendHeader(make([]byte, 0, requestPageDataSize), TagRequestPageData, id)
	return binary.BigEndian.AppendUint32(buf, uint32(p))
}

// EncodeResult answers either command: the toggle time or the durable page time.
func EncodeResult(id RequestID, t checkbox.Time) []byte {
	buf := appendHeader(make([]byte, 0, resultSize), TagResult, id)
	return binary.BigEndian.AppendUint64(buf, uint64(t))
}

func EncodeError(id RequestID, e *RPCError) []byte {
	buf := appendHeader(make([]byte, 0, errorHeaderSize+len(e.Message)), TagError, id)
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.Code))
	return append(buf, e.Message...)
}

func EncodeCheckboxToggled(p checkbox.PageNo, o checkbox.Offset, t checkbox.Time) []byte {
	buf := make([]byte, 0, checkboxToggledSize)
	buf = append(buf, byte(TagCheckboxToggled))
	buf = binary.BigEndian.AppendUint32(buf, uint32(o))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p))
	return binary.BigEndian.AppendUint64(buf, uint64(t))
}

func EncodeChunkData(p checkbox.PageNo, index int, c *chunk.Chunk) []byte {
	buf := make([]byte, 0, chunkDataHeaderSize+c.Bytes())
	buf = append(buf, byte(TagChunkData))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p))
	buf = append(buf, byte(index), byte(c.Kind()))
	return c.AppendSave(buf)
}
