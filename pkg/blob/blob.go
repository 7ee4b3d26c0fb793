// Package blob is the byte-blob store that durable pages are written to.
//
// Keys are slash separated paths. Every backend treats them as opaque
// strings except the filesystem one, which maps them onto directories.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
)

var ErrNotFound = errors.New("blob not found")

// Store reads and writes whole blobs. A Write replaces any previous value
// atomically: a concurrent or later Read sees either the old or the new bytes.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// ClockKey holds the highest time the server has ever persisted.
const ClockKey = "clock"

const metaSuffix = ".meta"

// PageKey is the body key of page p. The two low bytes of the page number
// shard the pages over 65536 directories.
func PageKey(p checkbox.PageNo) string {
	return fmt.Sprintf("pages/%02x/%02x/%08x", uint8(p), uint8(p>>8), uint32(p))
}

// MetaKey is the sidecar holding the durable time of page p.
func MetaKey(p checkbox.PageNo) string {
	return PageKey(p) + metaSuffix
}

// FormatTime renders a time the way sidecars store it: a plain decimal.
func FormatTime(t checkbox.Time) []byte {
	return strconv.AppendUint(nil, uint64(t), 10)
}

func ParseTime(b []byte) (checkbox.Time, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse time %q: %w", b, err)
	}
	return checkbox.Time(v), nil
}

// ReadTime reads a decimal time blob. A missing key is time zero.
func ReadTime(ctx context.Context, s Store, key string) (checkbox.Time, error) {
	raw, err := s.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return ParseTime(raw)
}

func WriteTime(ctx context.Context, s Store, key string, t checkbox.Time) error {
	return s.Write(ctx, key, FormatTime(t))
}
