package blob

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Open creates the store for a backend. path is a directory for fs; sqlite
// and bolt keep a single file inside it. redisAddr is only used by redis,
// which prefixes its keys with "checkboxes:".
func Open(ctx context.Context, backend, path, redisAddr string) (Store, error) {
	switch backend {
	case BackendFS, "":
		return NewFileStore(path)
	case BackendSQLite:
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		return NewSQLiteStore(filepath.Join(path, "pages.sqlite3"))
	case BackendBolt:
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		return NewBoltStore(filepath.Join(path, "pages.bolt"))
	case BackendRedis:
		return NewRedisStore(ctx, redisAddr, "checkboxes:")
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func ensureDir(path string) error {
	_, err := NewFileStore(path)
	return err
}
