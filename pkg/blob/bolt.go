package blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("blobs")

// BoltStore keeps blobs in a single bbolt bucket.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Read(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v, ok := lookup(tx, key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		// v is only valid for the life of the transaction
		out = append([]byte{}, v...)
		return nil
	})
	return out, err
}

// lookup uses a cursor so that empty values are told apart from missing keys.
func lookup(tx *bolt.Tx, key string) ([]byte, bool) {
	k, v := tx.Bucket(boltBucket).Cursor().Seek([]byte(key))
	if k == nil || !bytes.Equal(k, []byte(key)) {
		return nil, false
	}
	return v, true
}

func (b *BoltStore) Write(_ context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (b *BoltStore) Exists(_ context.Context, key string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		_, ok = lookup(tx, key)
		return nil
	})
	return ok, err
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
