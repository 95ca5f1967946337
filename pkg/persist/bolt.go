package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const snapshotsBucket = "snapshots"

var snapshotsBucketB = []byte(snapshotsBucket)

// BoltSaver keeps every dataset as one key of a bbolt database.
type BoltSaver struct {
	db *bolt.DB
}

func NewBoltSaver(path string) (*BoltSaver, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      2 * time.Second,
		FreelistType: bolt.FreelistMapType,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucketB)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSaver{db: db}, nil
}

func (s *BoltSaver) Save(ctx context.Context, value interface{}, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := Encode(value, key)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucketB)
		if b == nil {
			return fmt.Errorf("missing bucket %s", snapshotsBucket)
		}
		return b.Put([]byte(key), out)
	})
}

// Load returns a copy of the dataset saved under key, or nil.
func (s *BoltSaver) Load(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucketB)
		if b == nil {
			return fmt.Errorf("missing bucket %s", snapshotsBucket)
		}
		if v := b.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Keys lists the saved datasets in key order.
func (s *BoltSaver) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucketB)
		if b == nil {
			return fmt.Errorf("missing bucket %s", snapshotsBucket)
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *BoltSaver) Close() error {
	return s.db.Close()
}
