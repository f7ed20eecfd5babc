package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltBackend keeps every namespace in its own bucket of a single file
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path
func OpenBolt(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create local store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local store %s: %w", path, err)
	}
	return &BoltBackend{db: db}, nil
}

type boltTx struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
	name   []byte
}

func (t *boltTx) Get(key string) ([]byte, error) {
	if t.bucket == nil {
		return nil, nil
	}
	v := t.bucket.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	// bolt memory is only valid inside the transaction
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *boltTx) Put(key string, value []byte) error {
	if t.bucket == nil {
		b, err := t.tx.CreateBucketIfNotExists(t.name)
		if err != nil {
			return err
		}
		t.bucket = b
	}
	return t.bucket.Put([]byte(key), value)
}

// View runs a read-only transaction
func (b *BoltBackend) View(_ context.Context, namespace string, fn func(Tx) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		name := []byte(namespace)
		return fn(&boltTx{tx: tx, bucket: tx.Bucket(name), name: name})
	})
}

// Update runs a read-write transaction; bolt serializes writers
func (b *BoltBackend) Update(_ context.Context, namespace string, fn func(Tx) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		name := []byte(namespace)
		return fn(&boltTx{tx: tx, bucket: tx.Bucket(name), name: name})
	})
}

// Ping verifies the file is readable
func (b *BoltBackend) Ping(context.Context) error {
	return b.db.View(func(*bolt.Tx) error { return nil })
}

// Close closes the database file
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
