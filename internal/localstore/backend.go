package localstore

import (
	"context"
	"errors"
)

// ErrConflict is returned when an optimistic transaction keeps losing races
var ErrConflict = errors.New("localstore: transaction conflict")

// Tx reads and writes keys of one namespace
type Tx interface {
	// Get returns nil when the key is absent
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}

// Backend is a namespaced transactional key/value store.
// Update runs fn atomically; fn may be invoked more than once on retry.
type Backend interface {
	View(ctx context.Context, namespace string, fn func(Tx) error) error
	Update(ctx context.Context, namespace string, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
