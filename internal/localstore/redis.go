package localstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const versionKey = "__version"

// RedisBackend stores namespace keys under a "<namespace>:" prefix.
// Update is a WATCH/MULTI compare-and-swap on a per-namespace version counter.
type RedisBackend struct {
	client  redis.UniversalClient
	retries int
}

// NewRedisBackend wraps a connected client. retries bounds CAS attempts per Update.
func NewRedisBackend(client redis.UniversalClient, retries int) *RedisBackend {
	if retries < 1 {
		retries = 1
	}
	return &RedisBackend{client: client, retries: retries}
}

type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type redisTx struct {
	ctx    context.Context
	reader redisReader
	prefix string
	writes map[string][]byte
	order  []string
}

func (t *redisTx) Get(key string) ([]byte, error) {
	if v, ok := t.writes[key]; ok {
		return v, nil
	}
	v, err := t.reader.Get(t.ctx, t.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

func (t *redisTx) Put(key string, value []byte) error {
	if t.writes == nil {
		return errors.New("localstore: write in read-only transaction")
	}
	if _, seen := t.writes[key]; !seen {
		t.order = append(t.order, key)
	}
	t.writes[key] = value
	return nil
}

// View reads without isolation from concurrent writers
func (b *RedisBackend) View(ctx context.Context, namespace string, fn func(Tx) error) error {
	return fn(&redisTx{ctx: ctx, reader: b.client, prefix: namespace + ":"})
}

// Update buffers writes and commits them only if no other writer bumped the version
func (b *RedisBackend) Update(ctx context.Context, namespace string, fn func(Tx) error) error {
	prefix := namespace + ":"
	version := prefix + versionKey

	for attempt := 0; attempt < b.retries; attempt++ {
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			t := &redisTx{ctx: ctx, reader: tx, prefix: prefix, writes: map[string][]byte{}}
			if err := fn(t); err != nil {
				return err
			}
			if len(t.order) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, key := range t.order {
					pipe.Set(ctx, prefix+key, t.writes[key], 0)
				}
				pipe.Incr(ctx, version)
				return nil
			})
			return err
		}, version)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// Ping checks the redis connection
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller
func (b *RedisBackend) Close() error {
	return nil
}
