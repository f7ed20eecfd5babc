package localstore

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBackendStore(t *testing.T) {
	client := newRedis(t)
	ctx := context.Background()
	s := New("redis-"+uuid.NewString(), NewRedisBackend(client, 5), Options{})
	defer s.Close()

	_, err := s.AddMatch(ctx, profile("a"))
	require.NoError(t, err)
	require.NoError(t, s.MarkRead(ctx, "a"))

	matches := s.Matches(ctx)
	require.Len(t, matches, 1)
	p, ok := s.Character(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "Name a", p.Name)
}

func TestRedisUpdateRetriesOnConflict(t *testing.T) {
	client := newRedis(t)
	ctx := context.Background()
	backend := NewRedisBackend(client, 3)
	ns := "user:conflict-" + uuid.NewString()

	attempts := 0
	err := backend.Update(ctx, ns, func(tx Tx) error {
		attempts++
		if attempts == 1 {
			// a competing writer commits between WATCH and EXEC
			require.NoError(t, client.Incr(ctx, ns+":"+versionKey).Err())
		}
		return tx.Put("k", []byte("v"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	v, err := client.Get(ctx, ns+":k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestRedisUpdateGivesUpAfterRetries(t *testing.T) {
	client := newRedis(t)
	ctx := context.Background()
	backend := NewRedisBackend(client, 2)
	ns := "user:busy-" + uuid.NewString()

	err := backend.Update(ctx, ns, func(tx Tx) error {
		require.NoError(t, client.Incr(ctx, ns+":"+versionKey).Err())
		return tx.Put("k", []byte("v"))
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRedisConcurrentAppendsAreNotLost(t *testing.T) {
	client := newRedis(t)
	ctx := context.Background()
	s := New("redis-"+uuid.NewString(), NewRedisBackend(client, 50), Options{})
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AddMatch(ctx, profile(uuid.NewString()))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Matches(ctx), 10)
}
