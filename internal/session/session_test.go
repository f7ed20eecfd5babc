package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"swipe-companion/backend/internal/ai"
	"swipe-companion/backend/internal/chat"
	"swipe-companion/backend/internal/localstore"
	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/internal/outbox"
	"swipe-companion/backend/internal/remote"
	"swipe-companion/backend/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoChat struct{}

func (echoChat) StartChat(string) ai.Conversation { return echoConv{} }

type echoConv struct{}

func (echoConv) Send(_ context.Context, text string) (string, error) { return "echo " + text, nil }

type noImages struct{}

func (noImages) GenerateImage(context.Context, string) (string, error) { return "", ai.ErrNoImage }

func newManager(t *testing.T, rs remote.Store, secret string, tune ...func(*Options)) (*Manager, localstore.Backend) {
	t.Helper()
	backend, err := localstore.OpenBolt(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	opts := Options{
		Outbox: outbox.Options{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
	for _, fn := range tune {
		fn(&opts)
	}
	m := NewManager(Deps{
		Backend: backend,
		KeyRing: localstore.NewKeyRing(secret),
		Remote:  rs,
		Chat:    echoChat{},
		Images:  noImages{},
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "test", FailureThreshold: 100, RetryTimeout: time.Millisecond,
		}, nil),
	}, opts)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, backend
}

func TestGetReusesHandlePerUser(t *testing.T) {
	m, _ := newManager(t, remote.NewMemoryStore(), "")
	ctx := context.Background()

	a1, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	a2, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	b, err := m.Get(ctx, "bob")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, 2, m.Len())
	assert.Same(t, a1.Chat("c1"), a1.Chat("c1"))

	_, err = m.Get(ctx, "")
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestHandlesAreIsolated(t *testing.T) {
	m, _ := newManager(t, remote.NewMemoryStore(), "secret")
	ctx := context.Background()

	alice, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	bob, err := m.Get(ctx, "bob")
	require.NoError(t, err)

	_, err = alice.Store.AddMatch(ctx, models.CharacterProfile{ID: "c1", Name: "Mia"})
	require.NoError(t, err)

	assert.Len(t, alice.Store.Matches(ctx), 1)
	assert.Empty(t, bob.Store.Matches(ctx))
}

func TestChatThroughHandleWritesBehind(t *testing.T) {
	rs := remote.NewMemoryStore()
	rs.SeedCharacter("alice", models.CharacterProfile{ID: "c1", Name: "Mia", SystemInstruction: "be Mia"})
	m, _ := newManager(t, rs, "secret")
	ctx := context.Background()

	h, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	s := h.Chat("c1")
	require.NoError(t, s.Open(ctx))

	ex, err := s.Send(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo hi", ex.Reply.Content)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.Outbox.Drain(drainCtx))
	assert.Len(t, rs.Messages("alice", "c1"), 2)
}

func TestNewHandleRequeuesUnsyncedRecords(t *testing.T) {
	rs := remote.NewMemoryStore()
	m, backend := newManager(t, rs, "")
	ctx := context.Background()

	// a previous process left an unsynced match behind
	prev := localstore.New("alice", backend, localstore.Options{})
	_, err := prev.AddMatch(ctx, models.CharacterProfile{ID: "m1", Name: "Mia"}, localstore.Unsynced())
	require.NoError(t, err)
	prev.Close()

	h, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.Outbox.Drain(drainCtx))

	_, owner, ok := rs.Character("m1")
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
	match, ok := h.Store.Match(ctx, "m1")
	require.True(t, ok)
	assert.False(t, match.Unsynced)
}

func TestCloseRejectsNewHandles(t *testing.T) {
	rs := remote.NewMemoryStore()
	m, _ := newManager(t, rs, "")
	ctx := context.Background()

	_, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 0, m.Len())

	_, err = m.Get(ctx, "alice")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestUnknownCharacterIsForgottenAfterTTL(t *testing.T) {
	rs := remote.NewMemoryStore()
	m, _ := newManager(t, rs, "", func(o *Options) { o.NotFoundTTL = 50 * time.Millisecond })
	ctx := context.Background()

	h, err := m.Get(ctx, "alice")
	require.NoError(t, err)

	first, err := h.OpenChat(ctx, "ghost")
	require.ErrorIs(t, err, chat.ErrNotFound)
	again, err := h.OpenChat(ctx, "ghost")
	require.ErrorIs(t, err, chat.ErrNotFound)
	assert.Same(t, first, again)
	assert.Equal(t, 1, rs.Calls(remote.OpGetCharacter))

	assert.Eventually(t, func() bool { return h.OpenChats() == 0 }, 2*time.Second, 10*time.Millisecond)

	rs.SeedCharacter("alice", models.CharacterProfile{ID: "ghost", Name: "Late"})
	s, err := h.OpenChat(ctx, "ghost")
	require.NoError(t, err)
	assert.NotSame(t, first, s)
	assert.Equal(t, chat.StateReady, s.State())
}

func TestChatSessionsAreBounded(t *testing.T) {
	m, _ := newManager(t, remote.NewMemoryStore(), "", func(o *Options) { o.MaxChats = 2 })
	h, err := m.Get(context.Background(), "alice")
	require.NoError(t, err)

	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		h.Chat(id)
	}
	assert.Equal(t, 2, h.OpenChats())
}
