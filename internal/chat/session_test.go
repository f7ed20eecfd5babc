package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"swipe-companion/backend/internal/ai"
	"swipe-companion/backend/internal/localstore"
	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)

type fakeConv struct {
	reply func(text string) (string, error)
}

func (c *fakeConv) Send(_ context.Context, text string) (string, error) {
	return c.reply(text)
}

type fakeChat struct {
	mu      sync.Mutex
	started []string
	reply   func(text string) (string, error)
}

func (f *fakeChat) StartChat(systemInstruction string) ai.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, systemInstruction)
	return &fakeConv{reply: func(text string) (string, error) { return f.reply(text) }}
}

type fakeImages struct {
	prompts []string
	url     string
	err     error
	panic   bool
}

func (f *fakeImages) GenerateImage(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.panic {
		panic("image backend exploded")
	}
	return f.url, f.err
}

type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) Publish(_ string, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

type recordingWriter struct {
	mu   sync.Mutex
	msgs []models.ChatMessage
}

func (w *recordingWriter) EnqueueMessage(msg models.ChatMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
}

type stubSyncer struct{ calls int }

func (s *stubSyncer) MaybeSync(context.Context) bool {
	s.calls++
	return false
}

type fixture struct {
	local    *localstore.Store
	remote   *remote.MemoryStore
	chat     *fakeChat
	images   *fakeImages
	listener *recordingListener
	writer   *recordingWriter
	sync     *stubSyncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := localstore.OpenBolt(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	local := localstore.New("u1", backend, localstore.Options{})
	t.Cleanup(local.Close)

	return &fixture{
		local:  local,
		remote: remote.NewMemoryStore(),
		chat: &fakeChat{reply: func(text string) (string, error) {
			return "you said " + text, nil
		}},
		images:   &fakeImages{url: "https://img.example/selfie.png"},
		listener: &recordingListener{},
		writer:   &recordingWriter{},
		sync:     &stubSyncer{},
	}
}

func (f *fixture) session(characterID string, tune ...func(*Options)) *Session {
	seq := 0
	tick := base
	opts := Options{
		Now: func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("gen-%d", seq)
		},
	}
	for _, fn := range tune {
		fn(&opts)
	}
	return New(characterID, Deps{
		UserID:   "u1",
		Local:    f.local,
		Remote:   f.remote,
		Outbox:   f.writer,
		Sync:     f.sync,
		Chat:     f.chat,
		Images:   f.images,
		Listener: f.listener,
	}, opts)
}

func persona(id string) models.CharacterProfile {
	return models.CharacterProfile{ID: id, Name: "Mia", SystemInstruction: "You are Mia.", ImagePrompt: "brunette at the beach"}
}

func seedRemoteHistory(f *fixture, id string, n int) {
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		f.remote.SeedMessage("u1", models.ChatMessage{
			ID:          fmt.Sprintf("%s-%03d", id, i),
			CharacterID: id,
			Role:        role,
			Content:     fmt.Sprintf("msg %d", i),
			CreatedAt:   base.Add(-time.Duration(n-i) * time.Minute),
		})
	}
}

func TestOpenWithoutCacheHydratesFromRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.SeedCharacter("u1", persona("c1"))
	seedRemoteHistory(f, "c1", 3)

	s := f.session("c1")
	require.NoError(t, s.Open(ctx))

	assert.Equal(t, StateReady, s.State())
	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"c1-000", "c1-001", "c1-002"}, ids(msgs))

	p, ok := f.local.Character(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, "Mia", p.Name)
	assert.Len(t, f.local.RecentMessages(ctx, "c1", 0), 3)

	require.Len(t, f.chat.started, 1)
	assert.Equal(t, "You are Mia.", f.chat.started[0])
	assert.Equal(t, 1, f.sync.calls)
}

func TestOpenUsesCacheWithoutRemoteCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.local.AddMatch(ctx, persona("c1"))
	require.NoError(t, err)
	require.NoError(t, f.local.AppendMessage(ctx, "c1", models.ChatMessage{
		ID: "cached-1", CharacterID: "c1", Role: models.RoleUser, Content: "hey", CreatedAt: base,
	}))

	s := f.session("c1")
	require.NoError(t, s.Open(ctx))

	assert.Equal(t, []string{"cached-1"}, ids(s.Messages()))
	assert.Equal(t, 0, f.remote.Calls(remote.OpGetCharacter))
	assert.Equal(t, 0, f.remote.Calls(remote.OpRecentMessages))
}

func TestOpenUnknownCharacterIsTerminal(t *testing.T) {
	f := newFixture(t)
	s := f.session("ghost")

	assert.ErrorIs(t, s.Open(context.Background()), ErrNotFound)
	assert.Equal(t, StateNotFound, s.State())
	assert.ErrorIs(t, s.Open(context.Background()), ErrNotFound)
	assert.Equal(t, 1, f.remote.Calls(remote.OpGetCharacter))

	_, err := s.Send(context.Background(), "hello?")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestOpenRemoteFailureCanBeRetried(t *testing.T) {
	f := newFixture(t)
	f.remote.SeedCharacter("u1", persona("c1"))
	f.remote.SetError(remote.OpGetCharacter, errors.New("offline"))

	s := f.session("c1")
	err := s.Open(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StateUninitialized, s.State())

	f.remote.SetError(remote.OpGetCharacter, nil)
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, StateReady, s.State())
}

func TestEmptyConversationShowsWelcomeAndIsExhausted(t *testing.T) {
	f := newFixture(t)
	f.remote.SeedCharacter("u1", persona("c1"))

	s := f.session("c1")
	require.NoError(t, s.Open(context.Background()))
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, WelcomeID, msgs[0].ID)
	assert.Equal(t, "Heyy", msgs[0].Content)

	page, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, page.Exhausted)
	assert.Equal(t, 0, f.remote.Calls(remote.OpMessagesBefore))
}

func TestFailedBackfillIsRetriedOnNextOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.SeedCharacter("u1", persona("c1"))
	seedRemoteHistory(f, "c1", 3)
	f.remote.SetError(remote.OpRecentMessages, errors.New("timeout"))

	first := f.session("c1")
	require.NoError(t, first.Open(ctx))
	assert.Equal(t, []string{WelcomeID}, ids(first.Messages()))
	_, cached := f.local.Character(ctx, "c1")
	require.True(t, cached)

	f.remote.SetError(remote.OpRecentMessages, nil)
	second := f.session("c1")
	require.NoError(t, second.Open(ctx))
	assert.Equal(t, []string{"c1-000", "c1-001", "c1-002"}, ids(second.Messages()))
	assert.Len(t, f.local.RecentMessages(ctx, "c1", 0), 3)
}

func TestLoadOlderRecoversAfterFailedBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.SeedCharacter("u1", persona("c1"))
	seedRemoteHistory(f, "c1", 3)
	f.remote.SetError(remote.OpRecentMessages, errors.New("timeout"))

	s := f.session("c1")
	require.NoError(t, s.Open(ctx))
	require.Equal(t, []string{WelcomeID}, ids(s.Messages()))

	page, err := s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.False(t, page.Exhausted)
	assert.Equal(t, []string{"c1-000", "c1-001", "c1-002"}, ids(page.Messages))
	assert.Equal(t, []string{"c1-000", "c1-001", "c1-002"}, ids(s.Messages()), "welcome is dropped once history loads")
	assert.Len(t, f.local.RecentMessages(ctx, "c1", 0), 3)

	page, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.True(t, page.Exhausted)
}

func TestLoadOlderStepsPastKnownMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.local.AddMatch(ctx, persona("c1"))
	require.NoError(t, err)
	require.NoError(t, f.local.AppendMessage(ctx, "c1", models.ChatMessage{
		ID: "c1-004", CharacterID: "c1", Role: models.RoleUser, Content: "latest", CreatedAt: base,
	}))
	// the remote copy of c1-004 carries an earlier timestamp than the cached one
	for i := 0; i < 5; i++ {
		at := base.Add(-time.Duration(5-i) * time.Minute)
		if i == 4 {
			at = base.Add(-30 * time.Second)
		}
		f.remote.SeedMessage("u1", models.ChatMessage{
			ID: fmt.Sprintf("c1-%03d", i), CharacterID: "c1", Role: models.RoleUser,
			Content: fmt.Sprintf("msg %d", i), CreatedAt: at,
		})
	}

	s := f.session("c1", func(o *Options) { o.PageSize = 1 })
	require.NoError(t, s.Open(ctx))
	require.Equal(t, []string{"c1-004"}, ids(s.Messages()))

	pages := 0
	for {
		page, err := s.LoadOlder(ctx)
		require.NoError(t, err)
		if page.Exhausted {
			break
		}
		require.NotEmpty(t, page.Messages)
		pages++
		require.Less(t, pages, 10, "pagination must terminate")
	}
	assert.Equal(t, 4, pages)
	assert.Equal(t, []string{"c1-000", "c1-001", "c1-002", "c1-003", "c1-004"}, ids(s.Messages()))
}

func TestLoadOlderIsMonotonicUntilExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.SeedCharacter("u1", persona("c1"))
	seedRemoteHistory(f, "c1", 95)

	s := f.session("c1")
	require.NoError(t, s.Open(ctx))
	require.Len(t, s.Messages(), DefaultBackfillSize)

	minTime := s.Messages()[0].CreatedAt
	pages := 0
	for {
		page, err := s.LoadOlder(ctx)
		require.NoError(t, err)
		if page.Exhausted {
			break
		}
		pages++
		oldest := s.Messages()[0].CreatedAt
		assert.True(t, oldest.Before(minTime))
		minTime = oldest
	}

	assert.Equal(t, 3, pages)
	msgs := s.Messages()
	require.Len(t, msgs, 95)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i-1].CreatedAt.Before(msgs[i].CreatedAt))
	}

	calls := f.remote.Calls(remote.OpMessagesBefore)
	assert.Equal(t, 4, calls)
	for i := 0; i < 3; i++ {
		page, err := s.LoadOlder(ctx)
		require.NoError(t, err)
		assert.True(t, page.Exhausted)
	}
	assert.Equal(t, calls, f.remote.Calls(remote.OpMessagesBefore))
}

func TestConcurrentLoadOlderIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.SeedCharacter("u1", persona("c1"))
	seedRemoteHistory(f, "c1", 60)

	s := f.session("c1")
	require.NoError(t, s.Open(ctx))

	release := make(chan struct{})
	entered := make(chan struct{})
	f.remote.SetHook(remote.OpMessagesBefore, func() {
		close(entered)
		<-release
	})

	done := make(chan error)
	go func() {
		_, err := s.LoadOlder(ctx)
		done <- err
	}()
	<-entered

	_, err := s.LoadOlder(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.remote.Calls(remote.OpMessagesBefore))
}

func TestSendTextReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.local.AddMatch(ctx, persona("c1"))
	require.NoError(t, err)

	s := f.session("c1")
	require.NoError(t, s.Open(ctx))

	ex, err := s.Send(ctx, "  how was your day  ")
	require.NoError(t, err)
	assert.False(t, ex.Fallback)
	assert.Equal(t, "how was your day", ex.User.Content)
	assert.Equal(t, "you said how was your day", ex.Reply.Content)
	assert.True(t, ex.Reply.CreatedAt.After(ex.User.CreatedAt))

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, WelcomeID, msgs[0].ID)

	local := f.local.RecentMessages(ctx, "c1", 0)
	assert.Equal(t, []string{ex.User.ID, ex.Reply.ID}, ids(local))
	assert.Len(t, f.writer.msgs, 2)

	m, ok := f.local.Match(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, 0, m.UnreadCount)
	require.NotNil(t, m.LastMessage)
	assert.Equal(t, ex.Reply.Content, *m.LastMessage)
}

func TestSendPicProducesOnePlaceholderThenImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.local.AddMatch(ctx, persona("c1"))
	require.NoError(t, err)
	s := f.session("c1")
	require.NoError(t, s.Open(ctx))

	ex, err := s.Send(ctx, "Can you SEND A PIC?")
	require.NoError(t, err)

	assert.False(t, ex.Fallback)
	assert.Equal(t, "https://img.example/selfie.png", ex.Reply.ImageURL)
	require.Len(t, f.images.prompts, 1)
	assert.Equal(t, "A new selfie based on this description: brunette at the beach. The person should look happy.", f.images.prompts[0])

	assert.Equal(t, []EventKind{
		EventMessageAppended, // user
		EventMessageAppended, // placeholder
		EventMessageRemoved,  // placeholder
		EventMessageAppended, // image
	}, f.listener.kinds())

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, ex.Reply.ID, msgs[2].ID)
	for _, m := range msgs {
		assert.NotEqual(t, placeholderText, m.Content)
	}
}

func TestSendPicFailureUsesImageFallback(t *testing.T) {
	for name, images := range map[string]*fakeImages{
		"error":     {err: errors.New("quota")},
		"empty url": {},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.images = images
			_, err := f.local.AddMatch(ctx, persona("c1"))
			require.NoError(t, err)
			s := f.session("c1")
			require.NoError(t, s.Open(ctx))

			ex, err := s.Send(ctx, "send a pic")
			require.NoError(t, err)
			assert.True(t, ex.Fallback)
			assert.Equal(t, imageFallbackText, ex.Reply.Content)

			removed := 0
			for _, k := range f.listener.kinds() {
				if k == EventMessageRemoved {
					removed++
				}
			}
			assert.Equal(t, 1, removed)
			assert.Len(t, s.Messages(), 3)
			// only the user message is persisted
			assert.Len(t, f.local.RecentMessages(ctx, "c1", 0), 1)
		})
	}
}

func TestSendTextFailureUsesFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chat.reply = func(string) (string, error) { return "", ai.ErrEmptyReply }
	_, err := f.local.AddMatch(ctx, persona("c1"))
	require.NoError(t, err)
	s := f.session("c1")
	require.NoError(t, s.Open(ctx))

	ex, err := s.Send(ctx, "hello")
	require.NoError(t, err)
	assert.True(t, ex.Fallback)
	assert.Equal(t, textFallbackText, ex.Reply.Content)
	assert.Len(t, s.Messages(), 3)
}

func TestPanicDuringReplyBecomesFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.images.panic = true
	_, err := f.local.AddMatch(ctx, persona("c1"))
	require.NoError(t, err)
	s := f.session("c1")
	require.NoError(t, s.Open(ctx))

	ex, err := s.Send(ctx, "show me")
	require.NoError(t, err)
	assert.True(t, ex.Fallback)
	assert.Equal(t, panicFallbackText, ex.Reply.Content)

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, panicFallbackText, msgs[2].Content)

	// the session stays usable
	f.images.panic = false
	_, err = s.Send(ctx, "hi again")
	require.NoError(t, err)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.local.AddMatch(ctx, persona("c1"))
	require.NoError(t, err)
	s := f.session("c1")

	_, err = s.Send(ctx, "early")
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, s.Open(ctx))
	_, err = s.Send(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestConcurrentSendIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.local.AddMatch(ctx, persona("c1"))
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	f.chat.reply = func(text string) (string, error) {
		close(entered)
		<-release
		return "ok", nil
	}
	s := f.session("c1")
	require.NoError(t, s.Open(ctx))

	done := make(chan error)
	go func() {
		_, err := s.Send(ctx, "first")
		done <- err
	}()
	<-entered

	_, err = s.Send(ctx, "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestPhraseClassifier(t *testing.T) {
	c := NewPhraseClassifier()
	assert.Equal(t, IntentImage, c.Classify("What are you WEARING?"))
	assert.Equal(t, IntentImage, c.Classify("got any pics of the trip"))
	assert.Equal(t, IntentText, c.Classify("good morning"))

	custom := NewPhraseClassifier("selfie")
	assert.Equal(t, IntentText, custom.Classify("send a pic"))
	assert.Equal(t, IntentImage, custom.Classify("Selfie time"))
}

func TestCustomClassifierIsUsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.local.AddMatch(ctx, persona("c1"))
	require.NoError(t, err)

	s := New("c1", Deps{
		UserID: "u1", Local: f.local, Remote: f.remote, Chat: f.chat, Images: f.images,
	}, Options{Classifier: ClassifierFunc(func(string) Intent { return IntentImage })})
	require.NoError(t, s.Open(ctx))

	ex, err := s.Send(ctx, "good morning")
	require.NoError(t, err)
	assert.NotEmpty(t, ex.Reply.ImageURL)
}

func ids(msgs []models.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
