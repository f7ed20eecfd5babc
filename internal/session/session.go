// Package session builds the per-user handle that threads the local store,
// write-behind outbox, sync engine, deck and chat sessions of one user.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"swipe-companion/backend/internal/ai"
	"swipe-companion/backend/internal/chat"
	"swipe-companion/backend/internal/deck"
	"swipe-companion/backend/internal/localstore"
	"swipe-companion/backend/internal/outbox"
	"swipe-companion/backend/internal/remote"
	"swipe-companion/backend/internal/syncer"
	"swipe-companion/backend/pkg/cache"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/pkg/resilience"
	"swipe-companion/backend/shared/observability"
)

const (
	// DefaultMaxChats bounds the chat sessions kept per handle
	DefaultMaxChats = 100
	// DefaultNotFoundTTL is how long an unknown character id stays answered
	// from memory before the remote store is asked again
	DefaultNotFoundTTL = 10 * time.Minute
)

var (
	// ErrClosed is returned by Get after Close
	ErrClosed = errors.New("session: manager closed")
	// ErrNoUser is returned for an empty user id
	ErrNoUser = errors.New("session: missing user id")
)

// Handle is everything one authenticated user works with
type Handle struct {
	UserID string
	Store  *localstore.Store
	Remote remote.Store
	Outbox *outbox.Outbox
	Sync   *syncer.Engine
	Deck   *deck.Deck

	chatDeps chat.Deps
	chatOpts chat.Options

	notFoundTTL time.Duration

	mu    sync.Mutex
	chats *cache.Cache[*chat.Session]
}

// Chat returns the conversation with characterID, creating it on first use.
// The session still has to be opened.
func (h *Handle) Chat(characterID string) *chat.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.chats.Get(characterID); ok {
		return s
	}
	s := chat.New(characterID, h.chatDeps, h.chatOpts)
	h.chats.Set(characterID, s)
	return s
}

// OpenChat returns the hydrated conversation with characterID. A character
// found missing is remembered for the not-found TTL and then forgotten, so
// unknown ids do not pile up in memory.
func (h *Handle) OpenChat(ctx context.Context, characterID string) (*chat.Session, error) {
	s := h.Chat(characterID)
	err := s.Open(ctx)
	if errors.Is(err, chat.ErrNotFound) {
		h.mu.Lock()
		if cur, ok := h.chats.Get(characterID); ok && cur == s {
			h.chats.SetWithExpiration(characterID, s, h.notFoundTTL)
		}
		h.mu.Unlock()
	}
	return s, err
}

// OpenChats returns the number of chat sessions held, including expired
// ones the janitor has not purged yet
func (h *Handle) OpenChats() int {
	return h.chats.Count()
}

// Close stops background work and flushes the outbox until ctx is done
func (h *Handle) Close(ctx context.Context) error {
	h.chats.Close()
	h.Deck.Close()
	h.Sync.Close()
	err := h.Outbox.Close(ctx)
	h.Store.Close()
	return err
}

// Deps are the process-wide collaborators shared by every handle
type Deps struct {
	Backend  localstore.Backend
	KeyRing  *localstore.KeyRing
	Remote   remote.Store
	Chat     ai.ChatClient
	Images   ai.ImageClient
	Listener chat.Listener
	Breaker  *resilience.CircuitBreaker
	Logger   *logger.Logger
	Metrics  *observability.Metrics
}

// Options tune the components of each handle. Logger and Metrics are taken from Deps.
type Options struct {
	Store  localstore.Options
	Outbox outbox.Options
	Sync   syncer.Options
	Deck   deck.Options
	Chat   chat.Options

	// MaxChats bounds the chat sessions kept per handle
	MaxChats int
	// NotFoundTTL bounds how long an unknown character is remembered
	NotFoundTTL time.Duration
}

// Manager creates handles on first use and closes them on shutdown
type Manager struct {
	deps Deps
	opts Options
	log  *logger.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewManager creates an empty manager
func NewManager(deps Deps, opts Options) *Manager {
	deps.Logger = logger.OrDiscard(deps.Logger)
	deps.Metrics = observability.OrNop(deps.Metrics)
	if opts.MaxChats <= 0 {
		opts.MaxChats = DefaultMaxChats
	}
	if opts.NotFoundTTL <= 0 {
		opts.NotFoundTTL = DefaultNotFoundTTL
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("remote-writes"), deps.Logger)
	}
	return &Manager{
		deps:    deps,
		opts:    opts,
		log:     deps.Logger.WithComponent("session"),
		handles: make(map[string]*Handle),
	}
}

// Get returns the handle of userID, building it on first use. A new handle
// requeues records left unsynced by an earlier process.
func (m *Manager) Get(ctx context.Context, userID string) (*Handle, error) {
	if userID == "" {
		return nil, ErrNoUser
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if h, ok := m.handles[userID]; ok {
		return h, nil
	}

	h, err := m.build(userID)
	if err != nil {
		return nil, err
	}
	m.handles[userID] = h

	if n := h.Outbox.RequeueUnsynced(ctx); n > 0 {
		m.log.Info("requeued unsynced records", "user_id", userID, "count", n)
	}
	return h, nil
}

func (m *Manager) build(userID string) (*Handle, error) {
	sealer, err := m.deps.KeyRing.Sealer(userID)
	if err != nil {
		return nil, fmt.Errorf("derive local store key: %w", err)
	}

	storeOpts := m.opts.Store
	storeOpts.Sealer = sealer
	storeOpts.Logger = m.deps.Logger
	storeOpts.Metrics = m.deps.Metrics
	store := localstore.New(userID, m.deps.Backend, storeOpts)

	outboxOpts := m.opts.Outbox
	outboxOpts.Breaker = m.deps.Breaker
	outboxOpts.Logger = m.deps.Logger
	outboxOpts.Metrics = m.deps.Metrics
	ob := outbox.New(userID, m.deps.Remote, store, outboxOpts)

	syncOpts := m.opts.Sync
	syncOpts.Logger = m.deps.Logger
	syncOpts.Metrics = m.deps.Metrics
	engine := syncer.New(userID, store, m.deps.Remote, syncOpts)

	deckOpts := m.opts.Deck
	deckOpts.Logger = m.deps.Logger
	deckOpts.Metrics = m.deps.Metrics
	d := deck.New(userID, store, m.deps.Remote, ob, deckOpts)

	chatOpts := m.opts.Chat
	chatOpts.Logger = m.deps.Logger
	chatOpts.Metrics = m.deps.Metrics

	return &Handle{
		UserID: userID,
		Store:  store,
		Remote: m.deps.Remote,
		Outbox: ob,
		Sync:   engine,
		Deck:   d,
		chatDeps: chat.Deps{
			UserID:   userID,
			Local:    store,
			Remote:   m.deps.Remote,
			Outbox:   ob,
			Sync:     engine,
			Chat:     m.deps.Chat,
			Images:   m.deps.Images,
			Listener: m.deps.Listener,
		},
		chatOpts:    chatOpts,
		notFoundTTL: m.opts.NotFoundTTL,
		chats: cache.New[*chat.Session](cache.Options{
			CleanupInterval: m.opts.NotFoundTTL,
			MaxItems:        m.opts.MaxChats,
		}),
	}, nil
}

// Len returns the number of live handles
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Close closes every handle, flushing their outboxes until ctx is done
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	var errs []error
	for userID, h := range handles {
		if err := h.Close(ctx); err != nil {
			m.log.LogError(err, "handle did not close cleanly", "user_id", userID)
			errs = append(errs, fmt.Errorf("close %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}
