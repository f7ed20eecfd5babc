// Package chat runs the conversation with one matched character.
//
// A Session hydrates from the local cache when it can and from the remote
// store otherwise, appends user messages optimistically, and produces exactly
// one assistant reply per send: generated text, a generated image, or a
// fallback message. Sends and older-page fetches each allow one call in
// flight; they do not exclude each other.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"swipe-companion/backend/internal/ai"
	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/internal/remote"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/shared/observability"

	"github.com/google/uuid"
)

const (
	DefaultPageSize     = 20
	DefaultBackfillSize = 50

	// WelcomeID marks the synthetic greeting of an empty conversation
	WelcomeID   = "welcome1"
	welcomeText = "Heyy"

	placeholderText   = "Okay, let me find a cute one for you... 😉"
	imageCaption      = "Here you go! What do you think? 😘"
	imageFallbackText = "Aww, I tried to get a pic but something went wrong! 🥺 Maybe later?"
	textFallbackText  = "Hmm, I'm a little lost for words right now... Try again? 😅"
	panicFallbackText = "Oops, something went a bit haywire on my end! 😵‍💫 Let's try that again."

	defaultImagePrompt = "A selfie of a person."
)

var (
	// ErrNotFound is the terminal hydration result for an unknown character
	ErrNotFound = errors.New("chat: character not found")
	// ErrNotReady is returned before a successful Open
	ErrNotReady = errors.New("chat: session not ready")
	// ErrBusy is returned when the same flow is already in flight
	ErrBusy = errors.New("chat: operation already in flight")
	// ErrEmptyText is returned for a blank message
	ErrEmptyText = errors.New("chat: empty message")
	// ErrTextTooLong is returned for a message over the configured limit
	ErrTextTooLong = errors.New("chat: message too long")
)

// State of a session
type State string

const (
	StateUninitialized State = "uninitialized"
	StateHydrating     State = "hydrating"
	StateReady         State = "ready"
	StateNotFound      State = "not_found"
)

// LocalStore is the part of the local cache a session uses
type LocalStore interface {
	Character(ctx context.Context, id string) (models.CharacterProfile, bool)
	StoreCharacter(ctx context.Context, p models.CharacterProfile) error
	RecentMessages(ctx context.Context, id string, limit int) []models.ChatMessage
	AppendMessage(ctx context.Context, id string, msg models.ChatMessage) error
	RestoreMessages(ctx context.Context, id string, msgs []models.ChatMessage) error
	MarkRead(ctx context.Context, id string) error
}

// Writer schedules remote message inserts
type Writer interface {
	EnqueueMessage(msg models.ChatMessage)
}

// Syncer starts a background reconciliation when the cache is stale
type Syncer interface {
	MaybeSync(ctx context.Context) bool
}

// Deps are the collaborators of a session. Sync and Listener may be nil.
type Deps struct {
	UserID   string
	Local    LocalStore
	Remote   remote.Store
	Outbox   Writer
	Sync     Syncer
	Chat     ai.ChatClient
	Images   ai.ImageClient
	Listener Listener
}

// Options tune a session
type Options struct {
	PageSize      int
	BackfillSize  int
	MaxTextLength int
	Classifier    IntentClassifier
	Logger        *logger.Logger
	Metrics       *observability.Metrics
	Now           func() time.Time
	NewID         func() string
}

// Exchange is the result of one send
type Exchange struct {
	User  models.ChatMessage
	Reply models.ChatMessage
	// Fallback is set when Reply is a fallback message
	Fallback bool
}

// Page is the result of one older-page fetch
type Page struct {
	Messages  []models.ChatMessage
	Exhausted bool
}

// Session is the conversation of one user with one character
type Session struct {
	characterID string
	deps        Deps
	opts        Options
	log         *logger.Logger
	metrics     *observability.Metrics

	openMu sync.Mutex

	mu         sync.Mutex
	state      State
	profile    models.CharacterProfile
	transcript []models.ChatMessage
	exhausted  bool
	conv       ai.Conversation
	lastAt     time.Time
	// set when the open could not backfill remote history; the welcome
	// message then does not end pagination
	backfillFailed bool

	sending atomic.Bool
	loading atomic.Bool
}

// New creates an uninitialized session for characterID
func New(characterID string, deps Deps, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.BackfillSize <= 0 {
		opts.BackfillSize = DefaultBackfillSize
	}
	if opts.Classifier == nil {
		opts.Classifier = NewPhraseClassifier()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Session{
		characterID: characterID,
		deps:        deps,
		opts:        opts,
		log: logger.OrDiscard(opts.Logger).WithComponent("chat").
			WithUserID(deps.UserID).WithCharacterID(characterID),
		metrics: observability.OrNop(opts.Metrics),
		state:   StateUninitialized,
	}
}

// CharacterID returns the character of the conversation
func (s *Session) CharacterID() string { return s.characterID }

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Profile returns the hydrated character profile
func (s *Session) Profile() models.CharacterProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Exhausted reports whether no older messages remain
func (s *Session) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Messages returns a copy of the in-memory transcript, oldest first
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Open hydrates the session. It is a no-op once ready and returns
// ErrNotFound once the character is known to be missing.
func (s *Session) Open(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	switch s.State() {
	case StateReady:
		return nil
	case StateNotFound:
		return ErrNotFound
	}
	s.setState(StateHydrating)

	if s.deps.UserID == "" {
		s.setState(StateNotFound)
		return ErrNotFound
	}

	profile, msgs, complete, err := s.hydrate(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.setState(StateNotFound)
		} else {
			s.setState(StateUninitialized)
		}
		return err
	}

	conv := s.deps.Chat.StartChat(profile.SystemInstruction)

	s.mu.Lock()
	s.profile = profile
	s.conv = conv
	s.exhausted = false
	s.backfillFailed = !complete
	if len(msgs) == 0 {
		w := s.welcome()
		s.transcript = []models.ChatMessage{w}
		s.lastAt = w.CreatedAt
	} else {
		s.transcript = msgs
		s.lastAt = msgs[len(msgs)-1].CreatedAt
	}
	s.state = StateReady
	s.mu.Unlock()

	if s.deps.Sync != nil {
		s.deps.Sync.MaybeSync(ctx)
	}
	s.log.Debug("conversation hydrated", "messages", len(msgs))
	return nil
}

// hydrate reads the cached profile and window, falling back to the remote
// store and caching what it finds there. complete is false when the message
// backfill failed, so the returned window may be missing remote history.
func (s *Session) hydrate(ctx context.Context) (p models.CharacterProfile, msgs []models.ChatMessage, complete bool, err error) {
	p, cached := s.deps.Local.Character(ctx, s.characterID)
	if cached {
		if msgs := s.deps.Local.RecentMessages(ctx, s.characterID, 0); len(msgs) > 0 {
			return p, msgs, true, nil
		}
	} else {
		p, err = s.deps.Remote.GetCharacter(ctx, s.deps.UserID, s.characterID)
		if errors.Is(err, remote.ErrNotFound) {
			return models.CharacterProfile{}, nil, false, ErrNotFound
		}
		if err != nil {
			s.log.LogError(err, "remote character fetch failed")
			return models.CharacterProfile{}, nil, false, fmt.Errorf("fetch character %s: %w", s.characterID, err)
		}
		if err := s.deps.Local.StoreCharacter(ctx, p); err != nil {
			s.log.LogError(err, "could not cache character profile")
		}
	}

	recent, err := s.deps.Remote.RecentMessages(ctx, s.deps.UserID, s.characterID, s.opts.BackfillSize)
	if err != nil {
		s.log.LogError(err, "message backfill failed")
		return p, nil, false, nil
	}
	msgs = ascending(recent)
	if len(msgs) > 0 {
		if err := s.deps.Local.RestoreMessages(ctx, s.characterID, msgs); err != nil {
			s.log.LogError(err, "could not cache backfilled messages")
		}
	}
	return p, msgs, true, nil
}

func (s *Session) welcome() models.ChatMessage {
	return models.ChatMessage{
		ID:          WelcomeID,
		CharacterID: s.characterID,
		Role:        models.RoleAssistant,
		Content:     welcomeText,
		CreatedAt:   s.opts.Now().UTC(),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// LoadOlder prepends the page of messages preceding the oldest loaded one
func (s *Session) LoadOlder(ctx context.Context) (Page, error) {
	if !s.loading.CompareAndSwap(false, true) {
		return Page{}, ErrBusy
	}
	defer s.loading.Store(false)

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return Page{}, ErrNotReady
	}
	if s.exhausted {
		s.mu.Unlock()
		return Page{Exhausted: true}, nil
	}
	oldest := s.transcript[0]
	if oldest.ID == WelcomeID && !s.backfillFailed {
		s.exhausted = true
		s.mu.Unlock()
		return Page{Exhausted: true}, nil
	}
	known := make(map[string]struct{}, len(s.transcript))
	for _, m := range s.transcript {
		known[m.ID] = struct{}{}
	}
	s.mu.Unlock()

	page, err := s.fetchOlder(ctx, oldest.CreatedAt, known)
	if err != nil {
		return Page{}, err
	}

	s.mu.Lock()
	recovered := s.backfillFailed && len(page) > 0
	s.backfillFailed = false
	if len(page) == 0 {
		s.exhausted = true
		s.mu.Unlock()
		return Page{Exhausted: true}, nil
	}
	transcript := make([]models.ChatMessage, 0, len(page)+len(s.transcript))
	s.transcript = append(append(transcript, page...), s.transcript...)
	s.publish(Event{Kind: EventMessagesPrepended, CharacterID: s.characterID, Messages: page})
	s.mu.Unlock()

	if recovered {
		s.removeMemory(WelcomeID)
		if err := s.deps.Local.RestoreMessages(ctx, s.characterID, page); err != nil {
			s.log.LogError(err, "could not cache recovered messages")
		}
	}
	return Page{Messages: page}, nil
}

// fetchOlder returns the newest unseen messages created before the cursor,
// oldest first. Pages made only of known messages move the cursor back
// instead of being returned. An empty result means no older messages remain.
func (s *Session) fetchOlder(ctx context.Context, before time.Time, known map[string]struct{}) ([]models.ChatMessage, error) {
	for {
		older, err := s.deps.Remote.MessagesBefore(ctx, s.deps.UserID, s.characterID, before, s.opts.PageSize)
		if err != nil {
			s.log.LogError(err, "older messages fetch failed")
			return nil, fmt.Errorf("load older messages: %w", err)
		}
		if len(older) == 0 {
			return nil, nil
		}

		rows := ascending(older)
		page := make([]models.ChatMessage, 0, len(rows))
		for _, m := range rows {
			if _, dup := known[m.ID]; !dup {
				page = append(page, m)
			}
		}
		if len(page) > 0 {
			return page, nil
		}
		if !rows[0].CreatedAt.Before(before) {
			return nil, nil
		}
		before = rows[0].CreatedAt
	}
}

// Send appends the user message and waits for the assistant reply. Failures
// while replying become a fallback message and are never returned.
func (s *Session) Send(ctx context.Context, text string) (Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Exchange{}, ErrEmptyText
	}
	if s.opts.MaxTextLength > 0 && len([]rune(text)) > s.opts.MaxTextLength {
		return Exchange{}, ErrTextTooLong
	}
	if s.State() != StateReady {
		return Exchange{}, ErrNotReady
	}
	if !s.sending.CompareAndSwap(false, true) {
		return Exchange{}, ErrBusy
	}
	defer s.sending.Store(false)

	user := s.newMessage(models.RoleUser, text, "")
	s.appendMemory(user)
	s.persist(ctx, user)

	reply, fallback := s.respond(ctx, text)

	if err := s.deps.Local.MarkRead(ctx, s.characterID); err != nil {
		s.log.LogError(err, "mark read failed")
	}
	return Exchange{User: user, Reply: reply, Fallback: fallback}, nil
}

// MarkRead resets the unread count of the conversation
func (s *Session) MarkRead(ctx context.Context) error {
	return s.deps.Local.MarkRead(ctx, s.characterID)
}

// respond produces the single terminal reply of an exchange
func (s *Session) respond(ctx context.Context, text string) (reply models.ChatMessage, fallback bool) {
	placeholderID := ""
	removePlaceholder := func() {
		if placeholderID != "" {
			s.removeMemory(placeholderID)
			placeholderID = ""
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("reply panicked", "panic", fmt.Sprint(r))
			removePlaceholder()
			reply, fallback = s.fallback(panicFallbackText), true
		}
	}()

	if s.opts.Classifier.Classify(text) == IntentImage {
		placeholder := s.newMessage(models.RoleAssistant, placeholderText, "")
		placeholderID = placeholder.ID
		s.appendMemory(placeholder)

		url, err := s.deps.Images.GenerateImage(ctx, s.imagePrompt())
		removePlaceholder()
		if err != nil || url == "" {
			if err != nil {
				s.log.LogError(err, "image generation failed")
			}
			return s.fallback(imageFallbackText), true
		}

		msg := s.newMessage(models.RoleAssistant, imageCaption, url)
		s.appendMemory(msg)
		s.persist(ctx, msg)
		s.metrics.ChatReply(ctx, "image")
		return msg, false
	}

	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()

	answer, err := conv.Send(ctx, text)
	if err != nil {
		s.log.LogError(err, "chat generation failed")
		return s.fallback(textFallbackText), true
	}

	msg := s.newMessage(models.RoleAssistant, answer, "")
	s.appendMemory(msg)
	s.persist(ctx, msg)
	s.metrics.ChatReply(ctx, "text")
	return msg, false
}

func (s *Session) imagePrompt() string {
	s.mu.Lock()
	prompt := s.profile.ImagePrompt
	s.mu.Unlock()
	if prompt == "" {
		prompt = defaultImagePrompt
	}
	return fmt.Sprintf("A new selfie based on this description: %s. The person should look happy.", prompt)
}

// fallback appends an in-memory only assistant message
func (s *Session) fallback(text string) models.ChatMessage {
	msg := s.newMessage(models.RoleAssistant, text, "")
	s.appendMemory(msg)
	s.metrics.ChatReply(context.Background(), "fallback")
	return msg
}

// newMessage stamps a message with a fresh id and a created-at strictly
// after every message already in the transcript
func (s *Session) newMessage(role models.Role, content, imageURL string) models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.opts.Now().UTC()
	if !at.After(s.lastAt) {
		at = s.lastAt.Add(time.Millisecond)
	}
	s.lastAt = at

	return models.ChatMessage{
		ID:          s.opts.NewID(),
		CharacterID: s.characterID,
		Role:        role,
		Content:     content,
		ImageURL:    imageURL,
		CreatedAt:   at,
	}
}

func (s *Session) appendMemory(msg models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, msg)
	s.publish(Event{Kind: EventMessageAppended, CharacterID: s.characterID, Messages: []models.ChatMessage{msg}})
}

func (s *Session) removeMemory(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.transcript {
		if m.ID == id {
			s.transcript = append(s.transcript[:i], s.transcript[i+1:]...)
			s.publish(Event{Kind: EventMessageRemoved, CharacterID: s.characterID, MessageID: id})
			return
		}
	}
}

// persist stores msg locally and schedules the remote insert
func (s *Session) persist(ctx context.Context, msg models.ChatMessage) {
	if err := s.deps.Local.AppendMessage(ctx, s.characterID, msg); err != nil {
		s.log.LogError(err, "local append failed", "message_id", msg.ID)
	}
	if s.deps.Outbox != nil {
		s.deps.Outbox.EnqueueMessage(msg)
	}
}

// publish must be called with s.mu held
func (s *Session) publish(ev Event) {
	if s.deps.Listener != nil {
		s.deps.Listener.Publish(s.deps.UserID, ev)
	}
}

func ascending(msgs []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
