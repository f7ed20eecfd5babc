package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"swipe-companion/backend/internal/models"
)

// Operation names used by MemoryStore call counters and fault injection
const (
	OpListCharacters = "ListCharacters"
	OpGetCharacter   = "GetCharacter"
	OpInsertMatch    = "InsertMatch"
	OpListCandidates = "ListCandidates"
	OpRecentMessages = "RecentMessages"
	OpMessagesBefore = "MessagesBefore"
	OpInsertMessage  = "InsertMessage"
)

type ownedCharacter struct {
	userID  string
	profile models.CharacterProfile
	isMock  bool
	created time.Time
}

type ownedMessage struct {
	userID string
	msg    models.ChatMessage
}

// MemoryStore is an in-process Store used in development mode and tests.
// It counts calls per operation and can inject failures.
type MemoryStore struct {
	mu         sync.Mutex
	characters map[string]ownedCharacter
	messages   map[string]ownedMessage
	calls      map[string]int
	errs       map[string]error
	hooks      map[string]func()
	seq        int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		characters: make(map[string]ownedCharacter),
		messages:   make(map[string]ownedMessage),
		calls:      make(map[string]int),
		errs:       make(map[string]error),
		hooks:      make(map[string]func()),
	}
}

// SetError makes op fail with err until cleared with a nil err
func (m *MemoryStore) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// SetHook runs fn at the start of every op call, outside the store lock
func (m *MemoryStore) SetHook(op string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.hooks, op)
		return
	}
	m.hooks[op] = fn
}

// Calls returns how many times op was invoked
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SeedCandidate adds a discoverable character
func (m *MemoryStore) SeedCandidate(p models.CharacterProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.characters[p.ID] = ownedCharacter{profile: p, isMock: true, created: time.Unix(int64(m.seq), 0)}
}

// SeedCharacter adds a character matched by userID
func (m *MemoryStore) SeedCharacter(userID string, p models.CharacterProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.characters[p.ID] = ownedCharacter{userID: userID, profile: p, created: time.Unix(int64(m.seq), 0)}
}

// SeedMessage adds a message owned by userID
func (m *MemoryStore) SeedMessage(userID string, msg models.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = ownedMessage{userID: userID, msg: msg}
}

// Messages returns every stored message of a conversation, oldest first
func (m *MemoryStore) Messages(userID, characterID string) []models.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.conversation(userID, characterID)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Character returns a stored character regardless of owner
func (m *MemoryStore) Character(id string) (models.CharacterProfile, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.characters[id]
	return c.profile, c.userID, ok
}

// enter counts the call, runs its hook and returns the injected error
func (m *MemoryStore) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hooks[op]
	err := m.errs[op]
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (m *MemoryStore) ListCharacters(ctx context.Context, userID string) ([]models.CharacterProfile, error) {
	if err := m.enter(ctx, OpListCharacters); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var owned []ownedCharacter
	for _, c := range m.characters {
		if c.userID == userID && !c.isMock {
			owned = append(owned, c)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].created.After(owned[j].created) })

	out := make([]models.CharacterProfile, 0, len(owned))
	for _, c := range owned {
		out = append(out, c.profile)
	}
	return out, nil
}

func (m *MemoryStore) GetCharacter(ctx context.Context, userID, id string) (models.CharacterProfile, error) {
	if err := m.enter(ctx, OpGetCharacter); err != nil {
		return models.CharacterProfile{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.characters[id]
	if !ok || c.userID != userID {
		return models.CharacterProfile{}, ErrNotFound
	}
	return c.profile, nil
}

func (m *MemoryStore) InsertMatch(ctx context.Context, userID string, p models.CharacterProfile) error {
	if err := m.enter(ctx, OpInsertMatch); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.characters[p.ID]; exists {
		return nil
	}
	m.seq++
	m.characters[p.ID] = ownedCharacter{userID: userID, profile: p, created: time.Unix(int64(m.seq), 0)}
	return nil
}

func (m *MemoryStore) ListCandidates(ctx context.Context, exclude []string, limit int) ([]models.CharacterProfile, error) {
	if err := m.enter(ctx, OpListCandidates); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var candidates []ownedCharacter
	for id, c := range m.characters {
		if _, excluded := skip[id]; c.isMock && !excluded {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].created.Before(candidates[j].created) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.CharacterProfile, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.profile)
	}
	return out, nil
}

func (m *MemoryStore) conversation(userID, characterID string) []models.ChatMessage {
	var out []models.ChatMessage
	for _, om := range m.messages {
		if om.userID == userID && om.msg.CharacterID == characterID {
			out = append(out, om.msg)
		}
	}
	return out
}

func newestFirst(msgs []models.ChatMessage, limit int) []models.ChatMessage {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	return msgs
}

func (m *MemoryStore) RecentMessages(ctx context.Context, userID, characterID string, limit int) ([]models.ChatMessage, error) {
	if err := m.enter(ctx, OpRecentMessages); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.conversation(userID, characterID), limit), nil
}

func (m *MemoryStore) MessagesBefore(ctx context.Context, userID, characterID string, before time.Time, limit int) ([]models.ChatMessage, error) {
	if err := m.enter(ctx, OpMessagesBefore); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var older []models.ChatMessage
	for _, msg := range m.conversation(userID, characterID) {
		if msg.CreatedAt.Before(before) {
			older = append(older, msg)
		}
	}
	return newestFirst(older, limit), nil
}

func (m *MemoryStore) InsertMessage(ctx context.Context, userID string, msg models.ChatMessage) error {
	if err := m.enter(ctx, OpInsertMessage); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.messages[msg.ID]; !exists {
		msg.Unsynced = false
		m.messages[msg.ID] = ownedMessage{userID: userID, msg: msg}
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)
