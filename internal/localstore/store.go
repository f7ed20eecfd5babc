// Package localstore is the per-user persistent cache of matches, character
// profiles and recent message windows.
//
// Reads never fail: absent, malformed or undecryptable values read as empty
// and are logged. Every multi-key mutation runs inside one backend transaction.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/pkg/cache"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/shared/observability"
)

const (
	keyMatches  = "matches"
	keyLastSync = "last_sync"

	// DefaultWindowSize bounds the locally cached messages per conversation
	DefaultWindowSize = 100
)

func characterKey(id string) string { return "character:" + id }
func messagesKey(id string) string  { return "messages:" + id }

// Options tune a Store
type Options struct {
	WindowSize int
	Sealer     Sealer
	// DedupeMatches moves an existing match to the head instead of adding a second record
	DedupeMatches    bool
	ProfileTTL       time.Duration
	ProfileCacheSize int
	Logger           *logger.Logger
	Metrics          *observability.Metrics
	Now              func() time.Time
}

// Store is the local cache of one user
type Store struct {
	userID    string
	namespace string
	backend   Backend
	sealer    Sealer
	window    int
	dedupe    bool
	profiles  *cache.Cache[models.CharacterProfile]
	log       *logger.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// New creates the store for userID on top of backend
func New(userID string, backend Backend, opts Options) *Store {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Sealer == nil {
		opts.Sealer = Plaintext{}
	}
	if opts.ProfileTTL <= 0 {
		opts.ProfileTTL = 10 * time.Minute
	}
	if opts.ProfileCacheSize <= 0 {
		opts.ProfileCacheSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		userID:    userID,
		namespace: "user:" + userID,
		backend:   backend,
		sealer:    opts.Sealer,
		window:    opts.WindowSize,
		dedupe:    opts.DedupeMatches,
		profiles: cache.New[models.CharacterProfile](cache.Options{
			TTL:             opts.ProfileTTL,
			CleanupInterval: opts.ProfileTTL,
			MaxItems:        opts.ProfileCacheSize,
		}),
		log:     logger.OrDiscard(opts.Logger).WithComponent("localstore").WithUserID(userID),
		metrics: observability.OrNop(opts.Metrics),
		now:     opts.Now,
	}
}

// UserID returns the owner of the store
func (s *Store) UserID() string {
	return s.userID
}

// Close releases the profile cache; the backend is shared and closed by its owner
func (s *Store) Close() {
	s.profiles.Close()
}

// Ping checks the backend
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// codec reads and writes typed values inside a transaction
type codec struct {
	ctx context.Context
	tx  Tx
	s   *Store
}

// read decodes key into v, reporting false for absent or unreadable values
func (c codec) read(key string, v any) bool {
	raw, err := c.tx.Get(key)
	if err != nil {
		c.s.log.LogError(err, "local read failed", "key", key)
		return false
	}
	if raw == nil {
		return false
	}

	plain, err := c.s.sealer.Open(key, raw)
	if err == nil {
		err = json.Unmarshal(plain, v)
	}
	if err != nil {
		c.s.log.Warn("dropping unreadable local value", "key", key, "error", err.Error())
		c.s.metrics.CorruptValue(c.ctx, keyFamily(key))
		return false
	}
	return true
}

func (c codec) write(key string, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	sealed, err := c.s.sealer.Seal(key, plain)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return c.tx.Put(key, sealed)
}

func (c codec) matches() []models.MatchRecord {
	var list []models.MatchRecord
	if !c.read(keyMatches, &list) {
		return []models.MatchRecord{}
	}
	return list
}

func (c codec) messages(id string) []models.ChatMessage {
	var list []models.ChatMessage
	if !c.read(messagesKey(id), &list) {
		return []models.ChatMessage{}
	}
	return list
}

func keyFamily(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func (s *Store) view(ctx context.Context, fn func(codec) error) error {
	return s.backend.View(ctx, s.namespace, func(tx Tx) error {
		return fn(codec{ctx: ctx, tx: tx, s: s})
	})
}

func (s *Store) update(ctx context.Context, fn func(codec) error) error {
	return s.backend.Update(ctx, s.namespace, func(tx Tx) error {
		return fn(codec{ctx: ctx, tx: tx, s: s})
	})
}

// viewOrLog runs a read transaction, logging backend failures
func (s *Store) viewOrLog(ctx context.Context, op string, fn func(codec) error) {
	if err := s.view(ctx, fn); err != nil {
		s.log.LogError(err, "local view failed", "op", op)
	}
}

// Matches returns the match list, most recently matched first
func (s *Store) Matches(ctx context.Context) []models.MatchRecord {
	out := []models.MatchRecord{}
	s.viewOrLog(ctx, "matches", func(c codec) error {
		out = c.matches()
		return nil
	})
	return out
}

// Match returns the first record for a character
func (s *Store) Match(ctx context.Context, id string) (models.MatchRecord, bool) {
	for _, m := range s.Matches(ctx) {
		if m.CharacterID == id {
			return m, true
		}
	}
	return models.MatchRecord{}, false
}

// MatchIDs returns the set of matched character ids
func (s *Store) MatchIDs(ctx context.Context) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, m := range s.Matches(ctx) {
		ids[m.CharacterID] = struct{}{}
	}
	return ids
}

// ExcludedIDs returns every id the deck must not offer again:
// matched character ids plus the candidate ids they were cloned from
func (s *Store) ExcludedIDs(ctx context.Context) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, m := range s.Matches(ctx) {
		ids[m.CharacterID] = struct{}{}
		if m.SourceID != "" {
			ids[m.SourceID] = struct{}{}
		}
	}
	return ids
}

// PutMatches overwrites the whole match list
func (s *Store) PutMatches(ctx context.Context, list []models.MatchRecord) error {
	if list == nil {
		list = []models.MatchRecord{}
	}
	return s.update(ctx, func(c codec) error {
		return c.write(keyMatches, list)
	})
}

// MatchOption adjusts a record added by AddMatch
type MatchOption func(*models.MatchRecord)

// Unsynced flags the new record as missing from the remote store
func Unsynced() MatchOption {
	return func(m *models.MatchRecord) { m.Unsynced = true }
}

// AddMatch inserts a record at the head of the list and stores the profile
// snapshot in the same transaction.
func (s *Store) AddMatch(ctx context.Context, p models.CharacterProfile, opts ...MatchOption) (models.MatchRecord, error) {
	now := s.now().UTC()
	record := models.NewMatch(p, now)
	for _, opt := range opts {
		opt(&record)
	}
	p.CachedAt = now

	err := s.update(ctx, func(c codec) error {
		list := c.matches()
		if s.dedupe {
			kept := list[:0]
			for _, m := range list {
				if m.CharacterID == p.ID {
					// keep the conversation state of the existing record
					record.LastMessage = m.LastMessage
					record.LastMessageTime = m.LastMessageTime
					record.UnreadCount = m.UnreadCount
					continue
				}
				kept = append(kept, m)
			}
			list = kept
		}
		list = append([]models.MatchRecord{record}, list...)

		if err := c.write(keyMatches, list); err != nil {
			return err
		}
		return c.write(characterKey(p.ID), p)
	})
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("add match %s: %w", p.ID, err)
	}

	s.profiles.Set(p.ID, p)
	return record, nil
}

// SetMatchUnsynced flips the unsynced flag of every record for the character
func (s *Store) SetMatchUnsynced(ctx context.Context, id string, unsynced bool) error {
	return s.update(ctx, func(c codec) error {
		list := c.matches()
		changed := false
		for i := range list {
			if list[i].CharacterID == id && list[i].Unsynced != unsynced {
				list[i].Unsynced = unsynced
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return c.write(keyMatches, list)
	})
}

// MarkRead resets the unread count of the character's record
func (s *Store) MarkRead(ctx context.Context, id string) error {
	return s.update(ctx, func(c codec) error {
		list := c.matches()
		changed := false
		for i := range list {
			if list[i].CharacterID == id && list[i].UnreadCount != 0 {
				list[i].UnreadCount = 0
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return c.write(keyMatches, list)
	})
}

// Character returns the cached profile snapshot
func (s *Store) Character(ctx context.Context, id string) (models.CharacterProfile, bool) {
	if p, ok := s.profiles.Get(id); ok {
		return p, true
	}

	var p models.CharacterProfile
	found := false
	s.viewOrLog(ctx, "character", func(c codec) error {
		found = c.read(characterKey(id), &p)
		return nil
	})
	if found {
		s.profiles.Set(id, p)
	}
	return p, found
}

// StoreCharacter upserts a profile snapshot
func (s *Store) StoreCharacter(ctx context.Context, p models.CharacterProfile) error {
	p.CachedAt = s.now().UTC()
	if err := s.update(ctx, func(c codec) error {
		return c.write(characterKey(p.ID), p)
	}); err != nil {
		return fmt.Errorf("store character %s: %w", p.ID, err)
	}
	s.profiles.Set(p.ID, p)
	return nil
}

// RecentMessages returns up to limit newest messages, oldest first
func (s *Store) RecentMessages(ctx context.Context, id string, limit int) []models.ChatMessage {
	out := []models.ChatMessage{}
	s.viewOrLog(ctx, "recent_messages", func(c codec) error {
		out = c.messages(id)
		return nil
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// AppendMessage appends to the conversation window and updates the match preview.
// Assistant messages bump the unread count.
func (s *Store) AppendMessage(ctx context.Context, id string, msg models.ChatMessage) error {
	err := s.update(ctx, func(c codec) error {
		msgs := append(c.messages(id), msg)
		if err := c.write(messagesKey(id), s.bound(msgs)); err != nil {
			return err
		}

		list := c.matches()
		for i := range list {
			if list[i].CharacterID != id {
				continue
			}
			preview := msg.Preview()
			at := msg.CreatedAt
			list[i].LastMessage = &preview
			list[i].LastMessageTime = &at
			if msg.Role == models.RoleAssistant {
				list[i].UnreadCount++
			}
			return c.write(keyMatches, list)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append message %s/%s: %w", id, msg.ID, err)
	}
	return nil
}

// RestoreMessages merges backfilled messages into the conversation window.
// Cached entries win over backfilled ones with the same id; the result is
// ordered by created-at and keeps the newest entries.
func (s *Store) RestoreMessages(ctx context.Context, id string, msgs []models.ChatMessage) error {
	return s.update(ctx, func(c codec) error {
		cached := c.messages(id)
		seen := make(map[string]struct{}, len(cached))
		merged := make([]models.ChatMessage, 0, len(cached)+len(msgs))
		for _, m := range cached {
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
		for _, m := range msgs {
			if _, dup := seen[m.ID]; !dup {
				seen[m.ID] = struct{}{}
				merged = append(merged, m)
			}
		}
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].CreatedAt.Before(merged[j].CreatedAt) })
		return c.write(messagesKey(id), s.bound(merged))
	})
}

// SetMessageUnsynced flips the unsynced flag of one cached message.
// Messages already evicted from the window are ignored.
func (s *Store) SetMessageUnsynced(ctx context.Context, id, msgID string, unsynced bool) error {
	return s.update(ctx, func(c codec) error {
		msgs := c.messages(id)
		for i := range msgs {
			if msgs[i].ID == msgID {
				if msgs[i].Unsynced == unsynced {
					return nil
				}
				msgs[i].Unsynced = unsynced
				return c.write(messagesKey(id), msgs)
			}
		}
		return nil
	})
}

// LastSync returns the last successful sync time, zero if never synced
func (s *Store) LastSync(ctx context.Context) time.Time {
	var t time.Time
	s.viewOrLog(ctx, "last_sync", func(c codec) error {
		c.read(keyLastSync, &t)
		return nil
	})
	return t
}

// SetLastSync records a successful sync
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.update(ctx, func(c codec) error {
		return c.write(keyLastSync, t.UTC())
	})
}

func (s *Store) bound(msgs []models.ChatMessage) []models.ChatMessage {
	if len(msgs) > s.window {
		msgs = msgs[len(msgs)-s.window:]
	}
	return msgs
}
