// Package deck supplies the forward-only queue of candidates shown for swiping.
package deck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"swipe-companion/backend/internal/localstore"
	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/internal/remote"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/shared/observability"

	"github.com/google/uuid"
)

const (
	DefaultInitialSize  = 20
	DefaultRefillSize   = 10
	DefaultLowWatermark = 5
)

var (
	// ErrEmpty is returned when swiping with no queued candidate
	ErrEmpty = errors.New("deck: no candidates")
	// ErrInvalidDirection is returned for a swipe that is neither like nor pass
	ErrInvalidDirection = errors.New("deck: invalid swipe direction")
)

// Direction of a swipe
type Direction string

const (
	Like Direction = "like"
	Pass Direction = "pass"
)

// ParseDirection validates a client supplied direction
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Like, Pass:
		return Direction(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

// LocalStore is the part of the local cache the deck reads and writes
type LocalStore interface {
	ExcludedIDs(ctx context.Context) map[string]struct{}
	AddMatch(ctx context.Context, p models.CharacterProfile, opts ...localstore.MatchOption) (models.MatchRecord, error)
}

// Requeuer schedules a remote match insert that failed inline
type Requeuer interface {
	EnqueueMatch(p models.CharacterProfile, flagged bool)
}

// SwipeResult describes the outcome of one swipe
type SwipeResult struct {
	Candidate models.CharacterProfile
	Direction Direction
	// Match is set for a like that was persisted locally
	Match *models.MatchRecord
	// Refilling is set when the swipe started a replenishment fetch
	Refilling bool
}

// Options tune a Deck
type Options struct {
	InitialSize  int
	RefillSize   int
	LowWatermark int
	Logger       *logger.Logger
	Metrics      *observability.Metrics
	NewID        func() string
}

// Deck is the candidate queue of one user
type Deck struct {
	userID  string
	local   LocalStore
	remote  remote.Store
	outbox  Requeuer
	opts    Options
	log     *logger.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     []models.CharacterProfile
	swiped    map[string]struct{}
	loaded    bool
	refilling bool
	refills   sync.WaitGroup
}

// New creates the deck for userID. outbox may be nil.
func New(userID string, local LocalStore, rs remote.Store, outbox Requeuer, opts Options) *Deck {
	if opts.InitialSize <= 0 {
		opts.InitialSize = DefaultInitialSize
	}
	if opts.RefillSize <= 0 {
		opts.RefillSize = DefaultRefillSize
	}
	if opts.LowWatermark <= 0 {
		opts.LowWatermark = DefaultLowWatermark
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Deck{
		userID:  userID,
		local:   local,
		remote:  rs,
		outbox:  outbox,
		opts:    opts,
		log:     logger.OrDiscard(opts.Logger).WithComponent("deck").WithUserID(userID),
		metrics: observability.OrNop(opts.Metrics),
		ctx:     ctx,
		cancel:  cancel,
		swiped:  make(map[string]struct{}),
	}
}

// Load replaces the queue with the first page of candidates
func (d *Deck) Load(ctx context.Context) error {
	exclude := keys(d.local.ExcludedIDs(ctx))
	candidates, err := d.remote.ListCandidates(ctx, exclude, d.opts.InitialSize)
	if err != nil {
		d.log.LogError(err, "initial deck load failed")
		return fmt.Errorf("load deck: %w", err)
	}

	d.mu.Lock()
	d.queue = candidates
	d.loaded = true
	d.mu.Unlock()
	return nil
}

// EnsureLoaded loads the deck once
func (d *Deck) EnsureLoaded(ctx context.Context) error {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()
	if loaded {
		return nil
	}
	return d.Load(ctx)
}

// Current returns the head candidate
func (d *Deck) Current() (models.CharacterProfile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return models.CharacterProfile{}, false
	}
	return d.queue[0], true
}

// Next returns the candidate after the head
func (d *Deck) Next() (models.CharacterProfile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) < 2 {
		return models.CharacterProfile{}, false
	}
	return d.queue[1], true
}

// Remaining returns the queue length
func (d *Deck) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Swipe pops the head candidate. The pop is never rolled back: a like whose
// remote insert fails is kept locally as unsynced and handed to the outbox.
func (d *Deck) Swipe(ctx context.Context, dir Direction) (SwipeResult, error) {
	if dir != Like && dir != Pass {
		return SwipeResult{}, fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}

	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return SwipeResult{}, ErrEmpty
	}
	candidate := d.queue[0]
	d.queue = d.queue[1:]
	d.swiped[candidate.ID] = struct{}{}
	d.mu.Unlock()

	d.metrics.Swipe(ctx, string(dir))
	result := SwipeResult{Candidate: candidate, Direction: dir}

	var err error
	if dir == Like {
		var record models.MatchRecord
		record, err = d.like(ctx, candidate)
		if err == nil {
			result.Match = &record
		}
	}

	result.Refilling = d.maybeRefill()
	return result, err
}

func (d *Deck) like(ctx context.Context, candidate models.CharacterProfile) (models.MatchRecord, error) {
	match := candidate
	match.ID = d.opts.NewID()
	match.SourceID = candidate.ID
	match.CachedAt = time.Time{}

	var opts []localstore.MatchOption
	remoteErr := d.remote.InsertMatch(ctx, d.userID, match)
	if remoteErr != nil {
		d.log.LogError(remoteErr, "remote match insert failed, keeping local match unsynced",
			"candidate_id", candidate.ID, "character_id", match.ID)
		opts = append(opts, localstore.Unsynced())
	}

	record, err := d.local.AddMatch(ctx, match, opts...)
	if err != nil {
		d.log.LogError(err, "local match insert failed", "character_id", match.ID)
		return models.MatchRecord{}, err
	}

	if remoteErr != nil && d.outbox != nil {
		d.outbox.EnqueueMatch(match, true)
	}
	return record, nil
}

// maybeRefill starts a replenishment fetch when the queue is at or below the
// low watermark and none is running
func (d *Deck) maybeRefill() bool {
	d.mu.Lock()
	if len(d.queue) > d.opts.LowWatermark || d.refilling {
		d.mu.Unlock()
		return false
	}
	d.refilling = true
	d.refills.Add(1)
	d.mu.Unlock()

	go d.refill()
	return true
}

func (d *Deck) refill() {
	defer d.refills.Done()
	defer func() {
		d.mu.Lock()
		d.refilling = false
		d.mu.Unlock()
	}()

	// passed candidates stay out for the life of the deck
	excluded := d.local.ExcludedIDs(d.ctx)
	d.mu.Lock()
	for _, c := range d.queue {
		excluded[c.ID] = struct{}{}
	}
	for id := range d.swiped {
		excluded[id] = struct{}{}
	}
	d.mu.Unlock()

	candidates, err := d.remote.ListCandidates(d.ctx, keys(excluded), d.opts.RefillSize)
	d.metrics.DeckRefill(d.ctx, err)
	if err != nil {
		d.log.LogError(err, "deck refill failed")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	queued := make(map[string]struct{}, len(d.queue)+len(d.swiped))
	for _, c := range d.queue {
		queued[c.ID] = struct{}{}
	}
	for id := range d.swiped {
		queued[id] = struct{}{}
	}
	added := 0
	for _, c := range candidates {
		if _, dup := queued[c.ID]; dup {
			continue
		}
		d.queue = append(d.queue, c)
		queued[c.ID] = struct{}{}
		added++
	}
	d.log.Debug("deck refilled", "added", added, "remaining", len(d.queue))
}

// Wait blocks until a running refill has finished
func (d *Deck) Wait() {
	d.refills.Wait()
}

// Close cancels a running refill and waits for it
func (d *Deck) Close() {
	d.cancel()
	d.refills.Wait()
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
