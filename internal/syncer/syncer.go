// Package syncer reconciles the local cache with the remote store.
//
// Reconciliation is additive: remote characters missing locally are added with
// a backfilled message window, characters already present get their profile
// refreshed, and nothing local is ever removed. A pass that hits any remote
// failure is abandoned and leaves the last-sync time untouched.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"swipe-companion/backend/internal/localstore"
	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/internal/remote"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/shared/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultStaleness is how old the last sync may get before a read triggers a pass
	DefaultStaleness = 6 * time.Hour
	// DefaultBackfillSize is the number of newest messages restored for a new match
	DefaultBackfillSize = 50
)

var tracer = otel.Tracer("swipe-companion/backend/internal/syncer")

// LocalStore is the part of the local cache the engine reads and merges into
type LocalStore interface {
	Matches(ctx context.Context) []models.MatchRecord
	MatchIDs(ctx context.Context) map[string]struct{}
	AddMatch(ctx context.Context, p models.CharacterProfile, opts ...localstore.MatchOption) (models.MatchRecord, error)
	StoreCharacter(ctx context.Context, p models.CharacterProfile) error
	RestoreMessages(ctx context.Context, id string, msgs []models.ChatMessage) error
	LastSync(ctx context.Context) time.Time
	SetLastSync(ctx context.Context, t time.Time) error
}

// Result summarizes one reconciliation pass
type Result struct {
	Added     int
	Refreshed int
	SyncedAt  time.Time
}

// Options tune an Engine
type Options struct {
	Staleness    time.Duration
	BackfillSize int
	Logger       *logger.Logger
	Metrics      *observability.Metrics
	Now          func() time.Time
}

// Engine keeps one user's local cache eventually consistent with the remote store
type Engine struct {
	userID  string
	local   LocalStore
	remote  remote.Store
	opts    Options
	log     *logger.Logger
	metrics *observability.Metrics

	group singleflight.Group
	bg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the engine for userID
func New(userID string, local LocalStore, rs remote.Store, opts Options) *Engine {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}
	if opts.BackfillSize <= 0 {
		opts.BackfillSize = DefaultBackfillSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		userID:  userID,
		local:   local,
		remote:  rs,
		opts:    opts,
		log:     logger.OrDiscard(opts.Logger).WithComponent("syncer").WithUserID(userID),
		metrics: observability.OrNop(opts.Metrics),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Stale reports whether the last successful sync is older than the threshold
func (e *Engine) Stale(ctx context.Context) bool {
	last := e.local.LastSync(ctx)
	return last.IsZero() || e.opts.Now().Sub(last) > e.opts.Staleness
}

// Matches returns the local match list. A non-empty list is returned without
// waiting on the network and a background pass starts when the cache is stale.
// An empty list blocks on one pass first so a fresh device sees remote matches,
// but only while stale: a user with no matches is not re-synced on every read.
func (e *Engine) Matches(ctx context.Context) []models.MatchRecord {
	matches := e.local.Matches(ctx)
	if len(matches) > 0 {
		e.MaybeSync(ctx)
		return matches
	}
	if !e.Stale(ctx) {
		return matches
	}

	if _, err := e.Reconcile(ctx); err != nil {
		return matches
	}
	return e.local.Matches(ctx)
}

// MaybeSync starts a background pass when the cache is stale and reports whether it did
func (e *Engine) MaybeSync(ctx context.Context) bool {
	if !e.Stale(ctx) {
		return false
	}

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		_, _ = e.Reconcile(e.ctx)
	}()
	return true
}

// Wait blocks until background passes started by MaybeSync have finished
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Close cancels background passes and waits for them
func (e *Engine) Close() {
	e.cancel()
	e.bg.Wait()
}

// Reconcile runs one pass, sharing the result with concurrent callers.
// The pass is detached from ctx cancellation so one caller leaving does not
// abort the pass for the others.
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	ch := e.group.DoChan("reconcile", func() (any, error) {
		return e.reconcile(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Engine) reconcile(ctx context.Context) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "syncer.Reconcile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("user.id", e.userID)),
	)
	start := e.opts.Now()
	defer func() {
		e.metrics.SyncPass(ctx, e.opts.Now().Sub(start).Seconds(), res.Added, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.log.LogError(err, "sync pass aborted")
		}
		span.SetAttributes(attribute.Int("sync.added", res.Added), attribute.Int("sync.refreshed", res.Refreshed))
		span.End()
	}()

	characters, err := e.remote.ListCharacters(ctx, e.userID)
	if err != nil {
		return Result{}, fmt.Errorf("list remote characters: %w", err)
	}

	known := e.local.MatchIDs(ctx)
	// remote lists newest first, so adding oldest first leaves the newest at the head
	for i := len(characters) - 1; i >= 0; i-- {
		p := characters[i]
		if _, ok := known[p.ID]; ok {
			if err := e.local.StoreCharacter(ctx, p); err != nil {
				return res, fmt.Errorf("refresh character %s: %w", p.ID, err)
			}
			res.Refreshed++
			continue
		}

		msgs, err := e.remote.RecentMessages(ctx, e.userID, p.ID, e.opts.BackfillSize)
		if err != nil {
			return res, fmt.Errorf("backfill messages %s: %w", p.ID, err)
		}
		if _, err := e.local.AddMatch(ctx, p); err != nil {
			return res, err
		}
		if err := e.local.RestoreMessages(ctx, p.ID, ascending(msgs)); err != nil {
			return res, fmt.Errorf("restore messages %s: %w", p.ID, err)
		}
		known[p.ID] = struct{}{}
		res.Added++
	}

	res.SyncedAt = e.opts.Now().UTC()
	if err := e.local.SetLastSync(ctx, res.SyncedAt); err != nil {
		return res, fmt.Errorf("record last sync: %w", err)
	}

	e.log.Info("sync pass complete", "added", res.Added, "refreshed", res.Refreshed)
	return res, nil
}

// ascending reverses a newest-first slice into a new oldest-first slice
func ascending(msgs []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
