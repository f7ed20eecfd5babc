// Package outbox writes local mutations behind to the remote store.
//
// Each user handle owns one Outbox with a bounded queue and a single worker.
// Jobs are retried with exponential backoff through a shared circuit breaker;
// a job that finally fails, or does not fit in the queue, flags the local
// record as unsynced. A later successful write clears the flag.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/internal/remote"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/pkg/resilience"
	"swipe-companion/backend/shared/observability"

	"github.com/cenkalti/backoff/v4"
)

// Kind names the remote write a job performs
type Kind string

const (
	KindMessage Kind = "message"
	KindMatch   Kind = "match"
)

// Job is one pending remote write
type Job struct {
	Kind    Kind
	Message models.ChatMessage
	Profile models.CharacterProfile
	// Flagged is set when the local record already carries the unsynced flag
	Flagged bool
}

func (j Job) characterID() string {
	if j.Kind == KindMessage {
		return j.Message.CharacterID
	}
	return j.Profile.ID
}

// LocalStore is the part of the local cache the outbox flags and rescans
type LocalStore interface {
	SetMessageUnsynced(ctx context.Context, characterID, msgID string, unsynced bool) error
	SetMatchUnsynced(ctx context.Context, characterID string, unsynced bool) error
	Matches(ctx context.Context) []models.MatchRecord
	Character(ctx context.Context, id string) (models.CharacterProfile, bool)
	RecentMessages(ctx context.Context, id string, limit int) []models.ChatMessage
}

// Options tune an Outbox
type Options struct {
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Breaker        *resilience.CircuitBreaker
	Logger         *logger.Logger
	Metrics        *observability.Metrics
}

// Outbox is a per-user write-behind queue
type Outbox struct {
	userID  string
	remote  remote.Store
	local   LocalStore
	opts    Options
	log     *logger.Logger
	metrics *observability.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan Job
	stopped chan struct{}

	mu      sync.Mutex
	closed  bool
	pending int
	waiters []chan struct{}
}

// New starts the worker for userID
func New(userID string, rs remote.Store, local LocalStore, opts Options) *Outbox {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}

	log := logger.OrDiscard(opts.Logger).WithComponent("outbox").WithUserID(userID)
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("remote-writes"), log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		userID:  userID,
		remote:  rs,
		local:   local,
		opts:    opts,
		log:     log,
		metrics: observability.OrNop(opts.Metrics),
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan Job, opts.QueueSize),
		stopped: make(chan struct{}),
	}
	go o.run()
	return o
}

// EnqueueMessage schedules a remote message insert
func (o *Outbox) EnqueueMessage(msg models.ChatMessage) {
	o.Enqueue(Job{Kind: KindMessage, Message: msg, Flagged: msg.Unsynced})
}

// EnqueueMatch schedules a remote match insert
func (o *Outbox) EnqueueMatch(p models.CharacterProfile, flagged bool) {
	o.Enqueue(Job{Kind: KindMatch, Profile: p, Flagged: flagged})
}

// Enqueue schedules a job without blocking. A full or closed queue flags the record.
func (o *Outbox) Enqueue(job Job) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.log.Warn("outbox closed, flagging record", "kind", string(job.Kind), "character_id", job.characterID())
		o.flag(context.Background(), job, true)
		return
	}

	select {
	case o.queue <- job:
		o.pending++
		o.mu.Unlock()
		o.metrics.OutboxDepth(o.ctx, 1)
	default:
		o.mu.Unlock()
		o.log.Warn("outbox queue full, flagging record", "kind", string(job.Kind), "character_id", job.characterID())
		o.metrics.OutboxJob(o.ctx, string(job.Kind), errors.New("queue full"))
		o.flag(o.ctx, job, true)
	}
}

// RequeueUnsynced enqueues every locally flagged match and cached message
func (o *Outbox) RequeueUnsynced(ctx context.Context) int {
	n := 0
	for _, m := range o.local.Matches(ctx) {
		if m.Unsynced {
			if p, ok := o.local.Character(ctx, m.CharacterID); ok {
				o.EnqueueMatch(p, true)
				n++
			}
		}
		for _, msg := range o.local.RecentMessages(ctx, m.CharacterID, 0) {
			if msg.Unsynced {
				o.EnqueueMessage(msg)
				n++
			}
		}
	}
	return n
}

// Drain waits until every queued job has finished or ctx is done
func (o *Outbox) Drain(ctx context.Context) error {
	o.mu.Lock()
	if o.pending == 0 {
		o.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	o.waiters = append(o.waiters, done)
	o.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, drains the queue until ctx is done and stops the worker
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()

	err := o.Drain(ctx)
	o.cancel()
	<-o.stopped
	return err
}

func (o *Outbox) run() {
	defer close(o.stopped)
	for job := range o.queue {
		o.metrics.OutboxDepth(o.ctx, -1)
		o.process(job)
		o.finish()
	}
}

func (o *Outbox) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending--
	if o.pending == 0 {
		for _, w := range o.waiters {
			close(w)
		}
		o.waiters = nil
	}
}

// Pending returns the number of queued or running jobs
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

func (o *Outbox) process(job Job) {
	attempts := 0
	op := func() error {
		attempts++
		return o.opts.Breaker.Execute(func() error {
			return o.write(o.ctx, job)
		})
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.InitialBackoff
	b.MaxInterval = o.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.opts.MaxAttempts-1)), o.ctx)

	err := backoff.Retry(op, policy)
	o.metrics.OutboxJob(o.ctx, string(job.Kind), err)

	if err != nil {
		o.log.LogError(err, "remote write failed, record left unsynced",
			"kind", string(job.Kind),
			"character_id", job.characterID(),
			"attempts", attempts,
		)
		// the worker context may be cancelled on shutdown
		o.flag(context.Background(), job, true)
		return
	}

	if job.Flagged {
		o.flag(o.ctx, job, false)
	}
}

func (o *Outbox) write(ctx context.Context, job Job) error {
	switch job.Kind {
	case KindMessage:
		return o.remote.InsertMessage(ctx, o.userID, job.Message)
	case KindMatch:
		return o.remote.InsertMatch(ctx, o.userID, job.Profile)
	default:
		return backoff.Permanent(errors.New("outbox: unknown job kind " + string(job.Kind)))
	}
}

func (o *Outbox) flag(ctx context.Context, job Job, unsynced bool) {
	var err error
	switch job.Kind {
	case KindMessage:
		err = o.local.SetMessageUnsynced(ctx, job.Message.CharacterID, job.Message.ID, unsynced)
	case KindMatch:
		err = o.local.SetMatchUnsynced(ctx, job.Profile.ID, unsynced)
	}
	if err != nil {
		o.log.LogError(err, "could not update unsynced flag",
			"kind", string(job.Kind),
			"character_id", job.characterID(),
			"unsynced", unsynced,
		)
	}
}
