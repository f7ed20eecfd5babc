package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the instruments recorded by the sync, outbox, deck and chat layers
type Metrics struct {
	syncPasses     metric.Int64Counter
	syncDuration   metric.Float64Histogram
	syncNewMatches metric.Int64Counter
	outboxJobs     metric.Int64Counter
	outboxDepth    metric.Int64UpDownCounter
	deckRefills    metric.Int64Counter
	swipes         metric.Int64Counter
	chatReplies    metric.Int64Counter
	corruptValues  metric.Int64Counter
}

// NewMetrics registers all instruments on the meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.syncPasses, err = meter.Int64Counter("sync_passes_total",
		metric.WithDescription("Reconciliation passes by outcome")); err != nil {
		return nil, err
	}
	if m.syncDuration, err = meter.Float64Histogram("sync_pass_duration_seconds",
		metric.WithDescription("Reconciliation pass latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.syncNewMatches, err = meter.Int64Counter("sync_new_matches_total",
		metric.WithDescription("Matches discovered remotely and added locally")); err != nil {
		return nil, err
	}
	if m.outboxJobs, err = meter.Int64Counter("outbox_jobs_total",
		metric.WithDescription("Write-behind jobs by kind and outcome")); err != nil {
		return nil, err
	}
	if m.outboxDepth, err = meter.Int64UpDownCounter("outbox_queue_depth",
		metric.WithDescription("Jobs waiting in write-behind queues")); err != nil {
		return nil, err
	}
	if m.deckRefills, err = meter.Int64Counter("deck_refills_total",
		metric.WithDescription("Deck replenishment fetches by outcome")); err != nil {
		return nil, err
	}
	if m.swipes, err = meter.Int64Counter("deck_swipes_total",
		metric.WithDescription("Swipes by direction")); err != nil {
		return nil, err
	}
	if m.chatReplies, err = meter.Int64Counter("chat_replies_total",
		metric.WithDescription("Assistant replies by kind")); err != nil {
		return nil, err
	}
	if m.corruptValues, err = meter.Int64Counter("localstore_corrupt_values_total",
		metric.WithDescription("Stored values dropped as unreadable")); err != nil {
		return nil, err
	}

	return m, nil
}

// NopMetrics returns instruments that record nothing
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// OrNop returns m, or no-op instruments when m is nil
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return NopMetrics()
	}
	return m
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

// SyncPass records one reconciliation pass
func (m *Metrics) SyncPass(ctx context.Context, seconds float64, added int, err error) {
	m.syncPasses.Add(ctx, 1, metric.WithAttributes(outcome(err)))
	m.syncDuration.Record(ctx, seconds, metric.WithAttributes(outcome(err)))
	if added > 0 {
		m.syncNewMatches.Add(ctx, int64(added))
	}
}

// OutboxJob records the final result of a write-behind job
func (m *Metrics) OutboxJob(ctx context.Context, kind string, err error) {
	m.outboxJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), outcome(err)))
}

// OutboxDepth adjusts the queued job gauge
func (m *Metrics) OutboxDepth(ctx context.Context, delta int64) {
	m.outboxDepth.Add(ctx, delta)
}

// DeckRefill records a replenishment fetch
func (m *Metrics) DeckRefill(ctx context.Context, err error) {
	m.deckRefills.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

// Swipe records a swipe
func (m *Metrics) Swipe(ctx context.Context, direction string) {
	m.swipes.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// ChatReply records the kind of assistant reply: text, image or fallback
func (m *Metrics) ChatReply(ctx context.Context, kind string) {
	m.chatReplies.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// CorruptValue records a stored value dropped as unreadable
func (m *Metrics) CorruptValue(ctx context.Context, key string) {
	m.corruptValues.Add(ctx, 1, metric.WithAttributes(attribute.String("key_family", key)))
}
