package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func newTestBreaker(failures, successes uint) (*CircuitBreaker, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: failures,
		SuccessThreshold: successes,
		RetryTimeout:     10 * time.Second,
	}, nil)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(2, 1)

	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, uint64(1), cb.GetMetrics()["total_rejected"])
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, 1)

	_ = cb.Execute(func() error { return errBoom })
	assert.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(1, 2)
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())

	*now = now.Add(11 * time.Second)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestFailedProbeReopens(t *testing.T) {
	cb, now := newTestBreaker(1, 1)
	_ = cb.Execute(func() error { return errBoom })

	*now = now.Add(11 * time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, uint64(2), cb.GetMetrics()["open_circuit_count"])
}
