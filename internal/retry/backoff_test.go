package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	r := New(fastPolicy(3), nil)
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausts(t *testing.T) {
	r := New(fastPolicy(2), nil)
	boom := errors.New("down")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestPermanentErrorsStopImmediately(t *testing.T) {
	bad := errors.New("bad input")
	p := fastPolicy(5)
	p.Permanent = func(err error) bool { return errors.Is(err, bad) }
	r := New(p, nil)

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return bad
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestValueReturnsResult(t *testing.T) {
	r := New(fastPolicy(3), nil)
	calls := 0
	got, err := Value(context.Background(), r, func(context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("once")
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCancelledContextStopsWaiting(t *testing.T) {
	p := fastPolicy(10)
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour
	r := New(p, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Do(ctx, func(context.Context) error { return errors.New("nope") })
	assert.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayBounds(t *testing.T) {
	r := New(Policy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2}, nil)
	assert.Equal(t, 10*time.Millisecond, r.delay(1))
	assert.Equal(t, 20*time.Millisecond, r.delay(2))
	assert.Equal(t, 40*time.Millisecond, r.delay(3))
	assert.Equal(t, 40*time.Millisecond, r.delay(6), "capped at MaxDelay")

	r.policy.Jitter = true
	for i := 0; i < 50; i++ {
		d := r.delay(2)
		assert.GreaterOrEqual(t, d, 15*time.Millisecond)
		assert.LessOrEqual(t, d, 25*time.Millisecond)
	}
}
