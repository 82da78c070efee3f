package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/recall/internal/models"
)

type recordingTarget struct {
	mu      sync.Mutex
	indexed []string
	block   chan struct{}
	fail    map[string]bool
}

func (r *recordingTarget) Eligible(ev *models.Event) bool {
	return ev.Indexable(10)
}

func (r *recordingTarget) Index(ctx context.Context, ev *models.Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.fail[ev.ID] {
		return errors.New("boom")
	}
	r.mu.Lock()
	r.indexed = append(r.indexed, ev.ID)
	r.mu.Unlock()
	return nil
}

func (r *recordingTarget) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.indexed...)
}

func event(id string) models.Event {
	return models.Event{ID: id, DocumentClass: models.ClassCognitive, Text: "an event long enough " + id}
}

func TestIndexerIndexesInOrder(t *testing.T) {
	target := &recordingTarget{}
	ix := New(target, Config{QueueSize: 16, Workers: 1}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix.Start(ctx)

	for _, id := range []string{"e1", "e2", "e3"} {
		ok, err := ix.Enqueue(event(id))
		require.NoError(t, err)
		assert.True(t, ok)
	}

	flushCtx, done := context.WithTimeout(ctx, 2*time.Second)
	defer done()
	require.NoError(t, ix.Flush(flushCtx))
	assert.Equal(t, []string{"e1", "e2", "e3"}, target.ids())
	assert.Equal(t, uint64(3), ix.Stats().Indexed)
}

func TestIndexerRefusesIneligible(t *testing.T) {
	ix := New(&recordingTarget{}, Config{QueueSize: 4}, nil, nil)

	synthetic := event("s1")
	synthetic.IsSynthetic = true
	ok, err := ix.Enqueue(synthetic)
	require.NoError(t, err)
	assert.False(t, ok)

	short := models.Event{ID: "s2", DocumentClass: models.ClassCognitive, Text: "hi"}
	ok, _ = ix.Enqueue(short)
	assert.False(t, ok)
	assert.Zero(t, ix.Depth())
}

func TestIndexerDropsOldestWhenFull(t *testing.T) {
	// Workers are not started, so nothing drains the queue.
	ix := New(&recordingTarget{}, Config{QueueSize: 2}, nil, nil)

	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		ok, err := ix.Enqueue(event(id))
		require.NoError(t, err)
		assert.True(t, ok)
	}

	assert.Equal(t, 2, ix.Depth())
	assert.Equal(t, uint64(2), ix.Stats().Dropped)

	first, ok := ix.pop()
	require.True(t, ok)
	assert.Equal(t, "e3", first.ID)
}

func TestIndexerFailuresAreCounted(t *testing.T) {
	target := &recordingTarget{fail: map[string]bool{"bad": true}}
	ix := New(target, Config{QueueSize: 4, Workers: 2}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix.Start(ctx)

	_, _ = ix.Enqueue(event("bad"))
	_, _ = ix.Enqueue(event("good"))

	flushCtx, done := context.WithTimeout(ctx, 2*time.Second)
	defer done()
	require.NoError(t, ix.Flush(flushCtx))

	stats := ix.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Indexed)
	assert.Equal(t, []string{"good"}, target.ids())
}

func TestIndexerTimeout(t *testing.T) {
	target := &recordingTarget{block: make(chan struct{})}
	ix := New(target, Config{QueueSize: 4, Workers: 1, Timeout: 20 * time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix.Start(ctx)

	_, _ = ix.Enqueue(event("slow"))

	flushCtx, done := context.WithTimeout(ctx, 2*time.Second)
	defer done()
	require.NoError(t, ix.Flush(flushCtx))
	assert.Equal(t, uint64(1), ix.Stats().Failed)
}

func TestIndexerCloseDrains(t *testing.T) {
	target := &recordingTarget{}
	ix := New(target, Config{QueueSize: 8, Workers: 2}, nil, nil)
	ix.Start(context.Background())

	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		_, _ = ix.Enqueue(event(id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ix.Close(ctx))
	assert.Len(t, target.ids(), 4)

	_, err := ix.Enqueue(event("late"))
	assert.ErrorIs(t, err, ErrQueueClosed)
	require.NoError(t, ix.Close(ctx), "second close is a no-op")
}

func TestIndexerCountsEventsAbandonedOnShutdown(t *testing.T) {
	target := &recordingTarget{}
	ix := New(target, Config{QueueSize: 4, Workers: 1, RatePerSecond: 0.001}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ix.process(ctx, 0, event("e1"))

	assert.Empty(t, target.ids())
	assert.Equal(t, uint64(1), ix.Stats().Dropped)
	assert.Zero(t, ix.Stats().Indexed)
}

func TestIndexerReportsIndexedEvents(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	ix := New(&recordingTarget{}, Config{
		QueueSize: 4,
		Workers:   1,
		OnIndexed: func(ev models.Event) {
			mu.Lock()
			seen = append(seen, ev.ID)
			mu.Unlock()
		},
	}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix.Start(ctx)

	_, _ = ix.Enqueue(event("e1"))
	_, _ = ix.Enqueue(event("e2"))

	flushCtx, done := context.WithTimeout(ctx, 2*time.Second)
	defer done()
	require.NoError(t, ix.Flush(flushCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"e1", "e2"}, seen)
}
