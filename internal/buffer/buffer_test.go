package buffer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/recall/internal/config"
	"github.com/oscillatelabsllc/recall/internal/models"
)

func testConfig() config.BufferConfig {
	return config.BufferConfig{
		ThreadBufferSize: 3,
		TTL:              time.Hour,
		ContextTTL:       5 * time.Minute,
	}
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	r, err := NewRedis(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return mr, r
}

func event(session, text string, at time.Time) models.Event {
	return models.Event{
		ID:            "id-" + text,
		SessionID:     session,
		Timestamp:     at,
		EventType:     models.EventUserInput,
		Text:          text,
		DocumentClass: models.ClassCognitive,
		Vector:        []float32{0.1, 0.2},
		Metadata:      map[string]any{"nested": map[string]any{"k": "v"}},
	}
}

func backends(t *testing.T) map[string]Buffer {
	_, r := setupRedis(t)
	return map[string]Buffer{
		"redis":  r,
		"memory": NewMemory(testConfig()),
	}
}

func TestAppendRecent(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 123456789, time.UTC)

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, text := range []string{"a", "b", "c", "d"} {
				require.NoError(t, b.Append(ctx, "s1", event("s1", text, base.Add(time.Duration(i)*time.Minute))))
			}
			require.NoError(t, b.Append(ctx, "s2", event("s2", "other", base)))

			got, err := b.Recent(ctx, "s1", 10)
			require.NoError(t, err)
			require.Len(t, got, 3, "list is capped at the buffer size")
			assert.Equal(t, "b", got[0].Text)
			assert.Equal(t, "d", got[2].Text)
			assert.Nil(t, got[0].Vector, "vectors are not buffered")
			assert.True(t, base.Add(time.Minute).Equal(got[0].Timestamp))
			assert.Equal(t, map[string]any{"k": "v"}, got[0].Metadata["nested"])

			got, err = b.Recent(ctx, "s1", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "c", got[0].Text)

			got, err = b.Recent(ctx, "missing", 5)
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, b.Clear(ctx, "s1"))
			got, err = b.Recent(ctx, "s1", 5)
			require.NoError(t, err)
			assert.Empty(t, got)

			got, err = b.Recent(ctx, "s2", 5)
			require.NoError(t, err)
			assert.Len(t, got, 1, "other sessions are untouched")
		})
	}
}

func TestContextCache(t *testing.T) {
	ctx := context.Background()
	bundle := models.ContextBundle{
		Thread: []models.ContextItem{{Event: event("s1", "hello", time.Now().UTC()), Source: models.SourceThread, Tokens: 2}},
		Tiers:  map[string]models.TierStatus{models.TierBuffer: models.TierOK},
	}

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := b.LoadContext(ctx, "s1", "k1")
			require.NoError(t, err)
			assert.Nil(t, got)

			require.NoError(t, b.StoreContext(ctx, "s1", "k1", bundle))

			got, err = b.LoadContext(ctx, "s1", "k1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "hello", got.Thread[0].Event.Text)
			assert.Equal(t, models.TierOK, got.Tiers[models.TierBuffer])

			got, err = b.LoadContext(ctx, "s1", "k2")
			require.NoError(t, err)
			assert.Nil(t, got, "a bundle for another key is a miss")

			require.NoError(t, b.InvalidateContext(ctx, "s1"))
			got, err = b.LoadContext(ctx, "s1", "k1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestRedisKeysAndExpiry(t *testing.T) {
	mr, r := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, "s1", event("s1", "a", time.Now())))
	require.NoError(t, r.StoreContext(ctx, "s1", "k", models.ContextBundle{}))

	assert.True(t, mr.Exists("thread:s1"))
	assert.True(t, mr.Exists("memoria:s1:context"))
	assert.Equal(t, time.Hour, mr.TTL("thread:s1"))
	assert.Equal(t, 5*time.Minute, mr.TTL("memoria:s1:context"))

	mr.FastForward(2 * time.Hour)
	got, err := r.Recent(ctx, "s1", 5)
	require.NoError(t, err)
	assert.Empty(t, got, "idle threads expire")
}

func TestRedisUnavailable(t *testing.T) {
	mr, r := setupRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, r.Append(ctx, "s1", event("s1", "a", time.Now())))
	_, err := r.Recent(ctx, "s1", 1)
	assert.Error(t, err)
	assert.Error(t, r.Ping(ctx))
}

func TestNewRedisDegradesWhenUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	mr.Close()

	r, err := NewRedis(cfg, nil)
	require.NoError(t, err, "an unreachable Redis must not stop startup")
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, r.Append(ctx, "s1", event("s1", "a", time.Now())))

	require.NoError(t, mr.Restart())
	t.Cleanup(mr.Close)
	require.NoError(t, r.Append(context.Background(), "s1", event("s1", "b", time.Now())))
	got, err := r.Recent(context.Background(), "s1", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Text)
}

func TestMemoryConcurrentAppends(t *testing.T) {
	b := NewMemory(config.BufferConfig{ThreadBufferSize: 64})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Append(ctx, "s1", event("s1", fmt.Sprintf("%d-%d", i, j), time.Now()))
			}
		}()
	}
	wg.Wait()

	got, err := b.Recent(ctx, "s1", 100)
	require.NoError(t, err)
	assert.Len(t, got, 64)
}

func TestNewSelectsBackend(t *testing.T) {
	b, err := New(config.BufferConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Name())

	b, err = New(config.BufferConfig{Backend: "none"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "none", b.Name())
	got, err := b.Recent(context.Background(), "s1", 5)
	assert.NoError(t, err)
	assert.Empty(t, got)

	_, err = New(config.BufferConfig{Backend: "memcached"}, nil)
	assert.Error(t, err)
}
