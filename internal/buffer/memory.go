package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/oscillatelabsllc/recall/internal/config"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// Memory is an in-process buffer. Threads expire after the configured idle
// TTL; each thread has its own lock so sessions never contend.
type Memory struct {
	threads  *cache.Cache
	contexts *cache.Cache
	size     int
	ttl      time.Duration
}

type thread struct {
	mu     sync.Mutex
	events []models.Event
}

// NewMemory creates an in-process buffer.
func NewMemory(cfg config.BufferConfig) *Memory {
	size := cfg.ThreadBufferSize
	if size <= 0 {
		size = 64
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	contextTTL := cfg.ContextTTL
	if contextTTL <= 0 {
		contextTTL = cache.NoExpiration
	}
	return &Memory{
		threads:  cache.New(ttl, time.Minute),
		contexts: cache.New(contextTTL, time.Minute),
		size:     size,
		ttl:      ttl,
	}
}

// Name identifies the backend.
func (m *Memory) Name() string { return "memory" }

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close drops every thread.
func (m *Memory) Close() error {
	m.threads.Flush()
	m.contexts.Flush()
	return nil
}

func (m *Memory) thread(sessionID string, create bool) *thread {
	key := ThreadKey(sessionID)
	if v, ok := m.threads.Get(key); ok {
		return v.(*thread)
	}
	if !create {
		return nil
	}
	t := &thread{}
	if err := m.threads.Add(key, t, cache.DefaultExpiration); err != nil {
		// Lost the race to another writer; use theirs.
		if v, ok := m.threads.Get(key); ok {
			return v.(*thread)
		}
	}
	return t
}

// Append adds ev and refreshes the session's idle TTL.
func (m *Memory) Append(_ context.Context, sessionID string, ev models.Event) error {
	t := m.thread(sessionID, true)

	t.mu.Lock()
	t.events = append(t.events, stripped(ev))
	if over := len(t.events) - m.size; over > 0 {
		t.events = append([]models.Event(nil), t.events[over:]...)
	}
	t.mu.Unlock()

	m.threads.Set(ThreadKey(sessionID), t, cache.DefaultExpiration)
	return nil
}

// Recent returns the last k events, oldest first.
func (m *Memory) Recent(_ context.Context, sessionID string, k int) ([]models.Event, error) {
	t := m.thread(sessionID, false)
	if t == nil || k <= 0 {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	start := len(t.events) - k
	if start < 0 {
		start = 0
	}
	return append([]models.Event(nil), t.events[start:]...), nil
}

// Clear drops the session.
func (m *Memory) Clear(_ context.Context, sessionID string) error {
	m.threads.Delete(ThreadKey(sessionID))
	m.contexts.Delete(ContextKey(sessionID))
	return nil
}

// StoreContext caches bundle for the session.
func (m *Memory) StoreContext(_ context.Context, sessionID, key string, bundle models.ContextBundle) error {
	// Encoding gives the cached copy its own slices and maps.
	data, err := encode(cachedContext{Key: key, Bundle: bundle})
	if err != nil {
		return err
	}
	m.contexts.Set(ContextKey(sessionID), data, cache.DefaultExpiration)
	return nil
}

// LoadContext returns the cached bundle when key matches.
func (m *Memory) LoadContext(_ context.Context, sessionID, key string) (*models.ContextBundle, error) {
	v, ok := m.contexts.Get(ContextKey(sessionID))
	if !ok {
		return nil, nil
	}
	var cached cachedContext
	if err := decode(v.([]byte), &cached); err != nil {
		return nil, err
	}
	if cached.Key != key {
		return nil, nil
	}
	return &cached.Bundle, nil
}

// InvalidateContext drops the cached bundle.
func (m *Memory) InvalidateContext(_ context.Context, sessionID string) error {
	m.contexts.Delete(ContextKey(sessionID))
	return nil
}

// Noop is the disabled buffer. Reads are always empty.
type Noop struct{}

func (Noop) Name() string { return "none" }
func (Noop) Ping(context.Context) error { return nil }
func (Noop) Close() error { return nil }
func (Noop) Append(context.Context, string, models.Event) error { return nil }
func (Noop) Recent(context.Context, string, int) ([]models.Event, error) { return nil, nil }
func (Noop) Clear(context.Context, string) error { return nil }
func (Noop) InvalidateContext(context.Context, string) error { return nil }

func (Noop) StoreContext(context.Context, string, string, models.ContextBundle) error {
	return nil
}

func (Noop) LoadContext(context.Context, string, string) (*models.ContextBundle, error) {
	return nil, nil
}
