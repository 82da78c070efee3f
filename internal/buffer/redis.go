package buffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/config"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// Redis keeps each session's thread in a Redis list. Writes to a key run in a
// MULTI block so trimming and expiry apply atomically with the push.
type Redis struct {
	client     *redis.Client
	size       int
	ttl        time.Duration
	contextTTL time.Duration
	logger     *zap.Logger
}

// NewRedis connects to cfg.RedisAddr and verifies the connection.
func NewRedis(cfg config.BufferConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	r := newRedisWithClient(client, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The client reconnects on its own; until then writes fail per call and
	// reads fall back to the document store.
	if err := client.Ping(ctx).Err(); err != nil {
		r.logger.Warn("Redis unreachable at startup, buffer degraded until it recovers",
			zap.String("addr", cfg.RedisAddr),
			zap.Error(err))
	}

	return r, nil
}

func newRedisWithClient(client *redis.Client, cfg config.BufferConfig, logger *zap.Logger) *Redis {
	size := cfg.ThreadBufferSize
	if size <= 0 {
		size = 64
	}
	return &Redis{
		client:     client,
		size:       size,
		ttl:        cfg.TTL,
		contextTTL: cfg.ContextTTL,
		logger:     logging.OrNop(logger).With(zap.String("component", "buffer.redis")),
	}
}

// Name identifies the backend.
func (r *Redis) Name() string { return "redis" }

// Ping checks if Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Append pushes ev onto the session list.
func (r *Redis) Append(ctx context.Context, sessionID string, ev models.Event) error {
	data, err := encode(stripped(ev))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key := ThreadKey(sessionID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-r.size), -1)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

// Recent returns the last k events of the session, oldest first. Entries that
// fail to decode are skipped.
func (r *Redis) Recent(ctx context.Context, sessionID string, k int) ([]models.Event, error) {
	if k <= 0 {
		return nil, nil
	}
	if k > r.size {
		k = r.size
	}

	raw, err := r.client.LRange(ctx, ThreadKey(sessionID), int64(-k), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read thread: %w", err)
	}

	events := make([]models.Event, 0, len(raw))
	for _, item := range raw {
		var ev models.Event
		if err := decode([]byte(item), &ev); err != nil {
			r.logger.Warn("skipping undecodable thread entry",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Clear deletes the thread and its cached context.
func (r *Redis) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, ThreadKey(sessionID), ContextKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// StoreContext writes the bundle with the context TTL.
func (r *Redis) StoreContext(ctx context.Context, sessionID, key string, bundle models.ContextBundle) error {
	data, err := encode(cachedContext{Key: key, Bundle: bundle})
	if err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := r.client.Set(ctx, ContextKey(sessionID), data, r.contextTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache context: %w", err)
	}
	return nil
}

// LoadContext returns the cached bundle or nil on a miss.
func (r *Redis) LoadContext(ctx context.Context, sessionID, key string) (*models.ContextBundle, error) {
	data, err := r.client.Get(ctx, ContextKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached context: %w", err)
	}

	var cached cachedContext
	if err := decode(data, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached context: %w", err)
	}
	if cached.Key != key {
		return nil, nil
	}
	return &cached.Bundle, nil
}

// InvalidateContext deletes the cached bundle.
func (r *Redis) InvalidateContext(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, ContextKey(sessionID)).Err()
}
