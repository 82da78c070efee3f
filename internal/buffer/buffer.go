// Package buffer implements the short-term conversation buffer: a capped,
// per-session list of the most recent events plus a slot for the last
// context bundle built for the session.
package buffer

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/config"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// Buffer is the T1 tier. Every operation may fail; callers treat failures as
// an empty buffer and fall back to the document store.
type Buffer interface {
	// Append adds ev to the end of the session's list, trimming it to the
	// configured size and refreshing its idle TTL.
	Append(ctx context.Context, sessionID string, ev models.Event) error
	// Recent returns up to k most recent events, oldest first.
	Recent(ctx context.Context, sessionID string, k int) ([]models.Event, error)
	// Clear drops the session's list and cached context.
	Clear(ctx context.Context, sessionID string) error

	// StoreContext caches bundle under key for the session, replacing any
	// previous bundle.
	StoreContext(ctx context.Context, sessionID, key string, bundle models.ContextBundle) error
	// LoadContext returns the cached bundle when its key matches, nil otherwise.
	LoadContext(ctx context.Context, sessionID, key string) (*models.ContextBundle, error)
	// InvalidateContext drops the cached bundle.
	InvalidateContext(ctx context.Context, sessionID string) error

	Ping(ctx context.Context) error
	Name() string
	Close() error
}

// New builds the backend selected by cfg.Backend.
func New(cfg config.BufferConfig, logger *zap.Logger) (Buffer, error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		return NewRedis(cfg, logger)
	case "memory", "":
		return NewMemory(cfg), nil
	case "none", "disabled":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown buffer backend %q", cfg.Backend)
	}
}

// ThreadKey is the key of a session's event list.
func ThreadKey(sessionID string) string {
	return "thread:" + sessionID
}

// ContextKey is the key of a session's cached bundle.
func ContextKey(sessionID string) string {
	return "memoria:" + sessionID + ":context"
}

// cachedContext is the stored form of a bundle; Key guards against serving a
// bundle built for a different utterance.
type cachedContext struct {
	Key    string               `cbor:"key"`
	Bundle models.ContextBundle `cbor:"bundle"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("buffer: CBOR encoder initialization failed: " + err.Error())
	}

	// Metadata values decode into map[string]any so they stay JSON-friendly.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("buffer: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// stripped drops the embedding; the buffer never needs it.
func stripped(ev models.Event) models.Event {
	ev.Vector = nil
	return ev
}
