// Package db holds the durable tiers: the document store (DuckDB or
// MongoDB), the DuckDB vector index and the filter resolution they share.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/oscillatelabsllc/recall/internal/models"
)

// ErrNotFound is returned when an event does not exist.
var ErrNotFound = errors.New("event not found")

// DocumentStore is the T2 contract implemented by Store and MongoStore.
type DocumentStore interface {
	// Upsert writes ev, reporting duplicate=true when its id or its
	// (texto_hash, session_id) pair already exists.
	Upsert(ctx context.Context, ev *models.Event) (duplicate bool, err error)
	Get(ctx context.Context, id string) (*models.Event, error)
	Query(ctx context.Context, spec models.FilterSpec) ([]models.Event, error)
	QueryFilter(ctx context.Context, f Filter) ([]models.Event, error)
	Count(ctx context.Context) (int, error)
	DeleteNoise(ctx context.Context, minChars int) ([]string, error)
	PurgeSynthetic(ctx context.Context, before time.Time) ([]string, error)
	Ping(ctx context.Context) error
	Name() string
	Close() error
}

var (
	_ DocumentStore = (*Store)(nil)
	_ DocumentStore = (*MongoStore)(nil)
)
