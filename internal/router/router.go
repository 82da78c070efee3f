package router

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// Router maps intents to agent profiles. It never calls a model.
type Router struct {
	registry *Registry
	log      *Ring
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the decision timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router over registry with a decision log of the given capacity.
func New(registry *Registry, capacity int, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		log:      NewRing(capacity),
		now:      time.Now,
		logger:   logging.OrNop(logger).With(zap.String("component", "router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route selects the profile for intent and records the decision. The
// utterance is accepted for interface stability; selection is a pure lookup.
func (r *Router) Route(intent models.Intent, confidence float64, _ string, sessionID string) models.RoutingDecision {
	profile, ok := r.registry.Lookup(intent)
	if !ok {
		profile = r.registry.General()
	}

	decision := models.RoutingDecision{
		Intent:          intent,
		Confidence:      confidence,
		SelectedProfile: profile,
		UsedFallback:    !ok,
		Timestamp:       r.now().UTC(),
		SessionID:       sessionID,
	}
	r.log.Add(decision)

	if !ok {
		r.logger.Debug("no profile for intent, using general",
			zap.String("intent", string(intent)),
			zap.String("session_id", sessionID))
	}
	return decision
}

// Decisions returns the routing log, oldest first.
func (r *Router) Decisions() []models.RoutingDecision {
	return r.log.Snapshot()
}

// Registry exposes the profile registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Ring is a fixed-capacity circular log of routing decisions.
type Ring struct {
	mu    sync.Mutex
	items []models.RoutingDecision
	next  int
	full  bool
}

// NewRing creates a ring holding at most capacity decisions.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{items: make([]models.RoutingDecision, capacity)}
}

// Add appends d, overwriting the oldest entry when full.
func (r *Ring) Add(d models.RoutingDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = d
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// Len reports how many decisions are held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.items)
	}
	return r.next
}

// Snapshot copies the held decisions in insertion order.
func (r *Ring) Snapshot() []models.RoutingDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]models.RoutingDecision(nil), r.items[:r.next]...)
	}
	out := make([]models.RoutingDecision, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}
