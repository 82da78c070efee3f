// Package persist writes completed turns into the memory tiers: the document
// store first, then the short-term buffer, then the indexing queue.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/db"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/metrics"
	"github.com/oscillatelabsllc/recall/internal/models"
	"github.com/oscillatelabsllc/recall/internal/retry"
	"github.com/oscillatelabsllc/recall/internal/textnorm"
)

// Documents is the document store surface: writes, plus the reads needed to
// rebuild a session thread.
type Documents interface {
	Upsert(ctx context.Context, ev *models.Event) (duplicate bool, err error)
	QueryFilter(ctx context.Context, f db.Filter) ([]models.Event, error)
}

// Buffer is the short-term buffer write surface.
type Buffer interface {
	Append(ctx context.Context, sessionID string, ev models.Event) error
	Clear(ctx context.Context, sessionID string) error
	InvalidateContext(ctx context.Context, sessionID string) error
}

// Queue accepts events for asynchronous vector indexing.
type Queue interface {
	Enqueue(ev models.Event) (bool, error)
}

// Persist outcomes recorded in metrics.
const (
	OutcomeOK        = "ok"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeMalformed = "malformed"
)

const defaultThreadSize = 64

// Config bounds the persistor.
type Config struct {
	MaxTextBytes  int
	StoreTimeout  time.Duration
	BufferTimeout time.Duration
	ThreadSize    int
	Reserved      models.Reserved
	Retry         retry.Policy
}

// Persistor writes events to every tier.
type Persistor struct {
	docs    Documents
	buffer  Buffer
	queue   Queue
	retryer *retry.Retryer
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector

	// Per-session write serialisation keeps T1 order equal to T2 order.
	locks sessionLocks
	// Sessions whose buffer thread missed an event. Their next write
	// rebuilds the thread from the document store.
	stale sync.Map
}

// Option configures a Persistor.
type Option func(*Persistor)

// WithClock overrides the clock used for missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Persistor) { p.now = now }
}

// New creates a persistor. buffer and queue may be nil.
func New(docs Documents, buffer Buffer, queue Queue, cfg Config, logger *zap.Logger, m *metrics.Collector, opts ...Option) *Persistor {
	if cfg.Reserved == nil {
		cfg.Reserved = models.NewReserved(models.DefaultReservedSessions)
	}
	if cfg.ThreadSize <= 0 {
		cfg.ThreadSize = defaultThreadSize
	}
	policy := cfg.Retry
	policy.Permanent = func(err error) bool {
		return errors.Is(err, models.ErrMalformedEvent) || errors.Is(err, context.Canceled)
	}

	logger = logging.OrNop(logger).With(zap.String("component", "persistor"))
	p := &Persistor{
		docs:    docs,
		buffer:  buffer,
		queue:   queue,
		retryer: retry.New(policy, logger),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
		metrics: m,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Normalize validates ev and fills in its derived fields in place: the text
// is sanitised and clipped, the hash and class are computed, system events
// are marked synthetic and a missing id is assigned. A missing timestamp is
// assigned at write time.
func (p *Persistor) Normalize(ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	text := textnorm.Sanitize(ev.Text)
	if text == "" {
		return fmt.Errorf("%w: texto_semantico is empty after sanitisation", models.ErrMalformedEvent)
	}
	ev.Text = textnorm.Clip(text, p.cfg.MaxTextBytes)
	ev.TextHash = textnorm.Hash(ev.Text)

	if ev.DocumentClass != models.ClassSystem {
		ev.DocumentClass = models.ClassFor(ev.EventType)
	}
	if ev.DocumentClass == models.ClassSystem {
		ev.IsSynthetic = true
	}

	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = uuid.New().String()
	}
	if !ev.Timestamp.IsZero() {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	// Vectors are only ever produced by the indexer.
	ev.Vector = nil
	return nil
}

// RecordTurn persists the user event and, when present, the agent event.
// Malformed input is rejected before anything is written. The agent event
// is skipped when the user event could not be made durable.
func (p *Persistor) RecordTurn(ctx context.Context, turn models.Turn) (receipt models.TurnReceipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("persist panicked", zap.Any("panic", r))
			receipt = models.TurnReceipt{User: models.PersistReceipt{Error: "internal error"}}
			err = nil
		}
	}()

	if turn.UserEvent == nil {
		p.metrics.IncPersist(OutcomeMalformed)
		return models.TurnReceipt{}, fmt.Errorf("%w: user_event is required", models.ErrMalformedEvent)
	}

	user := *turn.UserEvent
	if err := p.Normalize(&user); err != nil {
		p.metrics.IncPersist(OutcomeMalformed)
		return models.TurnReceipt{}, fmt.Errorf("user_event: %w", err)
	}
	var agent *models.Event
	if turn.AgentEvent != nil {
		a := *turn.AgentEvent
		if err := p.Normalize(&a); err != nil {
			p.metrics.IncPersist(OutcomeMalformed)
			return models.TurnReceipt{}, fmt.Errorf("agent_event: %w", err)
		}
		agent = &a
	}

	receipt.User = p.persist(ctx, &user)
	if agent != nil {
		if !receipt.User.T2OK {
			receipt.Agent = &models.PersistReceipt{
				EventID:  agent.ID,
				TextHash: agent.TextHash,
				Error:    "skipped: user event was not persisted",
			}
			return receipt, nil
		}
		r := p.persist(ctx, agent)
		receipt.Agent = &r
	}
	return receipt, nil
}

// Persist normalises and writes a single event.
func (p *Persistor) Persist(ctx context.Context, in models.Event) (models.PersistReceipt, error) {
	ev := in
	if err := p.Normalize(&ev); err != nil {
		p.metrics.IncPersist(OutcomeMalformed)
		return models.PersistReceipt{}, err
	}
	return p.persist(ctx, &ev), nil
}

// persist writes a normalised event. A document store failure stops the
// chain: nothing reaches T1 or the indexing queue.
func (p *Persistor) persist(ctx context.Context, ev *models.Event) models.PersistReceipt {
	receipt := models.PersistReceipt{EventID: ev.ID, TextHash: ev.TextHash}
	sid := p.cfg.Reserved.Scoped(ev.SessionID)

	unlock := p.locks.lock(ev.SessionID)
	defer unlock()

	// Stamped under the lock so timestamp order matches write order.
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}

	duplicate, err := retry.Value(ctx, p.retryer, func(ctx context.Context) (bool, error) {
		callCtx, cancel := withTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
		return p.docs.Upsert(callCtx, ev)
	})
	if err != nil {
		receipt.Error = err.Error()
		p.metrics.IncPersist(OutcomeFailed)
		p.metrics.IncTierFailure(models.TierStore, "upsert")
		p.logger.Warn("event not persisted",
			zap.String("event_id", ev.ID),
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
		return receipt
	}
	receipt.T2OK = true

	if duplicate {
		receipt.Duplicate = true
		p.metrics.IncPersist(OutcomeDuplicate)
		p.logger.Debug("duplicate event dropped",
			zap.String("event_id", ev.ID),
			zap.String("session_id", ev.SessionID),
			zap.String("texto_hash", ev.TextHash))
		return receipt
	}

	if p.buffer != nil && sid != "" {
		receipt.T1OK = p.appendThread(ctx, sid, ev)
	}

	if p.queue != nil {
		enqueued, err := p.queue.Enqueue(*ev)
		if err != nil {
			p.logger.Warn("indexing not scheduled", zap.String("event_id", ev.ID), zap.Error(err))
		}
		receipt.T3Enqueued = enqueued
	}

	p.metrics.IncPersist(OutcomeOK)
	p.logger.Debug("event persisted",
		zap.String("event_id", ev.ID),
		zap.String("session_id", ev.SessionID),
		zap.Bool("t1", receipt.T1OK),
		zap.Bool("t3_enqueued", receipt.T3Enqueued))
	return receipt
}

// appendThread adds ev to the session's buffer thread. A session whose
// thread missed an earlier event is rebuilt from the document store instead,
// which already holds ev. On failure the thread is cleared so reads fall back
// to the store until the next successful write.
func (p *Persistor) appendThread(ctx context.Context, sid string, ev *models.Event) bool {
	callCtx, cancel := withTimeout(ctx, p.cfg.BufferTimeout)
	defer cancel()

	var err error
	op := "append"
	if _, stale := p.stale.Load(sid); stale {
		op = "rebuild"
		err = p.rebuildThread(ctx, callCtx, sid)
	} else {
		err = p.buffer.Append(callCtx, sid, *ev)
	}

	if err := p.buffer.InvalidateContext(callCtx, sid); err != nil {
		p.logger.Debug("context cache invalidation failed", zap.String("session_id", sid), zap.Error(err))
	}
	if err == nil {
		p.stale.Delete(sid)
		return true
	}

	p.stale.Store(sid, struct{}{})
	p.metrics.IncTierFailure(models.TierBuffer, op)
	p.logger.Warn("buffer write failed, thread will be rebuilt from the store",
		zap.String("event_id", ev.ID),
		zap.String("session_id", sid),
		zap.String("operation", op),
		zap.Error(err))
	if err := p.buffer.Clear(callCtx, sid); err != nil {
		p.logger.Debug("buffer clear failed", zap.String("session_id", sid), zap.Error(err))
	}
	return false
}

// rebuildThread replaces the session's buffer thread with its most recent
// stored events, oldest first.
func (p *Persistor) rebuildThread(ctx, bufCtx context.Context, sid string) error {
	storeCtx, cancel := withTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	events, err := p.docs.QueryFilter(storeCtx, db.Filter{
		SessionID: sid,
		Order:     models.OrderDesc,
		Limit:     p.cfg.ThreadSize,
	})
	if err != nil {
		return fmt.Errorf("failed to read thread from store: %w", err)
	}

	if err := p.buffer.Clear(bufCtx, sid); err != nil {
		return err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if err := p.buffer.Append(bufCtx, sid, events[i]); err != nil {
			return err
		}
	}
	p.logger.Info("buffer thread rebuilt from store",
		zap.String("session_id", sid),
		zap.Int("events", len(events)))
	return nil
}

// sessionLocks hands out one mutex per session, dropping it once no writer
// holds or waits for it.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) lock(sessionID string) (unlock func()) {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]*sessionLock)
	}
	sl, ok := l.held[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.held[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.held, sessionID)
		}
		l.mu.Unlock()
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
