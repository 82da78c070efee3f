// Package retrieval gathers the prior context of an utterance from the three
// memory tiers and fuses it into a deduplicated, token-budgeted bundle.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oscillatelabsllc/recall/internal/db"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/metrics"
	"github.com/oscillatelabsllc/recall/internal/models"
	"github.com/oscillatelabsllc/recall/internal/textnorm"
)

// Buffer is the part of the short-term buffer the retriever reads.
type Buffer interface {
	Recent(ctx context.Context, sessionID string, k int) ([]models.Event, error)
	StoreContext(ctx context.Context, sessionID, key string, bundle models.ContextBundle) error
	LoadContext(ctx context.Context, sessionID, key string) (*models.ContextBundle, error)
}

// Documents is the document store query surface.
type Documents interface {
	QueryFilter(ctx context.Context, f db.Filter) ([]models.Event, error)
}

// Searcher is the vector index search surface.
type Searcher interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	SearchVector(ctx context.Context, vec []float32, k int, f db.VectorFilter) ([]db.Hit, error)
}

// Config holds retrieval limits and per-tier timeouts.
type Config struct {
	ThreadLimit   int
	SemanticK     int
	GlobalFloor   int
	MaxTokens     int
	MaxContextAge time.Duration

	// SemanticForLowConfidence keeps vector search on for general_chat
	// utterances classified below the low similarity threshold.
	SemanticForLowConfidence bool

	BufferTimeout time.Duration
	StoreTimeout  time.Duration
	VectorTimeout time.Duration

	Reserved models.Reserved
}

// Request is one retrieval call.
type Request struct {
	Utterance string
	SessionID string
	AgentID   string
	// Endpoint of the current turn, used for endpoint affinity. When empty
	// the endpoint of the latest thread event is used.
	Endpoint string
	Intent   models.Intent
	// LowConfidence marks a general_chat classification below the low
	// similarity threshold.
	LowConfidence bool
}

// Retriever builds context bundles.
type Retriever struct {
	buffer  Buffer
	docs    Documents
	vectors Searcher
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithClock overrides the clock used for recency scoring.
func WithClock(now func() time.Time) Option {
	return func(r *Retriever) { r.now = now }
}

// WithMetrics records tier failures.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Retriever) { r.metrics = m }
}

// New creates a retriever. buffer and vectors may be nil, in which case the
// tier is reported as skipped.
func New(buffer Buffer, docs Documents, vectors Searcher, cfg Config, logger *zap.Logger, opts ...Option) *Retriever {
	if cfg.Reserved == nil {
		cfg.Reserved = models.NewReserved(models.DefaultReservedSessions)
	}
	r := &Retriever{
		buffer:  buffer,
		docs:    docs,
		vectors: vectors,
		cfg:     cfg,
		now:     time.Now,
		logger:  logging.OrNop(logger).With(zap.String("component", "retriever")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CacheKey identifies the bundle built for a request within its session.
func CacheKey(req Request) string {
	return fmt.Sprintf("%s|%t|%s|%s", req.Intent, req.LowConfidence, req.AgentID, textnorm.Hash(req.Utterance))
}

type threadResult struct {
	events []models.Event
	t1     models.TierStatus
	t2     models.TierStatus
}

type literalResult struct {
	events []models.Event
	t2     models.TierStatus
}

type semanticResult struct {
	semantic []models.ContextItem
	global   []models.ContextItem
	t3       models.TierStatus
}

// Retrieve returns the context bundle for req. It never fails: a tier that
// errors or times out contributes nothing and is marked failed.
func (r *Retriever) Retrieve(ctx context.Context, req Request) models.ContextBundle {
	sid := r.cfg.Reserved.Scoped(req.SessionID)
	key := CacheKey(req)
	if cached := r.loadCached(ctx, sid, key); cached != nil {
		r.logger.Debug("context served from cache",
			zap.String("session_id", req.SessionID),
			zap.String("intent", string(req.Intent)))
		return *cached
	}

	now := r.now().UTC()
	identifier, literal := textnorm.ExtractIdentifier(req.Utterance)

	var thread threadResult
	lit := literalResult{t2: models.TierSkipped}
	sem := semanticResult{t3: models.TierSkipped}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		thread = r.thread(gctx, sid, now)
		return nil
	})
	if literal {
		g.Go(func() error {
			lit = r.literal(gctx, identifier, sid, r.cfg.Reserved.Scoped(req.AgentID))
			return nil
		})
	} else {
		g.Go(func() error {
			sem = r.semantic(gctx, req, sid, now)
			return nil
		})
	}
	_ = g.Wait()

	endpoint := req.Endpoint
	if endpoint == "" && len(thread.events) > 0 {
		endpoint = thread.events[len(thread.events)-1].Endpoint
	}
	sc := newScorer(now, endpoint, req.Utterance)

	threadItems := make([]models.ContextItem, 0, len(thread.events))
	for _, ev := range thread.events {
		threadItems = append(threadItems, sc.item(ev, models.SourceThread))
	}
	literalItems := make([]models.ContextItem, 0, len(lit.events))
	for _, ev := range lit.events {
		literalItems = append(literalItems, sc.item(ev, models.SourceLiteral))
	}
	// Semantic items were ranked before the thread was known; refresh their
	// endpoint affinity without reordering.
	for _, list := range [][]models.ContextItem{sem.semantic, sem.global} {
		for i := range list {
			list[i].Relevance = sc.relevance(&list[i].Event)
		}
	}

	bundle := models.ContextBundle{
		Tiers: map[string]models.TierStatus{
			models.TierBuffer: thread.t1,
			models.TierStore:  mergeStatus(thread.t2, lit.t2),
			models.TierVector: sem.t3,
		},
	}
	if literal {
		bundle.Identifier = identifier
	}
	assemble(&bundle, threadItems, literalItems, sem.semantic, sem.global, r.cfg.MaxTokens)

	r.logger.Debug("context retrieved",
		zap.String("session_id", req.SessionID),
		zap.String("intent", string(req.Intent)),
		zap.Bool("literal", literal),
		zap.Int("thread", len(bundle.Thread)),
		zap.Int("semantic", len(bundle.Semantic)),
		zap.Int("global", len(bundle.Global)),
		zap.Int("literal_hits", len(bundle.Literal)),
		zap.Int("tokens", bundle.TokensUsed),
		zap.Int("elided", bundle.Elided))

	r.storeCached(ctx, sid, key, bundle)
	return bundle
}

// thread reads the session's recent events from T1, falling back to the
// document store when T1 is empty, disabled or failing.
func (r *Retriever) thread(ctx context.Context, sid string, now time.Time) threadResult {
	res := threadResult{t1: models.TierSkipped, t2: models.TierSkipped}
	if sid == "" || r.cfg.ThreadLimit <= 0 {
		return res
	}

	if r.buffer != nil {
		callCtx, cancel := withTimeout(ctx, r.cfg.BufferTimeout)
		events, err := r.buffer.Recent(callCtx, sid, r.cfg.ThreadLimit)
		cancel()
		if err != nil {
			res.t1 = models.TierFailed
			r.tierFailed(models.TierBuffer, "recent", err)
		} else {
			res.t1 = models.TierOK
			res.events = sessionOnly(events, sid)
		}
	}
	if len(res.events) > 0 {
		return res
	}

	f := db.Filter{
		SessionID:        sid,
		DocumentClass:    models.ClassCognitive,
		Order:            models.OrderDesc,
		Limit:            r.cfg.ThreadLimit,
		ExcludeSynthetic: true,
	}
	if r.cfg.MaxContextAge > 0 {
		since := now.Add(-r.cfg.MaxContextAge)
		f.Since = &since
	}
	callCtx, cancel := withTimeout(ctx, r.cfg.StoreTimeout)
	events, err := r.docs.QueryFilter(callCtx, f)
	cancel()
	if err != nil {
		res.t2 = models.TierFailed
		r.tierFailed(models.TierStore, "thread", err)
		return res
	}
	res.t2 = models.TierOK

	// The store returns newest first; the thread is kept oldest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	res.events = events
	return res
}

// literal looks the identifier up in the document store, widening from the
// session to the agent to every event until something matches.
func (r *Retriever) literal(ctx context.Context, identifier, sid, aid string) literalResult {
	res := literalResult{t2: models.TierSkipped}
	limit := r.cfg.SemanticK
	if limit <= 0 {
		limit = models.DefaultQueryLimit
	}

	var scopes []db.Filter
	if sid != "" {
		scopes = append(scopes, db.Filter{SessionID: sid})
	}
	if aid != "" {
		scopes = append(scopes, db.Filter{AgentID: aid})
	}
	scopes = append(scopes, db.Filter{})

	for _, f := range scopes {
		f.Contains = identifier
		f.Order = models.OrderDesc
		f.Limit = limit
		f.ExcludeSynthetic = true

		callCtx, cancel := withTimeout(ctx, r.cfg.StoreTimeout)
		events, err := r.docs.QueryFilter(callCtx, f)
		cancel()
		if err != nil {
			res.t2 = models.TierFailed
			r.tierFailed(models.TierStore, "literal", err)
			return res
		}
		res.t2 = models.TierOK
		if len(events) > 0 {
			res.events = events
			return res
		}
	}
	return res
}

// semantic searches T3 within the session and, when that yields fewer hits
// than the floor, across every session.
func (r *Retriever) semantic(ctx context.Context, req Request, sid string, now time.Time) semanticResult {
	res := semanticResult{t3: models.TierSkipped}
	if r.vectors == nil || r.cfg.SemanticK <= 0 {
		return res
	}
	if req.LowConfidence && !r.cfg.SemanticForLowConfidence {
		return res
	}

	callCtx, cancel := withTimeout(ctx, r.cfg.VectorTimeout)
	defer cancel()

	vec, err := r.vectors.EmbedQuery(callCtx, req.Utterance)
	if err != nil {
		res.t3 = models.TierFailed
		r.tierFailed(models.TierVector, "embed", err)
		return res
	}

	// Over-fetch so recency can promote hits ranked just below the cut.
	pool := r.cfg.SemanticK * 2
	sc := newScorer(now, req.Endpoint, req.Utterance)

	hits, err := r.vectors.SearchVector(callCtx, vec, pool, db.VectorFilter{SessionID: sid})
	if err != nil {
		res.t3 = models.TierFailed
		r.tierFailed(models.TierVector, "search", err)
		return res
	}
	res.t3 = models.TierOK
	res.semantic = sc.rank(hits, models.SourceSemantic, r.cfg.SemanticK)

	if sid == "" || len(res.semantic) >= r.cfg.GlobalFloor {
		return res
	}

	hits, err = r.vectors.SearchVector(callCtx, vec, pool, db.VectorFilter{})
	if err != nil {
		res.t3 = models.TierFailed
		r.tierFailed(models.TierVector, "global_search", err)
		return res
	}
	inSession := make(map[string]struct{}, len(res.semantic))
	for _, it := range res.semantic {
		inSession[it.Event.ID] = struct{}{}
	}
	others := hits[:0]
	for _, h := range hits {
		if _, ok := inSession[h.Event.ID]; !ok {
			others = append(others, h)
		}
	}
	res.global = sc.rank(others, models.SourceGlobal, r.cfg.SemanticK)
	return res
}

func (r *Retriever) loadCached(ctx context.Context, sid, key string) *models.ContextBundle {
	if sid == "" || r.buffer == nil {
		return nil
	}
	callCtx, cancel := withTimeout(ctx, r.cfg.BufferTimeout)
	defer cancel()
	bundle, err := r.buffer.LoadContext(callCtx, sid, key)
	if err != nil {
		r.logger.Debug("context cache read failed", zap.String("session_id", sid), zap.Error(err))
		return nil
	}
	if bundle != nil {
		bundle.FromCache = true
	}
	return bundle
}

// storeCached keeps only bundles built with every consulted tier healthy.
func (r *Retriever) storeCached(ctx context.Context, sid, key string, bundle models.ContextBundle) {
	if sid == "" || r.buffer == nil {
		return
	}
	for _, st := range bundle.Tiers {
		if st == models.TierFailed {
			return
		}
	}
	callCtx, cancel := withTimeout(ctx, r.cfg.BufferTimeout)
	defer cancel()
	if err := r.buffer.StoreContext(callCtx, sid, key, bundle); err != nil {
		r.logger.Debug("context cache write failed", zap.String("session_id", sid), zap.Error(err))
	}
}

func (r *Retriever) tierFailed(tier, op string, err error) {
	r.metrics.IncTierFailure(tier, op)
	r.logger.Warn("tier degraded during retrieval",
		zap.String("tier", tier),
		zap.String("op", op),
		zap.Error(err))
}

// sessionOnly keeps the events of sid that are visible to retrieval.
func sessionOnly(events []models.Event, sid string) []models.Event {
	out := events[:0]
	for _, ev := range events {
		if ev.SessionID != sid || ev.IsSynthetic {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// mergeStatus combines the outcomes of two uses of one tier: any failure
// wins, then any success.
func mergeStatus(a, b models.TierStatus) models.TierStatus {
	switch {
	case a == models.TierFailed || b == models.TierFailed:
		return models.TierFailed
	case a == models.TierOK || b == models.TierOK:
		return models.TierOK
	default:
		return models.TierSkipped
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
