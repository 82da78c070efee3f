// Package memory owns the lifecycle of every component: it builds the tiers,
// classifier, router, retriever, enricher, persistor, indexing queue and
// maintenance runner once from configuration and exposes the operations the
// transports call.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/buffer"
	"github.com/oscillatelabsllc/recall/internal/config"
	"github.com/oscillatelabsllc/recall/internal/db"
	"github.com/oscillatelabsllc/recall/internal/embedding"
	"github.com/oscillatelabsllc/recall/internal/enrich"
	"github.com/oscillatelabsllc/recall/internal/indexer"
	"github.com/oscillatelabsllc/recall/internal/intent"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/maintenance"
	"github.com/oscillatelabsllc/recall/internal/metrics"
	"github.com/oscillatelabsllc/recall/internal/models"
	"github.com/oscillatelabsllc/recall/internal/persist"
	"github.com/oscillatelabsllc/recall/internal/retrieval"
	"github.com/oscillatelabsllc/recall/internal/retry"
	"github.com/oscillatelabsllc/recall/internal/router"
)

// DefaultVectorPath is used for the vector index when the document store is
// not DuckDB and no vector path is configured.
const DefaultVectorPath = "recall_vectors.duckdb"

// Service is the memory and enrichment core.
type Service struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	embedder embedding.Embedder
	buffer   buffer.Buffer
	store    db.DocumentStore
	vectors  *db.VectorIndex
	queue    *indexer.Indexer

	classifier *intent.Classifier
	router     *router.Router
	retriever  *retrieval.Retriever
	enricher   *enrich.Enricher
	persistor  *persist.Persistor
	maint      *maintenance.Runner

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Service.
type Option func(*options)

type options struct {
	metrics  *metrics.Collector
	embedder embedding.Embedder
}

// WithMetrics uses m instead of a fresh collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithEmbedder overrides the embedder selected by configuration.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// New builds the service and starts the indexing workers. The maintenance
// schedule is started separately with StartSchedule.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewCollector("recall")
	}

	s := &Service{
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		metrics: o.metrics,
	}
	if err := s.build(ctx, o); err != nil {
		s.closeTiers()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, o options) error {
	cfg := s.cfg
	reserved := models.NewReserved(cfg.Memory.ReservedSessions)

	s.embedder = o.embedder
	if s.embedder == nil {
		e, err := embedding.New(cfg.Embedding, cfg.Vector.Dimensions, cfg.Timeouts.Embedding)
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
		s.embedder = e
	}

	buf, err := buffer.New(cfg.Buffer, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create buffer: %w", err)
	}
	s.buffer = buf

	if err := s.openStores(reserved); err != nil {
		return err
	}

	s.queue = indexer.New(s.vectors, indexer.Config{
		QueueSize:     cfg.Indexer.QueueSize,
		Workers:       cfg.Indexer.Workers,
		RatePerSecond: cfg.Indexer.RatePerSecond,
		Timeout:       cfg.Timeouts.Embedding + cfg.Timeouts.Vector,
		OnIndexed: func(ev models.Event) {
			s.invalidateContext(reserved.Scoped(ev.SessionID))
		},
	}, s.logger, s.metrics)
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.queue.Start(runCtx)

	s.classifier = intent.New(s.embedder, intent.DefaultTaxonomy(), intent.Config{
		SimilarityLow:  cfg.Intent.SimilarityLow,
		SimilarityHigh: cfg.Intent.SimilarityHigh,
		MaxChars:       cfg.Memory.MaxTextBytes,
		Timeout:        cfg.Timeouts.Embedding,
	}, s.logger, s.metrics)
	warmCtx, done := context.WithTimeout(ctx, cfg.Timeouts.Embedding)
	if err := s.classifier.Warm(warmCtx); err != nil {
		// Labels that failed are embedded lazily on first use.
		s.logger.Warn("classifier warm-up failed", zap.Error(err))
	}
	done()

	profiles := router.DefaultProfiles()
	for key, p := range cfg.Router.Profiles {
		profiles[key] = p
	}
	registry, err := router.NewRegistry(profiles)
	if err != nil {
		return fmt.Errorf("failed to build agent registry: %w", err)
	}
	s.router = router.New(registry, cfg.Router.RoutingLogCapacity, s.logger)

	s.retriever = retrieval.New(s.buffer, s.store, s.vectors, retrieval.Config{
		ThreadLimit:              cfg.Retrieval.ThreadLimit,
		SemanticK:                cfg.Retrieval.SemanticK,
		GlobalFloor:              cfg.Retrieval.GlobalFloor,
		MaxTokens:                cfg.Retrieval.MaxTokensEstimate,
		MaxContextAge:            cfg.Retrieval.MaxContextAge(),
		SemanticForLowConfidence: cfg.Retrieval.SemanticForLowConfidence,
		BufferTimeout:            cfg.Timeouts.Buffer,
		StoreTimeout:             cfg.Timeouts.Store,
		VectorTimeout:            cfg.Timeouts.Vector,
		Reserved:                 reserved,
	}, s.logger, retrieval.WithMetrics(s.metrics))

	s.enricher = enrich.New(s.classifier, s.router, s.retriever, enrich.Config{
		MinUtteranceChars: cfg.Enrich.MinUtteranceChars,
		SimilarityLow:     cfg.Intent.SimilarityLow,
	}, s.logger, s.metrics)

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Store.WriteAttempts
	policy.InitialDelay = cfg.Store.RetryDelay
	s.persistor = persist.New(s.store, s.buffer, s.queue, persist.Config{
		MaxTextBytes:  cfg.Memory.MaxTextBytes,
		StoreTimeout:  cfg.Timeouts.Store,
		BufferTimeout: cfg.Timeouts.Buffer,
		ThreadSize:    cfg.Buffer.ThreadBufferSize,
		Reserved:      reserved,
		Retry:         policy,
	}, s.logger, s.metrics)

	s.maint = maintenance.New(s.store, s.vectors, s.queue, maintenance.Config{
		Schedule:           cfg.Maintenance.Schedule,
		NoiseMinChars:      cfg.Maintenance.NoiseMinChars,
		SyntheticRetention: cfg.Maintenance.SyntheticRetention,
		ReindexWindow:      cfg.Maintenance.ReindexWindow,
		ReindexBatch:       cfg.Maintenance.ReindexBatch,
	}, s.logger, s.metrics)

	s.logger.Info("memory service ready",
		zap.String("buffer", s.buffer.Name()),
		zap.String("store", s.store.Name()),
		zap.String("embedder", s.embedder.Name()),
		zap.Int("dimensions", cfg.Vector.Dimensions))
	return nil
}

// openStores opens T2 and T3. With DuckDB the vector table shares the
// document file unless a separate path is configured.
func (s *Service) openStores(reserved models.Reserved) error {
	cfg := s.cfg
	vectorOpts := []db.VectorOption{
		db.WithMinChars(cfg.Indexer.IndexEligibilityMinChars),
		db.WithHNSW(cfg.Vector.HNSW),
		db.WithVectorReserved(reserved),
		db.WithVectorLogger(s.logger.With(zap.String("component", "store.vectors"))),
	}

	switch strings.ToLower(cfg.Store.Backend) {
	case "mongo":
		store, err := db.NewMongoStore(cfg.Store.MongoURI, cfg.Store.MongoDatabase, reserved, s.logger)
		if err != nil {
			return fmt.Errorf("failed to open document store: %w", err)
		}
		s.store = store

		path := cfg.Vector.DuckDBPath
		if path == "" {
			path = DefaultVectorPath
		}
		vectors, err := db.OpenVectorIndex(path, s.embedder, cfg.Vector.Dimensions, vectorOpts...)
		if err != nil {
			return err
		}
		s.vectors = vectors
	default:
		store, err := db.NewStore(cfg.Store.DuckDBPath,
			db.WithReserved(reserved),
			db.WithLogger(s.logger.With(zap.String("component", "store.duckdb"))))
		if err != nil {
			return fmt.Errorf("failed to open document store: %w", err)
		}
		s.store = store

		var vectors *db.VectorIndex
		if path := cfg.Vector.DuckDBPath; path != "" && path != cfg.Store.DuckDBPath {
			vectors, err = db.OpenVectorIndex(path, s.embedder, cfg.Vector.Dimensions, vectorOpts...)
		} else {
			vectors, err = db.NewVectorIndex(store.DB(), s.embedder, cfg.Vector.Dimensions, vectorOpts...)
		}
		if err != nil {
			return err
		}
		s.vectors = vectors
	}
	return nil
}

// EnrichBeforeResponse builds the prompt for an utterance. It never fails;
// on internal errors the raw utterance comes back.
func (s *Service) EnrichBeforeResponse(ctx context.Context, req enrich.Request) models.EnrichedPrompt {
	return s.enricher.Enrich(ctx, req)
}

// RecordTurn persists a completed turn. Only malformed input is an error;
// tier outcomes are reported in the receipt.
func (s *Service) RecordTurn(ctx context.Context, turn models.Turn) (models.TurnReceipt, error) {
	return s.persistor.RecordTurn(ctx, turn)
}

// LookupMemory queries the document store.
func (s *Service) LookupMemory(ctx context.Context, spec models.FilterSpec) ([]models.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Store)
	defer cancel()
	return s.store.Query(ctx, spec)
}

// GetEvent returns one stored event, or an error wrapping db.ErrNotFound.
func (s *Service) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Store)
	defer cancel()
	return s.store.Get(ctx, id)
}

// RoutingLog returns the most recent routing decisions, oldest first.
func (s *Service) RoutingLog() []models.RoutingDecision {
	return s.router.Decisions()
}

// Maintain runs one maintenance pass.
func (s *Service) Maintain(ctx context.Context) (maintenance.Report, error) {
	return s.maint.Run(ctx)
}

// StartSchedule runs maintenance on the configured cron schedule until
// Close.
func (s *Service) StartSchedule(ctx context.Context) error {
	return s.maint.Start(ctx)
}

// Flush waits for the indexing queue to drain.
func (s *Service) Flush(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// Metrics returns the service's collector.
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// Status describes the running service.
type Status struct {
	Buffer          string              `json:"buffer"`
	Store           string              `json:"store"`
	Embedder        string              `json:"embedder"`
	Dimensions      int                 `json:"dimensions"`
	Events          int                 `json:"events"`
	Vectors         int                 `json:"vectors"`
	Queue           indexer.Stats       `json:"queue"`
	Intents         []models.Intent     `json:"intents"`
	RoutingLogSize  int                 `json:"routing_log_size"`
	LastMaintenance *maintenance.Report `json:"last_maintenance,omitempty"`
	Errors          []string            `json:"errors,omitempty"`
}

// Status reports backends, counts and queue statistics. Count failures are
// listed in Errors rather than failing the call.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Buffer:          s.buffer.Name(),
		Store:           s.store.Name(),
		Embedder:        s.embedder.Name(),
		Dimensions:      s.vectors.Dimensions(),
		Queue:           s.queue.Stats(),
		Intents:         s.classifier.Labels(),
		RoutingLogSize:  len(s.router.Decisions()),
		LastMaintenance: s.maint.Last(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Store)
	defer cancel()
	n, err := s.store.Count(ctx)
	if err != nil {
		st.Errors = append(st.Errors, err.Error())
	}
	st.Events = n
	n, err = s.vectors.Count(ctx)
	if err != nil {
		st.Errors = append(st.Errors, err.Error())
	}
	st.Vectors = n
	return st
}

// Ready pings the document store and, when enabled, the buffer.
func (s *Service) Ready(ctx context.Context) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Store)
	defer cancel()
	if err := s.store.Ping(storeCtx); err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	bufCtx, cancelBuf := context.WithTimeout(ctx, s.cfg.Timeouts.Buffer)
	defer cancelBuf()
	if err := s.buffer.Ping(bufCtx); err != nil {
		return fmt.Errorf("buffer: %w", err)
	}
	return nil
}

// Close stops the schedule, drains the indexing queue within ctx and closes
// every tier. It is safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.maint.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop maintenance: %w", err))
		}
		if err := s.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain indexing queue: %w", err))
		}
		if err := s.closeTiers(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("memory service stopped")
	})
	return s.closeErr
}

func (s *Service) closeTiers() error {
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.vectors != nil {
		if err := s.vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close vector index: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close document store: %w", err))
		}
	}
	if s.buffer != nil {
		if err := s.buffer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close buffer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// shutdownTimeout bounds Close when callers have no deadline of their own.
const shutdownTimeout = 10 * time.Second

// Shutdown closes the service with a default deadline.
func (s *Service) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Close(ctx)
}

// invalidateContext drops a session's cached bundle once new vectors are
// searchable, so the next enrichment sees them.
func (s *Service) invalidateContext(sid string) {
	if sid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Buffer)
	defer cancel()
	if err := s.buffer.InvalidateContext(ctx, sid); err != nil {
		s.logger.Debug("context cache invalidation failed", zap.String("session_id", sid), zap.Error(err))
	}
}
