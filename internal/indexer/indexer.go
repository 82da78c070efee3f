// Package indexer feeds eligible events into the vector index in the
// background. The queue is bounded; when full the oldest pending event is
// dropped and counted, and maintenance re-enqueues it later.
package indexer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/metrics"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("indexing queue closed")

// Target is where events are indexed.
type Target interface {
	Index(ctx context.Context, ev *models.Event) error
	Eligible(ev *models.Event) bool
}

// Config sizes the queue and its workers.
type Config struct {
	QueueSize     int
	Workers       int
	RatePerSecond float64
	// Timeout bounds each Index call.
	Timeout time.Duration
	// OnIndexed, when set, runs after each successful Index call.
	OnIndexed func(ev models.Event)
}

// Indexer is a bounded FIFO drained by rate-limited workers.
type Indexer struct {
	target  Target
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	pending  []models.Event
	inflight int
	closed   bool
	notify   chan struct{}
	done     chan struct{}

	dropped atomic.Uint64
	indexed atomic.Uint64
	failed  atomic.Uint64

	wg sync.WaitGroup
}

// New creates an indexer. Call Start to launch the workers.
func New(target Target, cfg Config, logger *zap.Logger, m *metrics.Collector) *Indexer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Indexer{
		target:  target,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Workers),
		logger:  logging.OrNop(logger).With(zap.String("component", "indexer")),
		metrics: m,
		pending: make([]models.Event, 0, cfg.QueueSize),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the workers. They stop when ctx is cancelled or after Close
// has drained the queue.
func (ix *Indexer) Start(ctx context.Context) {
	for i := 0; i < ix.cfg.Workers; i++ {
		ix.wg.Add(1)
		go ix.worker(ctx, i)
	}
	ix.logger.Info("indexer started",
		zap.Int("workers", ix.cfg.Workers),
		zap.Int("queue_size", ix.cfg.QueueSize))
}

// Enqueue schedules ev for indexing. Ineligible events are refused with
// false. A full queue drops its oldest entry to make room.
func (ix *Indexer) Enqueue(ev models.Event) (bool, error) {
	if !ix.target.Eligible(&ev) {
		return false, nil
	}

	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return false, ErrQueueClosed
	}
	if len(ix.pending) >= ix.cfg.QueueSize {
		oldest := ix.pending[0]
		ix.pending = append(ix.pending[:0], ix.pending[1:]...)
		ix.dropped.Add(1)
		ix.metrics.IncIndexDropped()
		ix.logger.Warn("indexing queue full, dropped oldest event",
			zap.String("event_id", oldest.ID),
			zap.String("session_id", oldest.SessionID))
	}
	ix.pending = append(ix.pending, ev)
	ix.mu.Unlock()

	select {
	case ix.notify <- struct{}{}:
	default:
	}
	return true, nil
}

func (ix *Indexer) pop() (models.Event, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.pending) == 0 {
		return models.Event{}, false
	}
	ev := ix.pending[0]
	ix.pending[0] = models.Event{}
	ix.pending = ix.pending[1:]
	ix.inflight++
	return ev, true
}

func (ix *Indexer) finish() {
	ix.mu.Lock()
	ix.inflight--
	ix.mu.Unlock()
}

func (ix *Indexer) worker(ctx context.Context, id int) {
	defer ix.wg.Done()
	for {
		ev, ok := ix.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-ix.done:
				if ix.Depth() == 0 {
					return
				}
			case <-ix.notify:
			}
			continue
		}

		// Wake an idle peer while work remains.
		if ix.Depth() > 0 {
			select {
			case ix.notify <- struct{}{}:
			default:
			}
		}
		ix.process(ctx, id, ev)
		ix.finish()
	}
}

func (ix *Indexer) process(ctx context.Context, worker int, ev models.Event) {
	if err := ix.limiter.Wait(ctx); err != nil {
		ix.dropped.Add(1)
		ix.metrics.IncIndexDropped()
		ix.logger.Warn("indexing abandoned, event left for reindexing",
			zap.Int("worker", worker),
			zap.String("event_id", ev.ID),
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
		return
	}

	callCtx := ctx
	if ix.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ix.cfg.Timeout)
		defer cancel()
	}

	if err := ix.target.Index(callCtx, &ev); err != nil {
		ix.failed.Add(1)
		ix.metrics.IncIndexed("failed")
		ix.metrics.IncTierFailure(models.TierVector, "index")
		ix.logger.Warn("indexing failed",
			zap.Int("worker", worker),
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return
	}
	ix.indexed.Add(1)
	ix.metrics.IncIndexed("ok")
	ix.logger.Debug("event indexed", zap.String("event_id", ev.ID))
	if ix.cfg.OnIndexed != nil {
		ix.cfg.OnIndexed(ev)
	}
}

// Flush blocks until the queue is empty and no event is in flight, or ctx
// is done.
func (ix *Indexer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		ix.mu.Lock()
		idle := len(ix.pending) == 0 && ix.inflight == 0
		ix.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting events and waits for the workers to drain the queue
// or for ctx to expire.
func (ix *Indexer) Close(ctx context.Context) error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return nil
	}
	ix.closed = true
	ix.mu.Unlock()
	close(ix.done)

	finished := make(chan struct{})
	go func() {
		ix.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth is the number of events waiting.
func (ix *Indexer) Depth() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.pending)
}

// Stats is a snapshot of indexer counters.
type Stats struct {
	Depth   int    `json:"depth"`
	Dropped uint64 `json:"dropped"`
	Indexed uint64 `json:"indexed"`
	Failed  uint64 `json:"failed"`
}

// Stats returns the current counters.
func (ix *Indexer) Stats() Stats {
	return Stats{
		Depth:   ix.Depth(),
		Dropped: ix.dropped.Load(),
		Indexed: ix.indexed.Load(),
		Failed:  ix.failed.Load(),
	}
}
