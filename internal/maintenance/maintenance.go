// Package maintenance runs the background clean-up of the memory tiers:
// noise deletion, synthetic purge and re-enqueueing of events the vector
// index is missing.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/db"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/metrics"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// Documents is the document store maintenance surface.
type Documents interface {
	DeleteNoise(ctx context.Context, minChars int) ([]string, error)
	PurgeSynthetic(ctx context.Context, before time.Time) ([]string, error)
	QueryFilter(ctx context.Context, f db.Filter) ([]models.Event, error)
}

// Vectors is the vector index maintenance surface.
type Vectors interface {
	Delete(ctx context.Context, ids ...string) error
	MissingIDs(ctx context.Context, ids []string) ([]string, error)
}

// Queue re-schedules events for indexing.
type Queue interface {
	Enqueue(ev models.Event) (bool, error)
}

// Config controls what a run touches.
type Config struct {
	Schedule           string
	NoiseMinChars      int
	SyntheticRetention time.Duration
	ReindexWindow      time.Duration
	ReindexBatch       int
}

// Report summarises one run.
type Report struct {
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	NoiseDeleted    int       `json:"noise_deleted"`
	SyntheticPurged int       `json:"synthetic_purged"`
	VectorsDeleted  int       `json:"vectors_deleted"`
	Reindexed       int       `json:"reindexed"`
	Errors          []string  `json:"errors,omitempty"`
}

// Runner executes maintenance once or on a cron schedule. Runs never
// overlap.
type Runner struct {
	docs    Documents
	vectors Vectors
	queue   Queue
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector

	runMu sync.Mutex

	mu   sync.Mutex
	last *Report
	cron *cron.Cron
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the clock used for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a runner. vectors and queue may be nil when there is no
// vector tier.
func New(docs Documents, vectors Vectors, queue Queue, cfg Config, logger *zap.Logger, m *metrics.Collector, opts ...Option) *Runner {
	r := &Runner{
		docs:    docs,
		vectors: vectors,
		queue:   queue,
		cfg:     cfg,
		now:     time.Now,
		logger:  logging.OrNop(logger).With(zap.String("component", "maintenance")),
		metrics: m,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one maintenance pass. Every step runs even when an earlier
// one fails; the returned error joins all failures.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	now := r.now().UTC()
	report := Report{StartedAt: now}
	var errs []error
	fail := func(step string, err error) {
		err = fmt.Errorf("%s: %w", step, err)
		errs = append(errs, err)
		report.Errors = append(report.Errors, err.Error())
		r.logger.Warn("maintenance step failed", zap.String("step", step), zap.Error(err))
	}

	if r.cfg.NoiseMinChars > 0 {
		ids, err := r.docs.DeleteNoise(ctx, r.cfg.NoiseMinChars)
		if err != nil {
			fail("delete_noise", err)
		}
		report.NoiseDeleted = len(ids)
		report.VectorsDeleted += r.dropVectors(ctx, ids, fail)
	}

	ids, err := r.docs.PurgeSynthetic(ctx, now.Add(-r.cfg.SyntheticRetention))
	if err != nil {
		fail("purge_synthetic", err)
	}
	report.SyntheticPurged = len(ids)
	report.VectorsDeleted += r.dropVectors(ctx, ids, fail)

	if r.vectors != nil && r.queue != nil && r.cfg.ReindexWindow > 0 {
		n, err := r.reindex(ctx, now)
		if err != nil {
			fail("reindex", err)
		}
		report.Reindexed = n
	}

	report.FinishedAt = r.now().UTC()
	r.mu.Lock()
	r.last = &report
	r.mu.Unlock()

	status := "ok"
	if len(errs) > 0 {
		status = "failed"
	}
	r.metrics.IncMaintenance(status)
	r.logger.Info("maintenance finished",
		zap.Int("noise_deleted", report.NoiseDeleted),
		zap.Int("synthetic_purged", report.SyntheticPurged),
		zap.Int("vectors_deleted", report.VectorsDeleted),
		zap.Int("reindexed", report.Reindexed),
		zap.Int("errors", len(errs)))
	return report, errors.Join(errs...)
}

// dropVectors removes deleted events from the vector tier so it stays a
// subset of the document store.
func (r *Runner) dropVectors(ctx context.Context, ids []string, fail func(string, error)) int {
	if r.vectors == nil || len(ids) == 0 {
		return 0
	}
	if err := r.vectors.Delete(ctx, ids...); err != nil {
		fail("delete_vectors", err)
		return 0
	}
	return len(ids)
}

// reindex re-enqueues recent cognitive events the vector tier does not hold,
// such as those dropped from a full indexing queue.
func (r *Runner) reindex(ctx context.Context, now time.Time) (int, error) {
	since := now.Add(-r.cfg.ReindexWindow)
	limit := r.cfg.ReindexBatch
	if limit <= 0 {
		limit = 500
	}
	events, err := r.docs.QueryFilter(ctx, db.Filter{
		DocumentClass:    models.ClassCognitive,
		Since:            &since,
		Order:            models.OrderDesc,
		Limit:            limit,
		ExcludeSynthetic: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list recent events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	missing, err := r.vectors.MissingIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to diff vector index: %w", err)
	}
	want := make(map[string]struct{}, len(missing))
	for _, id := range missing {
		want[id] = struct{}{}
	}

	n := 0
	for _, ev := range events {
		if _, ok := want[ev.ID]; !ok {
			continue
		}
		ok, err := r.queue.Enqueue(ev)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

// ValidateSchedule checks a cron spec; descriptors such as "@every 30m" are
// accepted.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	return nil
}

// Start schedules Run on cfg.Schedule. An empty schedule disables it.
func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Schedule == "" {
		return nil
	}
	if err := ValidateSchedule(r.cfg.Schedule); err != nil {
		return err
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		_, _ = r.Run(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	c.Start()

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	r.logger.Info("maintenance scheduled", zap.String("schedule", r.cfg.Schedule))
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish or ctx
// to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
