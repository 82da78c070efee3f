// Package intent classifies user utterances against a closed taxonomy of
// labelled exemplars using embedding similarity.
package intent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oscillatelabsllc/recall/internal/embedding"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/metrics"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// Confidence reported for the degenerate paths.
const (
	EmptyConfidence    = 0.5
	FallbackConfidence = 0.1
)

// Config holds classifier thresholds and bounds.
type Config struct {
	SimilarityLow  float64
	SimilarityHigh float64
	// MaxChars truncates utterances before embedding.
	MaxChars int
	Timeout  time.Duration
}

// Classifier maps utterances to intents. Exemplar embeddings are computed
// once per label and cached until that label's exemplars change.
type Classifier struct {
	embedder embedding.Embedder
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu        sync.RWMutex
	exemplars map[models.Intent][]string
	vectors   map[models.Intent][][]float32
	labels    []models.Intent

	group singleflight.Group
}

// New creates a classifier over taxonomy. It does not embed anything yet;
// call Warm at startup.
func New(embedder embedding.Embedder, taxonomy Taxonomy, cfg Config, logger *zap.Logger, m *metrics.Collector) *Classifier {
	c := &Classifier{
		embedder:  embedder,
		cfg:       cfg,
		logger:    logging.OrNop(logger).With(zap.String("component", "intent")),
		metrics:   m,
		exemplars: make(map[models.Intent][]string, len(taxonomy)),
		vectors:   make(map[models.Intent][][]float32, len(taxonomy)),
	}
	for label, texts := range taxonomy {
		c.exemplars[label] = append([]string(nil), texts...)
	}
	c.sortLabels()
	return c
}

func (c *Classifier) sortLabels() {
	labels := make([]models.Intent, 0, len(c.exemplars))
	for label := range c.exemplars {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	c.labels = labels
}

// Warm embeds every label's exemplars. Failure leaves the cache partially
// filled; missing labels are embedded lazily on the next Classify.
func (c *Classifier) Warm(ctx context.Context) error {
	c.mu.RLock()
	labels := append([]models.Intent(nil), c.labels...)
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, label := range labels {
		g.Go(func() error {
			_, err := c.labelVectors(gctx, label)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("exemplar warm-up incomplete", zap.Error(err))
		return err
	}
	c.logger.Info("exemplar embeddings cached", zap.Int("labels", len(labels)))
	return nil
}

// AddExemplars extends a label (creating it when new) and recomputes that
// label's embeddings. Other labels keep their cache.
func (c *Classifier) AddExemplars(ctx context.Context, label models.Intent, texts ...string) error {
	c.mu.Lock()
	c.exemplars[label] = append(c.exemplars[label], texts...)
	delete(c.vectors, label)
	c.sortLabels()
	c.mu.Unlock()

	c.group.Forget(string(label))
	_, err := c.labelVectors(ctx, label)
	return err
}

// Labels returns the current taxonomy labels in sorted order.
func (c *Classifier) Labels() []models.Intent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Intent(nil), c.labels...)
}

func (c *Classifier) labelVectors(ctx context.Context, label models.Intent) ([][]float32, error) {
	c.mu.RLock()
	cached, ok := c.vectors[label]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(string(label), func() (interface{}, error) {
		c.mu.RLock()
		texts := append([]string(nil), c.exemplars[label]...)
		c.mu.RUnlock()

		vecs := make([][]float32, 0, len(texts))
		for _, text := range texts {
			vec, err := c.embed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("failed to embed exemplar for %s: %w", label, err)
			}
			vecs = append(vecs, vec)
		}

		c.mu.Lock()
		c.vectors[label] = vecs
		c.mu.Unlock()
		return vecs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([][]float32), nil
}

func (c *Classifier) embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedder == nil {
		return nil, embedding.ErrUnavailable
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	return c.embedder.Embed(ctx, text)
}

// Classify returns the best label for utterance. It never fails: backend
// problems degrade to general_chat with method "fallback".
func (c *Classifier) Classify(ctx context.Context, utterance string) models.Classification {
	result := c.classify(ctx, utterance)
	c.metrics.IncClassify(result.Method, string(result.Intent))
	return result
}

func (c *Classifier) classify(ctx context.Context, utterance string) models.Classification {
	text := strings.TrimSpace(utterance)
	if text == "" {
		return models.Classification{
			Intent:     models.IntentGeneralChat,
			Confidence: EmptyConfidence,
			Method:     models.MethodEmpty,
		}
	}
	if c.cfg.MaxChars > 0 {
		if runes := []rune(text); len(runes) > c.cfg.MaxChars {
			text = string(runes[:c.cfg.MaxChars])
		}
	}

	query, err := c.embed(ctx, text)
	if err != nil {
		c.logger.Warn("utterance embedding failed, using fallback classifier", zap.Error(err))
		return fallback()
	}

	bestLabel := models.IntentGeneralChat
	best := -1.0
	for _, label := range c.Labels() {
		vecs, err := c.labelVectors(ctx, label)
		if err != nil {
			c.logger.Warn("exemplar embeddings unavailable", zap.String("label", string(label)), zap.Error(err))
			return fallback()
		}
		for _, v := range vecs {
			// Strictly greater keeps the first label in sorted order on ties.
			if sim := embedding.Cosine(query, v); sim > best {
				best, bestLabel = sim, label
			}
		}
	}

	return decide(bestLabel, best, c.cfg.SimilarityLow, c.cfg.SimilarityHigh)
}

// decide applies the threshold bands: below low falls back to general_chat,
// [low, high) keeps the label but asks for grounding, high and above is a
// confident hit.
func decide(label models.Intent, similarity, low, high float64) models.Classification {
	confidence := clamp01(similarity)
	if similarity < low {
		return models.Classification{
			Intent:     models.IntentGeneralChat,
			Confidence: confidence,
			Method:     models.MethodEmbedding,
		}
	}
	return models.Classification{
		Intent:                 label,
		Confidence:             confidence,
		Method:                 models.MethodEmbedding,
		NeedsExternalGrounding: similarity < high,
	}
}

func fallback() models.Classification {
	return models.Classification{
		Intent:     models.IntentGeneralChat,
		Confidence: FallbackConfidence,
		Method:     models.MethodFallback,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
