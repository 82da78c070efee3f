// Package enrich builds the prompt handed to the downstream model: it
// classifies the utterance, routes it, gathers prior context and prepends
// that context as a structured block. It never calls the model.
package enrich

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/metrics"
	"github.com/oscillatelabsllc/recall/internal/models"
	"github.com/oscillatelabsllc/recall/internal/retrieval"
)

// Classifier labels an utterance.
type Classifier interface {
	Classify(ctx context.Context, utterance string) models.Classification
}

// Router picks an agent profile for a label.
type Router interface {
	Route(intent models.Intent, confidence float64, utterance, sessionID string) models.RoutingDecision
}

// Retriever gathers prior context.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) models.ContextBundle
}

// Config controls when enrichment happens.
type Config struct {
	// MinUtteranceChars is the shortest trimmed utterance that is enriched.
	MinUtteranceChars int
	// SimilarityLow is the classifier's low threshold; general_chat below it
	// is reported to the retriever as low confidence.
	SimilarityLow float64
}

// Request is one enrichment call.
type Request struct {
	Utterance string `json:"utterance"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// Enricher runs classification, routing and retrieval for an utterance.
type Enricher struct {
	classifier Classifier
	router     Router
	retriever  Retriever
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// New creates an enricher.
func New(classifier Classifier, router Router, retriever Retriever, cfg Config, logger *zap.Logger, m *metrics.Collector) *Enricher {
	return &Enricher{
		classifier: classifier,
		router:     router,
		retriever:  retriever,
		cfg:        cfg,
		logger:     logging.OrNop(logger).With(zap.String("component", "enricher")),
		metrics:    m,
	}
}

// Enrich returns the prompt for req. Short or blank utterances, and any
// internal panic, yield the raw utterance unchanged.
func (e *Enricher) Enrich(ctx context.Context, req Request) (out models.EnrichedPrompt) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("enrichment panicked, returning raw prompt",
				zap.Any("panic", r),
				zap.String("session_id", req.SessionID))
			out = raw(req.Utterance)
		}
		e.metrics.ObserveEnrich(string(out.RecommendedAction), time.Since(start).Seconds())
	}()

	if utf8.RuneCountInString(strings.TrimSpace(req.Utterance)) < e.cfg.MinUtteranceChars {
		return raw(req.Utterance)
	}

	cls := e.classifier.Classify(ctx, req.Utterance)
	decision := e.router.Route(cls.Intent, cls.Confidence, req.Utterance, req.SessionID)

	bundle := e.retriever.Retrieve(ctx, retrieval.Request{
		Utterance:     req.Utterance,
		SessionID:     req.SessionID,
		AgentID:       req.AgentID,
		Endpoint:      req.Endpoint,
		Intent:        cls.Intent,
		LowConfidence: cls.Intent == models.IntentGeneralChat && cls.Confidence < e.cfg.SimilarityLow,
	})

	out = models.EnrichedPrompt{
		Prompt:            compose(req.Utterance, &bundle),
		Enriched:          !bundle.Empty(),
		Classification:    &cls,
		Decision:          &decision,
		RecommendedAction: Recommend(cls, &bundle),
		Summary:           bundle.Summary(),
	}

	e.logger.Debug("prompt enriched",
		zap.String("session_id", req.SessionID),
		zap.String("intent", string(cls.Intent)),
		zap.String("profile", decision.SelectedProfile.Name),
		zap.String("action", string(out.RecommendedAction)),
		zap.Int("items", bundle.Len()))
	return out
}

// Recommend derives the recommended action from the populated sections:
// search results first, then the thread, then whether the label needs
// outside help.
func Recommend(cls models.Classification, bundle *models.ContextBundle) models.RecommendedAction {
	switch {
	case len(bundle.Literal)+len(bundle.Semantic)+len(bundle.Global) > 0:
		return models.ActionUseSemanticResults
	case len(bundle.Thread) > 0:
		return models.ActionContinueConversation
	case cls.NeedsExternalGrounding || cls.Intent != models.IntentGeneralChat:
		return models.ActionConsultExternal
	default:
		return models.ActionDirectResponse
	}
}

func raw(utterance string) models.EnrichedPrompt {
	return models.EnrichedPrompt{
		Prompt:            utterance,
		RecommendedAction: models.ActionDirectResponse,
		Summary:           models.BundleSummary{Tiers: map[string]models.TierStatus{}},
	}
}
