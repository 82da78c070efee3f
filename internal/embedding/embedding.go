// Package embedding turns text into vectors for intent classification and
// the vector tier.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/oscillatelabsllc/recall/internal/config"
)

// ErrUnavailable marks failures of the embedding backend itself, as opposed
// to bad input.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Embedder generates an embedding for a single text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// New builds the embedder selected by cfg.
func New(cfg config.EmbeddingConfig, dimensions int, timeout time.Duration) (Embedder, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewClient(cfg.BaseURL, cfg.Model, cfg.APIKey, timeout), nil
	case "genai":
		return NewGenAI(cfg.APIKey, cfg.Model, dimensions)
	case "local":
		return NewLocal(dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Cosine returns the cosine similarity of a and b. Mismatched or zero vectors
// score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
