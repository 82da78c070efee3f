package intent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/recall/internal/embedding"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// keywordEmbedder maps texts to fixed axes by keyword so similarities are
// exact in tests.
type keywordEmbedder struct {
	mu    sync.Mutex
	err   error
	seen  []string
	calls map[string]int
}

func (k *keywordEmbedder) Name() string { return "test:keyword" }

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.calls == nil {
		k.calls = map[string]int{}
	}
	k.calls[text]++
	k.seen = append(k.seen, text)
	if k.err != nil {
		return nil, k.err
	}
	switch {
	case strings.Contains(text, "fix"):
		return []float32{1, 0, 0, 0}, nil
	case strings.Contains(text, "fail"):
		return []float32{0, 1, 0, 0}, nil
	case strings.Contains(text, "book"):
		return []float32{0, 0, 0, 1}, nil
	case strings.Contains(text, "half"):
		// cos 0.6 against the "fix" axis, nothing else in the test taxonomy
		return []float32{0.6, 0, 0, 0.8}, nil
	}
	return []float32{0, 0, 1, 0}, nil
}

func (k *keywordEmbedder) count(text string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[text]
}

func testTaxonomy() Taxonomy {
	return Taxonomy{
		models.IntentCorrection:  {"fix it"},
		models.IntentDiagnosis:   {"why did it fail"},
		models.IntentGeneralChat: {"hello there"},
	}
}

func newTestClassifier(e embedding.Embedder) *Classifier {
	return New(e, testTaxonomy(), Config{SimilarityLow: 0.30, SimilarityHigh: 0.70, MaxChars: 64}, nil, nil)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	c := newTestClassifier(&keywordEmbedder{})
	require.NoError(t, c.Warm(ctx))

	t.Run("confident match", func(t *testing.T) {
		got := c.Classify(ctx, "please fix the last command")
		assert.Equal(t, models.IntentCorrection, got.Intent)
		assert.InDelta(t, 1.0, got.Confidence, 1e-6)
		assert.Equal(t, models.MethodEmbedding, got.Method)
		assert.False(t, got.NeedsExternalGrounding)
	})

	t.Run("middle band asks for grounding", func(t *testing.T) {
		got := c.Classify(ctx, "half a thought")
		assert.Equal(t, models.IntentCorrection, got.Intent)
		assert.InDelta(t, 0.6, got.Confidence, 1e-6)
		assert.True(t, got.NeedsExternalGrounding)
	})

	t.Run("below low threshold", func(t *testing.T) {
		got := c.Classify(ctx, "book a table")
		assert.Equal(t, models.IntentGeneralChat, got.Intent)
		assert.Equal(t, models.MethodEmbedding, got.Method)
		assert.Equal(t, 0.0, got.Confidence)
	})

	t.Run("empty utterance", func(t *testing.T) {
		got := c.Classify(ctx, "   ")
		assert.Equal(t, models.IntentGeneralChat, got.Intent)
		assert.Equal(t, EmptyConfidence, got.Confidence)
		assert.Equal(t, models.MethodEmpty, got.Method)
	})
}

func TestClassifyFallback(t *testing.T) {
	ctx := context.Background()
	e := &keywordEmbedder{err: errors.New("backend down")}
	c := newTestClassifier(e)

	assert.Error(t, c.Warm(ctx))

	got := c.Classify(ctx, "fix the deployment")
	assert.Equal(t, models.IntentGeneralChat, got.Intent)
	assert.Equal(t, FallbackConfidence, got.Confidence)
	assert.Equal(t, models.MethodFallback, got.Method)

	nilBackend := New(nil, testTaxonomy(), Config{}, nil, nil)
	assert.Equal(t, models.MethodFallback, nilBackend.Classify(ctx, "anything").Method)
}

func TestClassifyTruncatesLongInput(t *testing.T) {
	e := &keywordEmbedder{}
	c := New(e, testTaxonomy(), Config{SimilarityLow: 0.3, SimilarityHigh: 0.7, MaxChars: 16}, nil, nil)

	long := strings.Repeat("x", 100) + " fix"
	got := c.Classify(context.Background(), long)

	// "fix" sits past the cut, so the prefix carries no correction signal.
	assert.NotEqual(t, models.IntentCorrection, got.Intent)
	for _, s := range e.seen {
		assert.LessOrEqual(t, len([]rune(s)), 16)
	}
}

func TestExemplarCache(t *testing.T) {
	ctx := context.Background()
	e := &keywordEmbedder{}
	c := newTestClassifier(e)
	require.NoError(t, c.Warm(ctx))

	c.Classify(ctx, "fix one")
	c.Classify(ctx, "fix two")
	assert.Equal(t, 1, e.count("fix it"), "exemplars are embedded once")

	require.NoError(t, c.AddExemplars(ctx, models.IntentCorrection, "fix that typo"))
	assert.Equal(t, 2, e.count("fix it"), "changed label is recomputed")
	assert.Equal(t, 1, e.count("why did it fail"), "other labels keep their cache")

	require.NoError(t, c.AddExemplars(ctx, models.IntentManageReservation, "book a room"))
	assert.Contains(t, c.Labels(), models.IntentManageReservation)
	assert.Equal(t, models.IntentManageReservation, c.Classify(ctx, "book it").Intent)
}

func TestDecideThresholdsInclusive(t *testing.T) {
	tests := []struct {
		name      string
		sim       float64
		intent    models.Intent
		grounding bool
	}{
		{"just below low", 0.2999, models.IntentGeneralChat, false},
		{"exactly low", 0.30, models.IntentDiagnosis, true},
		{"between", 0.5, models.IntentDiagnosis, true},
		{"exactly high", 0.70, models.IntentDiagnosis, false},
		{"above high", 0.95, models.IntentDiagnosis, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decide(models.IntentDiagnosis, tt.sim, 0.30, 0.70)
			assert.Equal(t, tt.intent, got.Intent)
			assert.Equal(t, tt.grounding, got.NeedsExternalGrounding)
			assert.InDelta(t, tt.sim, got.Confidence, 1e-9)
		})
	}
}

func TestDefaultTaxonomyCoversIntents(t *testing.T) {
	tax := DefaultTaxonomy()
	for _, intent := range []models.Intent{
		models.IntentCorrection, models.IntentDiagnosis, models.IntentExecuteCLI,
		models.IntentReadFile, models.IntentManageReservation, models.IntentGeneralChat,
	} {
		assert.NotEmpty(t, tax[intent], intent)
	}
}
