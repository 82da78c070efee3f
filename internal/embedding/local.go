package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Local is a deterministic feature-hashing embedder. It needs no network and
// produces stable vectors, which makes it the backend for offline runs and
// tests. Texts sharing words and character trigrams land close together.
type Local struct {
	dimensions int
}

// NewLocal creates a hashing embedder with the given width.
func NewLocal(dimensions int) *Local {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &Local{dimensions: dimensions}
}

// Name identifies the backend in logs.
func (l *Local) Name() string {
	return "local:hashing"
}

// Embed hashes words (weight 1) and character trigrams (weight 0.5) into a
// signed bucket vector and L2-normalises it.
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, l.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		l.add(vec, "w:"+w, 1)
		padded := []rune(" " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			l.add(vec, "t:"+string(padded[i:i+3]), 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, l.dimensions)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (l *Local) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(l.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}
