package retrieval

import (
	"sort"
	"time"

	"github.com/oscillatelabsllc/recall/internal/db"
	"github.com/oscillatelabsllc/recall/internal/models"
	"github.com/oscillatelabsllc/recall/internal/textnorm"
)

// Relevance weights used to break ties inside a list.
const (
	WeightRecency  = 0.4
	WeightError    = 0.3
	WeightEndpoint = 0.2
	WeightKeywords = 0.1
)

// RecencyFactor scales similarity by age: 1.0 under a day, 0.85 under two
// days, 0.7 under a week and 0.5 beyond. It never increases with age.
func RecencyFactor(age time.Duration) float64 {
	switch {
	case age < 24*time.Hour:
		return 1.0
	case age < 48*time.Hour:
		return 0.85
	case age < 7*24*time.Hour:
		return 0.7
	default:
		return 0.5
	}
}

// scorer holds what relevance depends on for one request.
type scorer struct {
	now      time.Time
	endpoint string
	keywords map[string]struct{}
}

func newScorer(now time.Time, endpoint, utterance string) scorer {
	return scorer{now: now, endpoint: endpoint, keywords: textnorm.Keywords(utterance)}
}

func (s scorer) relevance(ev *models.Event) float64 {
	score := WeightRecency * RecencyFactor(s.now.Sub(ev.Timestamp))
	if ev.IsError() {
		score += WeightError
	}
	if s.endpoint != "" && ev.Endpoint == s.endpoint {
		score += WeightEndpoint
	}
	return score + WeightKeywords*textnorm.Overlap(s.keywords, ev.Text)
}

func (s scorer) item(ev models.Event, source models.ContextSource) models.ContextItem {
	return models.ContextItem{
		Event:     ev,
		Source:    source,
		Relevance: s.relevance(&ev),
		Tokens:    textnorm.EstimateTokens(ev.Text),
	}
}

// rank scores vector hits and orders them by hybrid score, then timestamp,
// then relevance, then id. At most k items are returned.
func (s scorer) rank(hits []db.Hit, source models.ContextSource, k int) []models.ContextItem {
	items := make([]models.ContextItem, 0, len(hits))
	for _, h := range hits {
		it := s.item(h.Event, source)
		it.Similarity = h.Similarity
		it.Hybrid = h.Similarity * RecencyFactor(s.now.Sub(h.Event.Timestamp))
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Hybrid != b.Hybrid {
			return a.Hybrid > b.Hybrid
		}
		if !a.Event.Timestamp.Equal(b.Event.Timestamp) {
			return a.Event.Timestamp.After(b.Event.Timestamp)
		}
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		return a.Event.ID < b.Event.ID
	})
	if len(items) > k {
		items = items[:k]
	}
	return items
}

func hashOf(ev *models.Event) string {
	if ev.TextHash != "" {
		return ev.TextHash
	}
	return textnorm.Hash(ev.Text)
}

// assemble deduplicates the candidate lists by texto_hash in precedence
// order and fills the bundle until the token budget is reached. Thread items
// are budgeted newest first but kept in chronological order. The first item
// that does not fit ends the walk; it and everything after it is elided.
func assemble(b *models.ContextBundle, thread, literal, semantic, global []models.ContextItem, budget int) {
	seen := make(map[string]struct{})
	var ordered []models.ContextItem

	add := func(items []models.ContextItem) {
		for _, it := range items {
			key := hashOf(&it.Event)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			ordered = append(ordered, it)
		}
	}

	newestFirst := make([]models.ContextItem, len(thread))
	for i, it := range thread {
		newestFirst[len(thread)-1-i] = it
	}
	add(newestFirst)
	add(literal)
	add(semantic)
	add(global)

	used := 0
	for i, it := range ordered {
		if used+it.Tokens > budget {
			b.Elided = len(ordered) - i
			break
		}
		used += it.Tokens
		switch it.Source {
		case models.SourceThread:
			b.Thread = append(b.Thread, it)
		case models.SourceLiteral:
			b.Literal = append(b.Literal, it)
		case models.SourceSemantic:
			b.Semantic = append(b.Semantic, it)
		case models.SourceGlobal:
			b.Global = append(b.Global, it)
		}
	}
	b.TokensUsed = used

	for i, j := 0, len(b.Thread)-1; i < j; i, j = i+1, j-1 {
		b.Thread[i], b.Thread[j] = b.Thread[j], b.Thread[i]
	}
}
