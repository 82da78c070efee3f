package models

// ContextSource names the list an item of a bundle came from.
type ContextSource string

const (
	SourceThread   ContextSource = "thread"
	SourceSemantic ContextSource = "semantic"
	SourceGlobal   ContextSource = "global"
	SourceLiteral  ContextSource = "literal"
)

// Tier keys used in ContextBundle.Tiers.
const (
	TierBuffer = "t1"
	TierStore  = "t2"
	TierVector = "t3"
)

// ContextItem is an event selected for a bundle together with the scores
// that placed it there.
type ContextItem struct {
	Event      Event         `json:"event"`
	Source     ContextSource `json:"source"`
	Similarity float64       `json:"similarity,omitempty"`
	Hybrid     float64       `json:"hybrid,omitempty"`
	Relevance  float64       `json:"relevance,omitempty"`
	Tokens     int           `json:"tokens"`
}

// ContextBundle is the prior context gathered for one utterance. Lists are
// in precedence order: thread, then semantic, then global. Literal mode
// replaces the semantic lists with Literal.
type ContextBundle struct {
	Thread     []ContextItem         `json:"thread,omitempty"`
	Semantic   []ContextItem         `json:"semantic,omitempty"`
	Global     []ContextItem         `json:"global,omitempty"`
	Literal    []ContextItem         `json:"literal,omitempty"`
	Identifier string                `json:"identifier,omitempty"`
	Tiers      map[string]TierStatus `json:"tiers"`
	TokensUsed int                   `json:"tokens_used"`
	Elided     int                   `json:"elided"`
	// FromCache is set on bundles served from the context cache. It is never
	// serialised, so a cached answer is indistinguishable from a fresh one.
	FromCache bool `json:"-"`
}

// LiteralMode reports whether the bundle was built from an identifier match.
func (b *ContextBundle) LiteralMode() bool {
	return b.Identifier != ""
}

// Items returns every included item in precedence order.
func (b *ContextBundle) Items() []ContextItem {
	out := make([]ContextItem, 0, b.Len())
	out = append(out, b.Thread...)
	out = append(out, b.Literal...)
	out = append(out, b.Semantic...)
	return append(out, b.Global...)
}

// Len counts included items across all lists.
func (b *ContextBundle) Len() int {
	return len(b.Thread) + len(b.Literal) + len(b.Semantic) + len(b.Global)
}

// Empty reports whether nothing was included.
func (b *ContextBundle) Empty() bool {
	return b.Len() == 0
}

// BundleSummary is the telemetry view of a bundle returned with an
// enriched prompt.
type BundleSummary struct {
	ThreadCount   int                   `json:"thread_count"`
	SemanticCount int                   `json:"semantic_count"`
	GlobalCount   int                   `json:"global_count"`
	LiteralCount  int                   `json:"literal_count"`
	LiteralMode   bool                  `json:"literal_mode"`
	Tiers         map[string]TierStatus `json:"tiers"`
	TokensUsed    int                   `json:"tokens_used"`
	Elided        int                   `json:"elided"`
}

// Summary condenses the bundle for telemetry.
func (b *ContextBundle) Summary() BundleSummary {
	tiers := make(map[string]TierStatus, len(b.Tiers))
	for k, v := range b.Tiers {
		tiers[k] = v
	}
	return BundleSummary{
		ThreadCount:   len(b.Thread),
		SemanticCount: len(b.Semantic),
		GlobalCount:   len(b.Global),
		LiteralCount:  len(b.Literal),
		LiteralMode:   b.LiteralMode(),
		Tiers:         tiers,
		TokensUsed:    b.TokensUsed,
		Elided:        b.Elided,
	}
}

// RecommendedAction tells the host what to do with the enriched prompt.
type RecommendedAction string

const (
	ActionContinueConversation RecommendedAction = "continue_conversation"
	ActionUseSemanticResults   RecommendedAction = "use_semantic_results"
	ActionConsultExternal      RecommendedAction = "consult_external_tooling"
	ActionDirectResponse       RecommendedAction = "direct_response"
)

// EnrichedPrompt is the result of pre-response enrichment.
type EnrichedPrompt struct {
	Prompt            string            `json:"enriched_prompt"`
	Enriched          bool              `json:"enriched"`
	Classification    *Classification   `json:"classification,omitempty"`
	Decision          *RoutingDecision  `json:"decision,omitempty"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	Summary           BundleSummary     `json:"bundle_summary"`
}
