package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/embedding"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// ErrNotEligible is returned when an event may not enter the vector index.
var ErrNotEligible = errors.New("event not eligible for indexing")

const vectorColumns = `id, session_id, agent_id, timestamp, endpoint, event_type,
	texto_semantico, texto_hash, document_class, success`

// Hit is a vector search result.
type Hit struct {
	Event      models.Event `json:"event"`
	Similarity float64      `json:"similarity"`
}

// VectorFilter narrows a vector search. Empty fields are not applied.
type VectorFilter struct {
	SessionID string
	AgentID   string
	Endpoint  string
	Since     *time.Time
}

// VectorIndex is the T3 tier: event embeddings in a DuckDB FLOAT[n] column
// ranked with array_cosine_similarity.
type VectorIndex struct {
	db       *sql.DB
	owned    bool
	dims     int
	embedder embedding.Embedder
	minChars int
	hnsw     bool
	reserved models.Reserved
	logger   *zap.Logger
}

// VectorOption configures a VectorIndex.
type VectorOption func(*VectorIndex)

// WithMinChars sets the eligibility threshold on texto_semantico length.
func WithMinChars(n int) VectorOption {
	return func(v *VectorIndex) { v.minChars = n }
}

// WithHNSW builds an HNSW index through the vss extension. Loading the
// extension may need network access on first use; failure is logged and the
// index keeps working with a full scan.
func WithHNSW(enabled bool) VectorOption {
	return func(v *VectorIndex) { v.hnsw = enabled }
}

// WithVectorReserved sets the sentinel scopes dropped from search filters.
func WithVectorReserved(r models.Reserved) VectorOption {
	return func(v *VectorIndex) { v.reserved = r }
}

// WithVectorLogger sets the index logger.
func WithVectorLogger(l *zap.Logger) VectorOption {
	return func(v *VectorIndex) { v.logger = logging.OrNop(l) }
}

// NewVectorIndex creates the index on an existing connection, typically the
// document store's, so both tiers live in one DuckDB file.
func NewVectorIndex(db *sql.DB, embedder embedding.Embedder, dims int, opts ...VectorOption) (*VectorIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", dims)
	}
	v := &VectorIndex{
		db:       db,
		dims:     dims,
		embedder: embedder,
		minChars: 10,
		reserved: models.NewReserved(models.DefaultReservedSessions),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if err := v.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	return v, nil
}

// OpenVectorIndex opens a dedicated DuckDB file for the index.
func OpenVectorIndex(path string, embedder embedding.Embedder, dims int, opts ...VectorOption) (*VectorIndex, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	v, err := NewVectorIndex(db, embedder, dims, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	v.owned = true
	return v, nil
}

func (v *VectorIndex) initialize() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS event_vectors (
			id VARCHAR PRIMARY KEY,
			session_id VARCHAR NOT NULL DEFAULT '',
			agent_id VARCHAR NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			endpoint VARCHAR NOT NULL DEFAULT '',
			event_type VARCHAR NOT NULL,
			texto_semantico TEXT NOT NULL,
			texto_hash VARCHAR NOT NULL,
			document_class VARCHAR NOT NULL,
			success BOOLEAN NOT NULL DEFAULT true,
			embedding FLOAT[%d] NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_event_vectors_session ON event_vectors (session_id);
	`, v.dims)

	if _, err := v.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if v.hnsw {
		stmts := []string{
			"INSTALL vss",
			"LOAD vss",
			"SET hnsw_enable_experimental_persistence = true",
			"CREATE INDEX IF NOT EXISTS idx_event_vectors_hnsw ON event_vectors USING HNSW (embedding) WITH (metric = 'cosine')",
		}
		for _, stmt := range stmts {
			if _, err := v.db.Exec(stmt); err != nil {
				v.logger.Warn("HNSW index unavailable, searching by full scan",
					zap.String("statement", stmt), zap.Error(err))
				break
			}
		}
	}
	return nil
}

// Dimensions returns the width of stored vectors.
func (v *VectorIndex) Dimensions() int { return v.dims }

// Eligible reports whether ev may be indexed.
func (v *VectorIndex) Eligible(ev *models.Event) bool {
	return ev.Indexable(v.minChars)
}

// Index embeds ev's text (unless ev.Vector is already set) and stores it.
// Re-indexing an id replaces its row.
func (v *VectorIndex) Index(ctx context.Context, ev *models.Event) error {
	if !v.Eligible(ev) {
		return fmt.Errorf("%w: %s", ErrNotEligible, ev.ID)
	}

	vec := ev.Vector
	if len(vec) == 0 {
		if v.embedder == nil {
			return embedding.ErrUnavailable
		}
		var err error
		vec, err = v.embedder.Embed(ctx, ev.Text)
		if err != nil {
			return fmt.Errorf("failed to embed event %s: %w", ev.ID, err)
		}
	}
	if len(vec) != v.dims {
		return fmt.Errorf("embedding has %d dimensions, index expects %d", len(vec), v.dims)
	}

	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	_, err = v.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO event_vectors (%s, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?::FLOAT[%d])
	`, vectorColumns, v.dims),
		ev.ID, ev.SessionID, ev.AgentID, ev.Timestamp.UTC(), ev.Endpoint, string(ev.EventType),
		ev.Text, ev.TextHash, string(ev.DocumentClass), ev.Success, string(vecJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to index event: %w", err)
	}
	return nil
}

// EmbedQuery embeds search text with the index's embedder, so one vector can
// serve several SearchVector calls.
func (v *VectorIndex) EmbedQuery(ctx context.Context, queryText string) ([]float32, error) {
	if v.embedder == nil {
		return nil, embedding.ErrUnavailable
	}
	vec, err := v.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return vec, nil
}

// Search embeds queryText and returns the top k hits.
func (v *VectorIndex) Search(ctx context.Context, queryText string, k int, f VectorFilter) ([]Hit, error) {
	vec, err := v.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, err
	}
	return v.SearchVector(ctx, vec, k, f)
}

// SearchVector returns the k rows most similar to vec, best first.
func (v *VectorIndex) SearchVector(ctx context.Context, vec []float32, k int, f VectorFilter) ([]Hit, error) {
	if len(vec) != v.dims {
		return nil, fmt.Errorf("query has %d dimensions, index expects %d", len(vec), v.dims)
	}
	if k <= 0 {
		return nil, nil
	}

	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query embedding: %w", err)
	}

	conditions := []string{"1=1"}
	var args []interface{}
	if sid := v.reserved.Scoped(f.SessionID); sid != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, sid)
	}
	if aid := v.reserved.Scoped(f.AgentID); aid != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, aid)
	}
	if f.Endpoint != "" {
		conditions = append(conditions, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *f.Since)
	}

	query := fmt.Sprintf(`
		SELECT %s, array_cosine_similarity(embedding, %s::FLOAT[%d]) AS similarity
		FROM event_vectors
		WHERE %s
		ORDER BY similarity DESC, timestamp DESC, id
		LIMIT %d
	`, vectorColumns, string(vecJSON), v.dims, strings.Join(conditions, " AND "), k)

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var eventType, class string
		var sim sql.NullFloat64
		err := rows.Scan(
			&h.Event.ID, &h.Event.SessionID, &h.Event.AgentID, &h.Event.Timestamp, &h.Event.Endpoint, &eventType,
			&h.Event.Text, &h.Event.TextHash, &class, &h.Event.Success, &sim,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		h.Event.EventType = models.EventType(eventType)
		h.Event.DocumentClass = models.DocumentClass(class)
		h.Event.Timestamp = h.Event.Timestamp.UTC()
		if sim.Valid && !math.IsNaN(sim.Float64) {
			h.Similarity = sim.Float64
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}

// Delete removes ids from the index. Missing ids are ignored.
func (v *VectorIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf("DELETE FROM event_vectors WHERE id IN (%s)", strings.Join(placeholders, ", "))
	if _, err := v.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

// MissingIDs returns the subset of ids that have no vector.
func (v *VectorIndex) MissingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf("SELECT id FROM event_vectors WHERE id IN (%s)", strings.Join(placeholders, ", "))
	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up vectors: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		present[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Contains reports whether id is indexed.
func (v *VectorIndex) Contains(ctx context.Context, id string) (bool, error) {
	missing, err := v.MissingIDs(ctx, []string{id})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// Count returns the number of indexed events.
func (v *VectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, `SELECT count(*) FROM event_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

// Close closes the connection when the index opened it.
func (v *VectorIndex) Close() error {
	if v.owned {
		return v.db.Close()
	}
	return nil
}
