package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/models"
	"github.com/oscillatelabsllc/recall/internal/textnorm"
)

const eventColumns = `id, session_id, agent_id, timestamp, endpoint, event_type,
	texto_semantico, texto_hash, document_class, is_synthetic, success, metadata`

// Store is the DuckDB document store. DuckDB allows a single writer, so write
// transactions are serialised in-process.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	reserved models.Reserved
	now      func() time.Time
	logger   *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithReserved sets the sentinel scopes dropped from filters.
func WithReserved(r models.Reserved) StoreOption {
	return func(s *Store) { s.reserved = r }
}

// WithClock overrides the clock used to resolve time phrases and default
// timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// NewStore opens (creating if needed) the DuckDB file at dbPath.
func NewStore(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:       db,
		reserved: models.NewReserved(models.DefaultReservedSessions),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

// initialize sets up the events table and its indexes.
func (s *Store) initialize() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id VARCHAR PRIMARY KEY,
			session_id VARCHAR NOT NULL DEFAULT '',
			agent_id VARCHAR NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			endpoint VARCHAR NOT NULL DEFAULT '',
			event_type VARCHAR NOT NULL,
			texto_semantico TEXT NOT NULL,
			texto_hash VARCHAR NOT NULL,
			document_class VARCHAR NOT NULL DEFAULT 'cognitive',
			is_synthetic BOOLEAN NOT NULL DEFAULT false,
			success BOOLEAN NOT NULL DEFAULT true,
			metadata JSON,
			UNIQUE (texto_hash, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events (session_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_agent ON events (agent_id);
		CREATE INDEX IF NOT EXISTS idx_events_endpoint ON events (endpoint);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// DB exposes the connection so the vector index can share the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Name identifies the backend.
func (s *Store) Name() string { return "duckdb" }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes ev unless an event with the same id, or the same
// (texto_hash, session_id), is already stored, in which case it reports a
// duplicate and changes nothing.
func (s *Store) Upsert(ctx context.Context, ev *models.Event) (bool, error) {
	prepareEvent(ev, s.now)

	var metadataJSON interface{}
	if len(ev.Metadata) > 0 {
		data, err := json.Marshal(ev.Metadata)
		if err != nil {
			return false, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM events
		WHERE id = ? OR (texto_hash = ? AND session_id = ?)
		LIMIT 1
	`, ev.ID, ev.TextHash, ev.SessionID).Scan(&existing)
	if err == nil {
		s.logger.Debug("duplicate event",
			zap.String("id", ev.ID), zap.String("existing_id", existing))
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check for duplicate: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.SessionID, ev.AgentID, ev.Timestamp, ev.Endpoint, string(ev.EventType),
		ev.Text, ev.TextHash, string(ev.DocumentClass), ev.IsSynthetic, ev.Success, metadataJSON,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit event: %w", err)
	}
	return false, nil
}

// Get retrieves a single event by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// Query resolves spec and returns the matching events.
func (s *Store) Query(ctx context.Context, spec models.FilterSpec) ([]models.Event, error) {
	f, err := Resolve(spec, s.reserved, s.now())
	if err != nil {
		return nil, err
	}
	return s.QueryFilter(ctx, f)
}

// QueryFilter runs an already resolved filter. The limit is used as given so
// maintenance can scan in larger batches than callers may request.
func (s *Store) QueryFilter(ctx context.Context, f Filter) ([]models.Event, error) {
	where, args := f.SQL()
	query := fmt.Sprintf("SELECT %s FROM events WHERE %s ORDER BY %s", eventColumns, where, f.OrderSQL())
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// DeleteNoise removes events whose trimmed text is shorter than minChars and
// returns their IDs.
func (s *Store) DeleteNoise(ctx context.Context, minChars int) ([]string, error) {
	return s.deleteWhere(ctx, "length(trim(texto_semantico)) < ?", minChars)
}

// PurgeSynthetic removes synthetic events older than before and returns
// their IDs.
func (s *Store) PurgeSynthetic(ctx context.Context, before time.Time) ([]string, error) {
	return s.deleteWhere(ctx, "is_synthetic AND timestamp < ?", before)
}

func (s *Store) deleteWhere(ctx context.Context, cond string, args ...interface{}) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM events WHERE "+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select events: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE "+cond, args...); err != nil {
		return nil, fmt.Errorf("failed to delete events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return ids, nil
}

// prepareEvent fills the fields a store needs and the caller may have left
// blank.
func prepareEvent(ev *models.Event, now func() time.Time) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.TextHash == "" {
		ev.TextHash = textnorm.Hash(ev.Text)
	}
	if ev.DocumentClass == "" {
		ev.DocumentClass = models.ClassFor(ev.EventType)
	}
	if ev.DocumentClass == models.ClassSystem {
		ev.IsSynthetic = true
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var eventType, class string
	var metadataRaw interface{}

	err := row.Scan(
		&ev.ID, &ev.SessionID, &ev.AgentID, &ev.Timestamp, &ev.Endpoint, &eventType,
		&ev.Text, &ev.TextHash, &class, &ev.IsSynthetic, &ev.Success, &metadataRaw,
	)
	if err != nil {
		return nil, err
	}
	ev.EventType = models.EventType(eventType)
	ev.DocumentClass = models.DocumentClass(class)
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Metadata = decodeMetadata(metadataRaw)
	return &ev, nil
}

// decodeMetadata handles the shapes DuckDB returns for a JSON column.
func decodeMetadata(raw interface{}) map[string]any {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
