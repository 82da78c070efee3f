package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// CollectionEvents holds one document per event, keyed by event id.
const CollectionEvents = "events"

// MongoStore is the MongoDB document store. Deduplication relies on the
// unique (texto_hash, session_id) index and the _id key.
type MongoStore struct {
	client   *mongo.Client
	events   *mongo.Collection
	reserved models.Reserved
	now      func() time.Time
	logger   *zap.Logger
}

type mongoEvent struct {
	ID            string         `bson:"_id"`
	SessionID     string         `bson:"session_id"`
	AgentID       string         `bson:"agent_id"`
	Timestamp     time.Time      `bson:"timestamp"`
	Endpoint      string         `bson:"endpoint"`
	EventType     string         `bson:"event_type"`
	Text          string         `bson:"texto_semantico"`
	TextHash      string         `bson:"texto_hash"`
	DocumentClass string         `bson:"document_class"`
	IsSynthetic   bool           `bson:"is_synthetic"`
	Success       bool           `bson:"success"`
	Metadata      map[string]any `bson:"metadata,omitempty"`
}

func toMongo(ev *models.Event) mongoEvent {
	return mongoEvent{
		ID:            ev.ID,
		SessionID:     ev.SessionID,
		AgentID:       ev.AgentID,
		Timestamp:     ev.Timestamp,
		Endpoint:      ev.Endpoint,
		EventType:     string(ev.EventType),
		Text:          ev.Text,
		TextHash:      ev.TextHash,
		DocumentClass: string(ev.DocumentClass),
		IsSynthetic:   ev.IsSynthetic,
		Success:       ev.Success,
		Metadata:      ev.Metadata,
	}
}

func (m mongoEvent) event() models.Event {
	return models.Event{
		ID:            m.ID,
		SessionID:     m.SessionID,
		AgentID:       m.AgentID,
		Timestamp:     m.Timestamp.UTC(),
		Endpoint:      m.Endpoint,
		EventType:     models.EventType(m.EventType),
		Text:          m.Text,
		TextHash:      m.TextHash,
		DocumentClass: models.DocumentClass(m.DocumentClass),
		IsSynthetic:   m.IsSynthetic,
		Success:       m.Success,
		Metadata:      m.Metadata,
	}
}

// NewMongoStore connects to uri and ensures the events indexes exist.
func NewMongoStore(uri, database string, reserved models.Reserved, logger *zap.Logger) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	if reserved == nil {
		reserved = models.NewReserved(models.DefaultReservedSessions)
	}
	s := &MongoStore{
		client:   client,
		events:   client.Database(database).Collection(CollectionEvents),
		reserved: reserved,
		now:      time.Now,
		logger:   logging.OrNop(logger).With(zap.String("component", "store.mongo")),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	s.logger.Info("connected to MongoDB", zap.String("database", database))
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "texto_hash", Value: 1}, {Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "agent_id", Value: 1}}},
		{Keys: bson.D{{Key: "endpoint", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Name identifies the backend.
func (s *MongoStore) Name() string { return "mongo" }

// Ping checks the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Upsert inserts ev; a duplicate key on _id or the dedup index reports a
// duplicate.
func (s *MongoStore) Upsert(ctx context.Context, ev *models.Event) (bool, error) {
	prepareEvent(ev, s.now)

	_, err := s.events.InsertOne(ctx, toMongo(ev))
	if mongo.IsDuplicateKeyError(err) {
		s.logger.Debug("duplicate event", zap.String("id", ev.ID))
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	return false, nil
}

// Get retrieves a single event by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (*models.Event, error) {
	var doc mongoEvent
	err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	ev := doc.event()
	return &ev, nil
}

// Query resolves spec and returns the matching events.
func (s *MongoStore) Query(ctx context.Context, spec models.FilterSpec) ([]models.Event, error) {
	f, err := Resolve(spec, s.reserved, s.now())
	if err != nil {
		return nil, err
	}
	return s.QueryFilter(ctx, f)
}

// QueryFilter runs an already resolved filter.
func (s *MongoStore) QueryFilter(ctx context.Context, f Filter) ([]models.Event, error) {
	opts := options.Find().SetSort(f.SortBSON())
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cursor, err := s.events.Find(ctx, f.BSON(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoEvent
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	events := make([]models.Event, len(docs))
	for i, d := range docs {
		events[i] = d.event()
	}
	return events, nil
}

// Count returns the number of stored events.
func (s *MongoStore) Count(ctx context.Context) (int, error) {
	n, err := s.events.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return int(n), nil
}

// DeleteNoise removes events whose trimmed text is shorter than minChars.
func (s *MongoStore) DeleteNoise(ctx context.Context, minChars int) ([]string, error) {
	return s.deleteMatching(ctx, noiseBSON(minChars))
}

// PurgeSynthetic removes synthetic events older than before.
func (s *MongoStore) PurgeSynthetic(ctx context.Context, before time.Time) ([]string, error) {
	return s.deleteMatching(ctx, bson.M{"is_synthetic": true, "timestamp": bson.M{"$lt": before}})
}

func (s *MongoStore) deleteMatching(ctx context.Context, filter interface{}) ([]string, error) {
	cursor, err := s.events.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to select events: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode ids: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	if _, err := s.events.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, fmt.Errorf("failed to delete events: %w", err)
	}
	return ids, nil
}

func noiseBSON(minChars int) bson.M {
	return bson.M{"$expr": bson.M{"$lt": bson.A{
		bson.M{"$strLenCP": bson.M{"$trim": bson.M{"input": "$texto_semantico"}}},
		minChars,
	}}}
}

// BSON renders the filter as a MongoDB query document.
func (f Filter) BSON() bson.D {
	q := bson.D{}
	if len(f.IDs) > 0 {
		q = append(q, bson.E{Key: "_id", Value: bson.M{"$in": f.IDs}})
	}
	if f.SessionID != "" {
		q = append(q, bson.E{Key: "session_id", Value: f.SessionID})
	}
	if f.AgentID != "" {
		q = append(q, bson.E{Key: "agent_id", Value: f.AgentID})
	}
	if f.Endpoint != "" {
		q = append(q, bson.E{Key: "endpoint", Value: f.Endpoint})
	}
	if f.EventType != "" {
		q = append(q, bson.E{Key: "event_type", Value: string(f.EventType)})
	}
	if f.DocumentClass != "" {
		q = append(q, bson.E{Key: "document_class", Value: string(f.DocumentClass)})
	}
	if f.Since != nil || f.Until != nil {
		bounds := bson.M{}
		if f.Since != nil {
			bounds["$gte"] = *f.Since
		}
		if f.Until != nil {
			bounds["$lt"] = *f.Until
		}
		q = append(q, bson.E{Key: "timestamp", Value: bounds})
	}
	if f.Contains != "" {
		q = append(q, bson.E{Key: "texto_semantico", Value: bson.M{"$regex": regexp.QuoteMeta(f.Contains)}})
	}
	if f.ExcludeSynthetic {
		q = append(q, bson.E{Key: "is_synthetic", Value: false})
	}
	return q
}

// SortBSON renders the ordering.
func (f Filter) SortBSON() bson.D {
	dir := -1
	if f.Order == models.OrderAsc {
		dir = 1
	}
	return bson.D{{Key: "timestamp", Value: dir}, {Key: "_id", Value: dir}}
}
