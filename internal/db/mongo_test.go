package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/oscillatelabsllc/recall/internal/models"
)

func TestFilterBSON(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := Filter{
		SessionID:        "s1",
		EventType:        models.EventError,
		Since:            &since,
		Contains:         "a.b(c)",
		ExcludeSynthetic: true,
		Order:            models.OrderAsc,
	}

	got := f.BSON().Map()
	if got["session_id"] != "s1" {
		t.Errorf("session_id = %v", got["session_id"])
	}
	if got["event_type"] != "error" {
		t.Errorf("event_type = %v", got["event_type"])
	}
	if ts, ok := got["timestamp"].(bson.M); !ok || ts["$gte"] != since {
		t.Errorf("timestamp = %v", got["timestamp"])
	}
	if re, ok := got["texto_semantico"].(bson.M); !ok || re["$regex"] != `a\.b\(c\)` {
		t.Errorf("contains must be a quoted regex, got %v", got["texto_semantico"])
	}
	if got["is_synthetic"] != false {
		t.Errorf("is_synthetic = %v", got["is_synthetic"])
	}
	if _, ok := got["agent_id"]; ok {
		t.Error("empty agent filter was rendered")
	}

	sort := f.SortBSON()
	if sort[0].Key != "timestamp" || sort[0].Value != 1 {
		t.Errorf("sort = %v", sort)
	}
}

// TestMongoStore runs against a real server when RECALL_TEST_MONGO_URI is set.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("RECALL_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RECALL_TEST_MONGO_URI not set")
	}

	dbName := fmt.Sprintf("recall_test_%d", time.Now().UnixNano())
	store, err := NewMongoStore(uri, dbName, nil, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() {
		store.client.Database(dbName).Drop(context.Background())
		store.Close()
	}()

	ctx := context.Background()
	ev := &models.Event{ID: "m1", SessionID: "s1", EventType: models.EventUserInput, Text: "hello world"}
	dup, err := store.Upsert(ctx, ev)
	if err != nil || dup {
		t.Fatalf("first write: dup=%v err=%v", dup, err)
	}
	dup, err = store.Upsert(ctx, &models.Event{ID: "m2", SessionID: "s1", EventType: models.EventUserInput, Text: "hello world"})
	if err != nil || !dup {
		t.Fatalf("replay: dup=%v err=%v", dup, err)
	}

	got, err := store.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Text != "hello world" {
		t.Errorf("Text = %q", got.Text)
	}

	events, err := store.Query(ctx, models.FilterSpec{SessionID: "s1", Contains: "world"})
	if err != nil || len(events) != 1 {
		t.Errorf("Query: %d events, err=%v", len(events), err)
	}
}
