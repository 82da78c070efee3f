package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/recall/internal/db"
	"github.com/oscillatelabsllc/recall/internal/embedding"
	"github.com/oscillatelabsllc/recall/internal/models"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type recordingQueue struct {
	ids []string
}

func (q *recordingQueue) Enqueue(ev models.Event) (bool, error) {
	q.ids = append(q.ids, ev.ID)
	return true, nil
}

func openTiers(t *testing.T) (*db.Store, *db.VectorIndex) {
	t.Helper()
	store, err := db.NewStore(t.TempDir()+"/maint.duckdb", db.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index, err := db.NewVectorIndex(store.DB(), embedding.NewLocal(16), 16, db.WithMinChars(3))
	require.NoError(t, err)
	return store, index
}

func seed(t *testing.T, store *db.Store, index *db.VectorIndex, ev models.Event, indexed bool) {
	t.Helper()
	ctx := context.Background()
	dup, err := store.Upsert(ctx, &ev)
	require.NoError(t, err)
	require.False(t, dup)
	if indexed {
		require.NoError(t, index.Index(ctx, &ev))
	}
}

func event(id, text string, age time.Duration) models.Event {
	return models.Event{
		ID:        id,
		SessionID: "s1",
		AgentID:   "ag1",
		Timestamp: testNow.Add(-age),
		EventType: models.EventUserInput,
		Text:      text,
	}
}

func testConfig() Config {
	return Config{
		NoiseMinChars:      3,
		SyntheticRetention: 7 * 24 * time.Hour,
		ReindexWindow:      7 * 24 * time.Hour,
		ReindexBatch:       100,
	}
}

func TestRunCleansTiers(t *testing.T) {
	store, index := openTiers(t)
	ctx := context.Background()

	seed(t, store, index, event("keep", "deploy the billing service", time.Hour), true)
	seed(t, store, index, event("noise", "ok", time.Hour), false)

	oldNote := event("old-note", "restarted worker pool", 10*24*time.Hour)
	oldNote.EventType = models.EventSystemNote
	oldNote.IsSynthetic = true
	seed(t, store, index, oldNote, false)

	freshNote := event("fresh-note", "cache warmed after deploy", time.Hour)
	freshNote.EventType = models.EventSystemNote
	freshNote.IsSynthetic = true
	seed(t, store, index, freshNote, false)

	seed(t, store, index, event("unindexed", "check the ingress certificates", 2*time.Hour), false)
	seed(t, store, index, event("stale", "rotate the staging keys", 30*24*time.Hour), false)

	queue := &recordingQueue{}
	r := New(store, index, queue, testConfig(), nil, nil, WithClock(func() time.Time { return testNow }))
	assert.Nil(t, r.Last())

	report, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.NoiseDeleted)
	assert.Equal(t, 1, report.SyntheticPurged)
	assert.Equal(t, 2, report.VectorsDeleted)
	assert.Equal(t, 1, report.Reindexed)
	assert.Equal(t, []string{"unindexed"}, queue.ids, "only recent cognitive events missing a vector are re-queued")
	assert.Empty(t, report.Errors)

	_, err = store.Get(ctx, "noise")
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.Get(ctx, "old-note")
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.Get(ctx, "fresh-note")
	assert.NoError(t, err)

	n, err := index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last := r.Last()
	require.NotNil(t, last)
	assert.Equal(t, report.Reindexed, last.Reindexed)
}

func TestRunWithoutVectorTier(t *testing.T) {
	store, index := openTiers(t)
	seed(t, store, index, event("noise", "k", time.Hour), false)

	r := New(store, nil, nil, testConfig(), nil, nil, WithClock(func() time.Time { return testNow }))
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NoiseDeleted)
	assert.Zero(t, report.VectorsDeleted)
	assert.Zero(t, report.Reindexed)
}

type failingDocs struct {
	purged bool
}

func (f *failingDocs) DeleteNoise(context.Context, int) ([]string, error) {
	return nil, errors.New("disk full")
}

func (f *failingDocs) PurgeSynthetic(context.Context, time.Time) ([]string, error) {
	f.purged = true
	return nil, nil
}

func (f *failingDocs) QueryFilter(context.Context, db.Filter) ([]models.Event, error) {
	return nil, errors.New("store offline")
}

type noVectors struct{}

func (noVectors) Delete(context.Context, ...string) error { return nil }

func (noVectors) MissingIDs(_ context.Context, ids []string) ([]string, error) { return ids, nil }

func TestRunContinuesAfterFailures(t *testing.T) {
	docs := &failingDocs{}
	r := New(docs, noVectors{}, &recordingQueue{}, testConfig(), nil, nil)

	report, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, docs.purged, "later steps still run")
	assert.Len(t, report.Errors, 2)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "store offline")
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 30m"))
	assert.NoError(t, ValidateSchedule("0 3 * * *"))
	assert.Error(t, ValidateSchedule("every half hour"))
}

func TestStartStop(t *testing.T) {
	store, _ := openTiers(t)
	cfg := testConfig()
	cfg.Schedule = "@every 1h"
	r := New(store, nil, nil, cfg, nil, nil)

	require.NoError(t, r.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Stop(ctx))
	assert.NoError(t, r.Stop(ctx), "second stop is a no-op")

	cfg.Schedule = "bogus"
	assert.Error(t, New(store, nil, nil, cfg, nil, nil).Start(context.Background()))

	cfg.Schedule = ""
	assert.NoError(t, New(store, nil, nil, cfg, nil, nil).Start(context.Background()))
}
