package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/recall/internal/config"
	"github.com/oscillatelabsllc/recall/internal/db"
	"github.com/oscillatelabsllc/recall/internal/enrich"
	"github.com/oscillatelabsllc/recall/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DuckDBPath = filepath.Join(t.TempDir(), "recall.duckdb")
	cfg.Embedding.Provider = "local"
	cfg.Vector.Dimensions = 64
	cfg.Indexer.RatePerSecond = 0
	cfg.Maintenance.Schedule = ""
	return cfg
}

func newService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	s, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func turn(sid, user, agent string) models.Turn {
	return models.Turn{
		UserEvent: &models.Event{
			SessionID: sid,
			AgentID:   "ag1",
			EventType: models.EventUserInput,
			Endpoint:  "cli",
			Text:      user,
		},
		AgentEvent: &models.Event{
			SessionID: sid,
			AgentID:   "ag1",
			EventType: models.EventAgentResponse,
			Endpoint:  "cli",
			Text:      agent,
		},
	}
}

func TestRecordThenEnrich(t *testing.T) {
	s := newService(t, testConfig(t))
	ctx := context.Background()

	receipt, err := s.RecordTurn(ctx, turn("s1",
		"restart the payments worker on node seven",
		"the payments worker on node seven was restarted"))
	require.NoError(t, err)
	assert.True(t, receipt.Persisted())
	assert.True(t, receipt.User.T1OK)
	require.NoError(t, s.Flush(ctx))

	out := s.EnrichBeforeResponse(ctx, enrich.Request{
		Utterance: "did the restart finish cleanly?",
		SessionID: "s1",
		AgentID:   "ag1",
	})
	assert.True(t, out.Enriched)
	assert.Contains(t, out.Prompt, "restart the payments worker on node seven")
	assert.Contains(t, out.Prompt, "did the restart finish cleanly?")
	require.NotNil(t, out.Classification)
	assert.Len(t, s.RoutingLog(), 1)

	again, err := s.RecordTurn(ctx, turn("s1",
		"restart the payments worker on node seven",
		"the payments worker on node seven was restarted"))
	require.NoError(t, err)
	assert.True(t, again.User.Duplicate)

	st := s.Status(ctx)
	assert.Equal(t, 2, st.Events)
	assert.Equal(t, 2, st.Vectors)
	assert.Equal(t, "duckdb", st.Store)
	assert.Equal(t, "memory", st.Buffer)
	assert.Equal(t, "local", st.Embedder)
	assert.Empty(t, st.Errors)
}

func TestLookupAndGet(t *testing.T) {
	s := newService(t, testConfig(t))
	ctx := context.Background()

	receipt, err := s.RecordTurn(ctx, turn("s2", "open the quarterly capacity report", "opened capacity-q3.pdf"))
	require.NoError(t, err)

	events, err := s.LookupMemory(ctx, models.FilterSpec{SessionID: "s2", Order: models.OrderAsc})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, receipt.User.EventID, events[0].ID)

	ev, err := s.GetEvent(ctx, receipt.Agent.EventID)
	require.NoError(t, err)
	assert.Equal(t, "opened capacity-q3.pdf", ev.Text)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = s.LookupMemory(ctx, models.FilterSpec{EventType: "bogus"})
	assert.ErrorIs(t, err, db.ErrInvalidFilter)
}

func TestMalformedTurnRejected(t *testing.T) {
	s := newService(t, testConfig(t))
	_, err := s.RecordTurn(context.Background(), models.Turn{})
	assert.ErrorIs(t, err, models.ErrMalformedEvent)
}

func TestMaintainAndReady(t *testing.T) {
	s := newService(t, testConfig(t))
	ctx := context.Background()

	_, err := s.RecordTurn(ctx, models.Turn{UserEvent: &models.Event{
		SessionID: "s3",
		EventType: models.EventUserInput,
		Text:      "k",
	}})
	require.NoError(t, err)

	report, err := s.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NoiseDeleted)
	require.NotNil(t, s.Status(ctx).LastMaintenance)

	assert.NoError(t, s.Ready(ctx))
}

func TestSeparateVectorFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vector.DuckDBPath = filepath.Join(t.TempDir(), "vectors.duckdb")
	s := newService(t, cfg)
	ctx := context.Background()

	_, err := s.RecordTurn(ctx, turn("s4", "rotate the database credentials", "credentials rotated"))
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 2, s.Status(ctx).Vectors)
}

func TestStartsWithRedisDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buffer.Backend = "redis"
	cfg.Buffer.RedisAddr = "127.0.0.1:1"
	s := newService(t, cfg)
	ctx := context.Background()

	receipt, err := s.RecordTurn(ctx, turn("s6",
		"the ingress certificate expires on friday",
		"renewal is scheduled for thursday"))
	require.NoError(t, err)
	assert.True(t, receipt.User.T2OK)
	assert.False(t, receipt.User.T1OK)

	out := s.EnrichBeforeResponse(ctx, enrich.Request{
		Utterance: "when does the certificate expire?",
		SessionID: "s6",
		AgentID:   "ag1",
	})
	assert.Contains(t, out.Prompt, "the ingress certificate expires on friday", "the thread is read from the store")
	assert.Equal(t, "redis", s.Status(ctx).Buffer)
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Intent.SimilarityLow = 0.9
	cfg.Intent.SimilarityHigh = 0.1
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Close(ctx))
	assert.NoError(t, s.Close(ctx))
}
