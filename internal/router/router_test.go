package router

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/recall/internal/models"
)

func newTestRouter(t *testing.T, capacity int) *Router {
	t.Helper()
	reg, err := NewRegistry(DefaultProfiles())
	require.NoError(t, err)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(reg, capacity, nil, WithClock(func() time.Time { return fixed }))
}

func TestRoute(t *testing.T) {
	r := newTestRouter(t, 10)

	t.Run("registered intent", func(t *testing.T) {
		d := r.Route(models.IntentDiagnosis, 0.82, "why did it fail", "s1")
		assert.Equal(t, "diagnostician", d.SelectedProfile.Name)
		assert.False(t, d.UsedFallback)
		assert.Equal(t, "s1", d.SessionID)
		assert.Equal(t, 0.82, d.Confidence)
		assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), d.Timestamp)
	})

	t.Run("general_chat maps to general without fallback", func(t *testing.T) {
		d := r.Route(models.IntentGeneralChat, 0.2, "hi", "s1")
		assert.Equal(t, GeneralProfile, d.SelectedProfile.Name)
		assert.False(t, d.UsedFallback)
	})

	t.Run("unknown intent falls back", func(t *testing.T) {
		d := r.Route(models.Intent("summarise_invoice"), 0.9, "x", "s2")
		assert.Equal(t, GeneralProfile, d.SelectedProfile.Name)
		assert.True(t, d.UsedFallback)
	})

	log := r.Decisions()
	require.Len(t, log, 3)
	assert.Equal(t, models.IntentDiagnosis, log[0].Intent)
	assert.Equal(t, models.Intent("summarise_invoice"), log[2].Intent)
}

func TestRegistryRequiresGeneral(t *testing.T) {
	_, err := NewRegistry(map[string]models.AgentProfile{
		"diagnosis": {AgentID: "a"},
	})
	assert.Error(t, err)

	reg, err := NewRegistry(map[string]models.AgentProfile{
		GeneralProfile: {AgentID: "g"},
		"diagnosis":    {AgentID: "d"},
	})
	require.NoError(t, err)
	p, ok := reg.Lookup(models.IntentDiagnosis)
	assert.True(t, ok)
	assert.Equal(t, "diagnosis", p.Name, "name defaults to the key")
	assert.Equal(t, GeneralProfile, reg.General().Name)
	assert.Equal(t, []models.Intent{models.IntentDiagnosis}, reg.Intents())
}

func TestRingDropsOldest(t *testing.T) {
	ring := NewRing(3)
	for i := 0; i < 5; i++ {
		ring.Add(models.RoutingDecision{SessionID: fmt.Sprintf("s%d", i)})
	}

	got := ring.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "s2", got[0].SessionID)
	assert.Equal(t, "s3", got[1].SessionID)
	assert.Equal(t, "s4", got[2].SessionID)
	assert.Equal(t, 3, ring.Len())
}

func TestRingConcurrentAdds(t *testing.T) {
	ring := NewRing(100)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ring.Add(models.RoutingDecision{})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, ring.Len())
	assert.Len(t, ring.Snapshot(), 100)
}
