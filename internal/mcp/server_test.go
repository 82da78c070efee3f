package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/recall/internal/config"
	"github.com/oscillatelabsllc/recall/internal/memory"
	"github.com/oscillatelabsllc/recall/internal/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DuckDBPath = filepath.Join(t.TempDir(), "mcp.duckdb")
	cfg.Embedding.Provider = "local"
	cfg.Vector.Dimensions = 64
	cfg.Maintenance.Schedule = ""

	svc, err := memory.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown() })
	return NewServer(svc, "test", nil)
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func userEvent(text string) map[string]interface{} {
	return map[string]interface{}{
		"session_id":      "s1",
		"agent_id":        "ag1",
		"event_type":      "user_input",
		"texto_semantico": text,
	}
}

func TestRecordTurnTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleRecordTurn(ctx, call(map[string]interface{}{
		"user_event": userEvent("drain node four before the kernel upgrade"),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	var receipt models.TurnReceipt
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &receipt))
	assert.True(t, receipt.User.T2OK)
	assert.Nil(t, receipt.Agent)

	res, err = s.handleRecordTurn(ctx, call(map[string]interface{}{
		"user_event": userEvent("drain node four before the kernel upgrade"),
	}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &receipt))
	assert.True(t, receipt.User.Duplicate)
}

func TestRecordTurnToolRejectsMalformed(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	ev := userEvent("hello there from the tests")
	ev["colour"] = "blue"
	res, err := s.handleRecordTurn(ctx, call(map[string]interface{}{"user_event": ev}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleRecordTurn(ctx, call(map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "invalid event")
}

func TestEnrichAndLookupTools(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleRecordTurn(ctx, call(map[string]interface{}{
		"user_event": userEvent("the staging cluster lost quorum at noon"),
	}))
	require.NoError(t, err)

	res, err := s.handleEnrich(ctx, call(map[string]interface{}{
		"utterance":  "why is staging unhealthy?",
		"session_id": "s1",
	}))
	require.NoError(t, err)
	var out models.EnrichedPrompt
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Contains(t, out.Prompt, "the staging cluster lost quorum at noon")

	res, err = s.handleLookup(ctx, call(map[string]interface{}{"contains": "quorum"}))
	require.NoError(t, err)
	var list struct {
		Events []models.Event `json:"events"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &list))
	assert.Equal(t, 1, list.Count)

	res, err = s.handleLookup(ctx, call(map[string]interface{}{"order": "sideways"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleRoutingLog(ctx, call(nil))
	require.NoError(t, err)
	var log struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &log))
	assert.Equal(t, 1, log.Count)
}

func TestStatusAndMaintenanceTools(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleGetStatus(ctx, call(nil))
	require.NoError(t, err)
	var st memory.Status
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &st))
	assert.Equal(t, "duckdb", st.Store)

	res, err = s.handleMaintenance(ctx, call(nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.NotNil(t, s.GetMCPServer())
}
