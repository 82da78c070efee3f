// Package mcp exposes the memory core as MCP tools over stdio or SSE.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/enrich"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/maintenance"
	"github.com/oscillatelabsllc/recall/internal/memory"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// Memory is the core surface served as tools.
type Memory interface {
	EnrichBeforeResponse(ctx context.Context, req enrich.Request) models.EnrichedPrompt
	RecordTurn(ctx context.Context, turn models.Turn) (models.TurnReceipt, error)
	LookupMemory(ctx context.Context, spec models.FilterSpec) ([]models.Event, error)
	RoutingLog() []models.RoutingDecision
	Status(ctx context.Context) memory.Status
	Maintain(ctx context.Context) (maintenance.Report, error)
}

// Server implements the MCP server for Recall
type Server struct {
	memory    Memory
	logger    *zap.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP server
func NewServer(mem Memory, version string, logger *zap.Logger) *Server {
	s := &Server{
		memory: mem,
		logger: logging.OrNop(logger).With(zap.String("component", "mcp")),
	}

	s.mcpServer = server.NewMCPServer(
		"Recall Memory System",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

func eventSchema(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"description": description,
		"properties": map[string]interface{}{
			"id":              map[string]interface{}{"type": "string"},
			"session_id":      map[string]interface{}{"type": "string"},
			"agent_id":        map[string]interface{}{"type": "string"},
			"timestamp":       map[string]interface{}{"type": "string", "format": "date-time"},
			"endpoint":        map[string]interface{}{"type": "string"},
			"event_type":      map[string]interface{}{"type": "string"},
			"texto_semantico": map[string]interface{}{"type": "string"},
			"success":         map[string]interface{}{"type": "boolean"},
			"metadata":        map[string]interface{}{"type": "object"},
		},
		"required": []string{"session_id", "event_type", "texto_semantico"},
	}
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "enrich_before_response",
		Description: "Classify an utterance, route it to an agent profile and prepend the relevant prior context. Call before answering the user; pass the returned enriched_prompt to the model.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"utterance": map[string]interface{}{
					"type":        "string",
					"description": "The user's raw message",
				},
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Conversation identifier",
				},
				"agent_id": map[string]interface{}{
					"type":        "string",
					"description": "Agent identifier",
				},
				"endpoint": map[string]interface{}{
					"type":        "string",
					"description": "Interface the message arrived through (e.g. 'cli', 'web'). Optional.",
				},
			},
			Required: []string{"utterance", "session_id"},
		},
	}, s.handleEnrich)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "record_turn",
		Description: "Persist a completed turn. Replays of the same text in the same session are reported as duplicates and not stored twice.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_event":  eventSchema("The user's message"),
				"agent_event": eventSchema("The agent's reply. Optional."),
			},
			Required: []string{"user_event"},
		},
	}, s.handleRecordTurn)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "lookup_memory",
		Description: "Query stored events. Every filter is optional; call with no arguments to get the most recent events.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Only events of this session. 'global' or 'unknown' means any session.",
				},
				"agent_id": map[string]interface{}{
					"type":        "string",
					"description": "Only events of this agent",
				},
				"endpoint": map[string]interface{}{
					"type":        "string",
					"description": "Only events from this endpoint",
				},
				"event_type": map[string]interface{}{
					"type":        "string",
					"description": "One of user_input, agent_response, system_note, tool_call, tool_result, error",
				},
				"time_phrase": map[string]interface{}{
					"type":        "string",
					"description": "Relative range such as 'last 24 h', 'today' or 'yesterday'",
				},
				"contains": map[string]interface{}{
					"type":        "string",
					"description": "Exact substring of the text",
				},
				"order": map[string]interface{}{
					"type":        "string",
					"description": "'desc' (default) or 'asc'",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of events (default 20, max 100)",
				},
			},
			Required: []string{},
		},
	}, s.handleLookup)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "routing_log",
		Description: "Recent routing decisions, oldest first",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
			Required:   []string{},
		},
	}, s.handleRoutingLog)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_maintenance",
		Description: "Delete noise, purge old synthetic events and re-queue events missing from the vector index",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
			Required:   []string{},
		},
	}, s.handleMaintenance)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_status",
		Description: "Backends, event counts and indexing queue statistics",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
			Required:   []string{},
		},
	}, s.handleGetStatus)
}

// parseParams converts MCP request arguments to a struct, rejecting unknown
// fields.
func parseParams(args interface{}, target interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return models.DecodeStrict(data, target)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleEnrich(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params enrich.Request
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	return jsonResult(s.memory.EnrichBeforeResponse(ctx, params))
}

func (s *Server) handleRecordTurn(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var turn models.Turn
	if err := parseParams(request.Params.Arguments, &turn); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	receipt, err := s.memory.RecordTurn(ctx, turn)
	if err != nil {
		if errors.Is(err, models.ErrMalformedEvent) {
			return mcp.NewToolResultError(fmt.Sprintf("invalid event: %v", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to record turn: %v", err)), nil
	}
	if !receipt.Persisted() {
		s.logger.Warn("turn not fully persisted", zap.String("user_event", receipt.User.EventID))
	}
	return jsonResult(receipt)
}

func (s *Server) handleLookup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var spec models.FilterSpec
	if err := parseParams(request.Params.Arguments, &spec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	events, err := s.memory.LookupMemory(ctx, spec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}
	if events == nil {
		events = []models.Event{}
	}
	return jsonResult(map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleRoutingLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	decisions := s.memory.RoutingLog()
	if decisions == nil {
		decisions = []models.RoutingDecision{}
	}
	return jsonResult(map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (s *Server) handleMaintenance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.memory.Maintain(ctx)
	if err != nil {
		s.logger.Warn("maintenance finished with errors", zap.Error(err))
	}
	return jsonResult(report)
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.memory.Status(ctx))
}

// Serve starts the MCP server with stdio transport
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for use with other transports (e.g., SSE)
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
