package api

import (
	"net/http"
	"strconv"
)

func jsonContent(schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"application/json": map[string]interface{}{"schema": schema},
	}
}

func ref(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

func errorResponses(codes ...int) map[string]interface{} {
	out := make(map[string]interface{}, len(codes))
	for _, code := range codes {
		out[strconv.Itoa(code)] = map[string]interface{}{
			"description": http.StatusText(code),
			"content":     jsonContent(ref("Error")),
		}
	}
	return out
}

// operation describes one endpoint. request may be empty.
func operation(id, summary, request, response string, errs ...int) map[string]interface{} {
	responses := errorResponses(errs...)
	responses["200"] = map[string]interface{}{
		"description": "OK",
		"content":     jsonContent(ref(response)),
	}
	op := map[string]interface{}{
		"operationId": id,
		"summary":     summary,
		"responses":   responses,
	}
	if request != "" {
		op["requestBody"] = map[string]interface{}{
			"required": true,
			"content":  jsonContent(ref(request)),
		}
	}
	return op
}

func object(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str() map[string]interface{} { return map[string]interface{}{"type": "string"} }

func num() map[string]interface{} { return map[string]interface{}{"type": "number"} }

func integer() map[string]interface{} { return map[string]interface{}{"type": "integer"} }

func boolean() map[string]interface{} { return map[string]interface{}{"type": "boolean"} }

func enum(values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": values}
}

func dateTime() map[string]interface{} {
	return map[string]interface{}{"type": "string", "format": "date-time"}
}

func arrayOf(items map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": items}
}

var (
	eventTypes = []string{"user_input", "agent_response", "system_note", "tool_call", "tool_result", "error"}
	actions    = []string{"use_semantic_results", "continue_conversation", "consult_external_tooling", "direct_response"}
)

// handleOpenAPISpec returns the OpenAPI 3.0 specification
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	getEvent := operation("getEvent", "Get a stored event by id", "", "Event", http.StatusNotFound)
	getEvent["parameters"] = []map[string]interface{}{
		{"name": "id", "in": "path", "required": true, "schema": str()},
	}

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Recall Memory API",
			"description": "Conversation memory and pre-response prompt enrichment for a copilot backend",
			"version":     "1.0.0",
			"contact": map[string]interface{}{
				"name": "Oscillate Labs",
				"url":  "https://github.com/oscillatelabsllc/recall",
			},
			"license": map[string]interface{}{
				"name": "MIT",
				"url":  "https://opensource.org/licenses/MIT",
			},
		},
		"servers": []map[string]interface{}{
			{
				"url":         "http://localhost:8080",
				"description": "Local development server",
			},
		},
		"paths": map[string]interface{}{
			"/health": map[string]interface{}{
				"get": operation("getHealth", "Liveness check", "", "Health"),
			},
			"/ready": map[string]interface{}{
				"get": operation("getReady", "Readiness check: pings the document store and buffer", "", "Health", http.StatusServiceUnavailable),
			},
			"/api/v1/enrich": map[string]interface{}{
				"post": operation("enrichBeforeResponse",
					"Classify, route and enrich an utterance with prior context",
					"EnrichRequest", "EnrichedPrompt", http.StatusBadRequest),
			},
			"/api/v1/turns": map[string]interface{}{
				"post": operation("recordTurn",
					"Persist a completed turn to every memory tier",
					"Turn", "TurnReceipt", http.StatusBadRequest),
			},
			"/api/v1/memory/query": map[string]interface{}{
				"post": operation("lookupMemory",
					"Query stored events with a filter spec",
					"FilterSpec", "EventList", http.StatusBadRequest),
			},
			"/api/v1/memory/events/{id}": map[string]interface{}{
				"get": getEvent,
			},
			"/api/v1/routing/log": map[string]interface{}{
				"get": operation("getRoutingLog", "Recent routing decisions", "", "RoutingLog"),
			},
			"/api/v1/status": map[string]interface{}{
				"get": operation("getStatus", "Tier backends, counts and indexing queue statistics", "", "Status"),
			},
			"/api/v1/maintenance": map[string]interface{}{
				"post": operation("runMaintenance",
					"Delete noise, purge old synthetic events and re-queue unindexed events",
					"", "MaintenanceReport"),
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Error":  object([]string{"error"}, map[string]interface{}{"error": str()}),
				"Health": object([]string{"status"}, map[string]interface{}{"status": str(), "error": str()}),
				"EnrichRequest": object([]string{"utterance", "session_id"}, map[string]interface{}{
					"utterance":  str(),
					"session_id": str(),
					"agent_id":   str(),
					"endpoint":   str(),
				}),
				"Event": object([]string{"session_id", "event_type", "texto_semantico"}, map[string]interface{}{
					"id":              str(),
					"session_id":      str(),
					"agent_id":        str(),
					"timestamp":       dateTime(),
					"endpoint":        str(),
					"event_type":      enum(eventTypes...),
					"texto_semantico": str(),
					"texto_hash":      str(),
					"document_class":  enum("cognitive", "system"),
					"is_synthetic":    boolean(),
					"success":         boolean(),
					"metadata":        map[string]interface{}{"type": "object", "additionalProperties": true},
				}),
				"Turn": object([]string{"user_event"}, map[string]interface{}{
					"user_event":  ref("Event"),
					"agent_event": ref("Event"),
				}),
				"PersistReceipt": object(nil, map[string]interface{}{
					"event_id":    str(),
					"texto_hash":  str(),
					"t2_ok":       boolean(),
					"t1_ok":       boolean(),
					"t3_enqueued": boolean(),
					"duplicate":   boolean(),
					"error":       str(),
				}),
				"TurnReceipt": object([]string{"user"}, map[string]interface{}{
					"user":  ref("PersistReceipt"),
					"agent": ref("PersistReceipt"),
				}),
				"FilterSpec": object(nil, map[string]interface{}{
					"ids":               arrayOf(str()),
					"session_id":        str(),
					"agent_id":          str(),
					"endpoint":          str(),
					"event_type":        enum(eventTypes...),
					"document_class":    enum("cognitive", "system"),
					"since":             dateTime(),
					"until":             dateTime(),
					"time_phrase":       str(),
					"contains":          str(),
					"order":             enum("asc", "desc"),
					"limit":             integer(),
					"exclude_synthetic": boolean(),
				}),
				"EventList": object([]string{"events", "count"}, map[string]interface{}{
					"events": arrayOf(ref("Event")),
					"count":  integer(),
				}),
				"Classification": object(nil, map[string]interface{}{
					"intent":                   str(),
					"confidence":               num(),
					"method":                   enum("embedding", "empty", "fallback"),
					"needs_external_grounding": boolean(),
				}),
				"RoutingDecision": object(nil, map[string]interface{}{
					"intent":           str(),
					"confidence":       num(),
					"selected_profile": ref("AgentProfile"),
					"used_fallback":    boolean(),
					"timestamp":        dateTime(),
					"session_id":       str(),
				}),
				"AgentProfile": object([]string{"name", "agent_id", "model_id"}, map[string]interface{}{
					"name":         str(),
					"agent_id":     str(),
					"model_id":     str(),
					"capabilities": arrayOf(str()),
					"description":  str(),
				}),
				"RoutingLog": object([]string{"decisions", "count"}, map[string]interface{}{
					"decisions": arrayOf(ref("RoutingDecision")),
					"count":     integer(),
				}),
				"EnrichedPrompt": object([]string{"enriched_prompt", "recommended_action"}, map[string]interface{}{
					"enriched_prompt":    str(),
					"enriched":           boolean(),
					"classification":     ref("Classification"),
					"decision":           ref("RoutingDecision"),
					"recommended_action": enum(actions...),
					"bundle_summary":     map[string]interface{}{"type": "object"},
				}),
				"Status": object(nil, map[string]interface{}{
					"buffer":           str(),
					"store":            str(),
					"embedder":         str(),
					"dimensions":       integer(),
					"events":           integer(),
					"vectors":          integer(),
					"queue":            map[string]interface{}{"type": "object"},
					"intents":          arrayOf(str()),
					"routing_log_size": integer(),
					"last_maintenance": ref("MaintenanceReport"),
					"errors":           arrayOf(str()),
				}),
				"MaintenanceReport": object(nil, map[string]interface{}{
					"started_at":       dateTime(),
					"finished_at":      dateTime(),
					"noise_deleted":    integer(),
					"synthetic_purged": integer(),
					"vectors_deleted":  integer(),
					"reindexed":        integer(),
					"errors":           arrayOf(str()),
				}),
			},
		},
	}

	successResponse(w, spec)
}
