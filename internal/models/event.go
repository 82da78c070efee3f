package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedEvent is wrapped by every ingress validation failure.
var ErrMalformedEvent = errors.New("malformed event")

// EventType is the kind of interaction an event records.
type EventType string

const (
	EventUserInput     EventType = "user_input"
	EventAgentResponse EventType = "agent_response"
	EventSystemNote    EventType = "system_note"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventError         EventType = "error"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventUserInput, EventAgentResponse, EventSystemNote, EventToolCall, EventToolResult, EventError:
		return true
	}
	return false
}

// DocumentClass buckets events into retrievable conversation content and
// everything else.
type DocumentClass string

const (
	ClassCognitive DocumentClass = "cognitive"
	ClassSystem    DocumentClass = "system"
)

// ClassFor returns the document class assigned to an event type on ingress.
// User inputs, agent replies and tool traffic are cognitive; errors and
// system notes are kept for observability only.
func ClassFor(t EventType) DocumentClass {
	switch t {
	case EventError, EventSystemNote:
		return ClassSystem
	default:
		return ClassCognitive
	}
}

// Event is a single append-only memory record.
type Event struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Endpoint      string         `json:"endpoint,omitempty"`
	EventType     EventType      `json:"event_type"`
	Text          string         `json:"texto_semantico"`
	TextHash      string         `json:"texto_hash,omitempty"`
	DocumentClass DocumentClass  `json:"document_class,omitempty"`
	IsSynthetic   bool           `json:"is_synthetic"`
	Success       bool           `json:"success"`
	Vector        []float32      `json:"vector,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// IsError reports whether the event records a failure. Diagnosis flows weigh
// these higher during retrieval.
func (e *Event) IsError() bool {
	if e.EventType == EventError {
		return true
	}
	return (e.EventType == EventToolResult || e.EventType == EventToolCall) && !e.Success
}

// Indexable reports whether the event may ever enter the vector tier.
func (e *Event) Indexable(minChars int) bool {
	if e.DocumentClass != ClassCognitive || e.IsSynthetic {
		return false
	}
	return len([]rune(strings.TrimSpace(e.Text))) >= minChars
}

// Validate checks the fields a caller must supply. Derived fields (hash,
// class) are not checked here; they are filled in by normalisation.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is required", ErrMalformedEvent)
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: unknown event_type %q", ErrMalformedEvent, e.EventType)
	}
	if strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("%w: texto_semantico is required", ErrMalformedEvent)
	}
	if e.DocumentClass != "" && e.DocumentClass != ClassCognitive && e.DocumentClass != ClassSystem {
		return fmt.Errorf("%w: unknown document_class %q", ErrMalformedEvent, e.DocumentClass)
	}
	return nil
}

// DecodeEvent parses a JSON event, rejecting unknown top-level keys.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := DecodeStrict(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// DecodeStrict decodes JSON into target and fails on unknown fields or
// trailing data.
func DecodeStrict(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after object", ErrMalformedEvent)
	}
	return nil
}
