package models

import "time"

// Order is the timestamp ordering of a query.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// Query limits applied by the document store.
const (
	DefaultQueryLimit = 20
	MaxQueryLimit     = 100
)

// FilterSpec selects events from the document store. Every field is
// optional; an empty spec returns the most recent events.
type FilterSpec struct {
	IDs           []string      `json:"ids,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	AgentID       string        `json:"agent_id,omitempty"`
	Endpoint      string        `json:"endpoint,omitempty"`
	EventType     EventType     `json:"event_type,omitempty"`
	DocumentClass DocumentClass `json:"document_class,omitempty"`
	Since         *time.Time    `json:"since,omitempty"`
	Until         *time.Time    `json:"until,omitempty"`
	// TimePhrase is a natural-language range such as "last 24 h" or
	// "yesterday"; it is resolved to Since/Until when the query is built.
	TimePhrase string `json:"time_phrase,omitempty"`
	Contains   string `json:"contains,omitempty"`
	Order      Order  `json:"order,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	// ExcludeSynthetic hides synthetic events.
	ExcludeSynthetic bool `json:"exclude_synthetic,omitempty"`
}
