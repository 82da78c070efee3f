package models

// Turn is one completed exchange handed to the persistor. AgentEvent may be
// nil when the downstream model produced nothing worth keeping.
type Turn struct {
	UserEvent  *Event `json:"user_event"`
	AgentEvent *Event `json:"agent_event,omitempty"`
}

// PersistReceipt reports the per-tier outcome of persisting one event.
type PersistReceipt struct {
	EventID    string `json:"event_id"`
	TextHash   string `json:"texto_hash"`
	T2OK       bool   `json:"t2_ok"`
	T1OK       bool   `json:"t1_ok"`
	T3Enqueued bool   `json:"t3_enqueued"`
	Duplicate  bool   `json:"duplicate"`
	Error      string `json:"error,omitempty"`
}

// Persisted reports whether the event is durable, either freshly written or
// already present.
func (r PersistReceipt) Persisted() bool {
	return r.T2OK
}

// TurnReceipt bundles the receipts of both events of a turn.
type TurnReceipt struct {
	User  PersistReceipt  `json:"user"`
	Agent *PersistReceipt `json:"agent,omitempty"`
}

// Persisted reports whether every event of the turn reached the document store.
func (r TurnReceipt) Persisted() bool {
	if !r.User.T2OK {
		return false
	}
	return r.Agent == nil || r.Agent.T2OK
}

// TierStatus is the outcome of one tier during retrieval.
type TierStatus string

const (
	TierOK      TierStatus = "ok"
	TierFailed  TierStatus = "failed"
	TierSkipped TierStatus = "skipped"
)
