package models

import "time"

// Intent is a label from the closed classifier taxonomy.
type Intent string

const (
	IntentCorrection        Intent = "correction"
	IntentDiagnosis         Intent = "diagnosis"
	IntentExecuteCLI        Intent = "execute_cli"
	IntentReadFile          Intent = "read_file"
	IntentManageReservation Intent = "manage_reservation"
	IntentGeneralChat       Intent = "general_chat"
)

// Classification methods.
const (
	MethodEmbedding = "embedding"
	MethodEmpty     = "empty"
	MethodFallback  = "fallback"
)

// Classification is the classifier's verdict for one utterance.
type Classification struct {
	Intent                 Intent  `json:"intent"`
	Confidence             float64 `json:"confidence"`
	Method                 string  `json:"method"`
	NeedsExternalGrounding bool    `json:"needs_external_grounding"`
}

// AgentProfile describes which agent and model should serve an intent.
type AgentProfile struct {
	Name         string   `json:"name" yaml:"name"`
	AgentID      string   `json:"agent_id" yaml:"agent_id"`
	ModelID      string   `json:"model_id" yaml:"model_id"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
	Description  string   `json:"description,omitempty" yaml:"description"`
}

// RoutingDecision is the auditable record of one routing call.
type RoutingDecision struct {
	Intent          Intent       `json:"intent"`
	Confidence      float64      `json:"confidence"`
	SelectedProfile AgentProfile `json:"selected_profile"`
	UsedFallback    bool         `json:"used_fallback"`
	Timestamp       time.Time    `json:"timestamp"`
	SessionID       string       `json:"session_id"`
}
