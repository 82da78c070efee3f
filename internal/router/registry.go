// Package router selects an agent profile for a classified intent and keeps
// an auditable log of the decisions it made.
package router

import (
	"fmt"
	"sort"

	"github.com/oscillatelabsllc/recall/internal/models"
)

// GeneralProfile is the registry key of the fallback profile.
const GeneralProfile = "general"

// Registry is a read-only mapping from intent label to agent profile.
type Registry struct {
	profiles map[models.Intent]models.AgentProfile
	general  models.AgentProfile
}

// DefaultProfiles returns the built-in registry entries.
func DefaultProfiles() map[string]models.AgentProfile {
	general := models.AgentProfile{
		Name:         GeneralProfile,
		AgentID:      "copilot-general",
		ModelID:      "gpt-4o-mini",
		Capabilities: []string{"conversation"},
		Description:  "General conversation and anything the classifier could not place",
	}
	return map[string]models.AgentProfile{
		GeneralProfile:                   general,
		string(models.IntentGeneralChat): general,
		string(models.IntentCorrection): {
			Name:         "corrector",
			AgentID:      "copilot-corrector",
			ModelID:      "gpt-4o",
			Capabilities: []string{"conversation", "memory_lookup"},
			Description:  "Revises a previous answer using the thread history",
		},
		string(models.IntentDiagnosis): {
			Name:         "diagnostician",
			AgentID:      "copilot-diagnostics",
			ModelID:      "gpt-4o",
			Capabilities: []string{"memory_lookup", "log_inspection", "resource_inspection"},
			Description:  "Investigates failures using recent errors and deployment history",
		},
		string(models.IntentExecuteCLI): {
			Name:         "operator",
			AgentID:      "copilot-operator",
			ModelID:      "gpt-4o",
			Capabilities: []string{"cli_execution", "deployment"},
			Description:  "Plans shell and cloud CLI commands",
		},
		string(models.IntentReadFile): {
			Name:         "reader",
			AgentID:      "copilot-reader",
			ModelID:      "gpt-4o-mini",
			Capabilities: []string{"file_read", "blob_read"},
			Description:  "Reads local and blob-stored files",
		},
		string(models.IntentManageReservation): {
			Name:         "concierge",
			AgentID:      "copilot-concierge",
			ModelID:      "gpt-4o-mini",
			Capabilities: []string{"reservations"},
			Description:  "Creates, changes and cancels reservations",
		},
	}
}

// NewRegistry builds a registry from profiles keyed by intent label. The
// "general" key is required and becomes the fallback.
func NewRegistry(profiles map[string]models.AgentProfile) (*Registry, error) {
	general, ok := profiles[GeneralProfile]
	if !ok {
		return nil, fmt.Errorf("registry has no %q profile", GeneralProfile)
	}
	if general.Name == "" {
		general.Name = GeneralProfile
	}

	r := &Registry{
		profiles: make(map[models.Intent]models.AgentProfile, len(profiles)),
		general:  general,
	}
	for key, p := range profiles {
		if key == GeneralProfile {
			continue
		}
		if p.Name == "" {
			p.Name = key
		}
		r.profiles[models.Intent(key)] = p
	}
	return r, nil
}

// Lookup returns the profile for intent and whether it was registered.
func (r *Registry) Lookup(intent models.Intent) (models.AgentProfile, bool) {
	p, ok := r.profiles[intent]
	return p, ok
}

// General returns the fallback profile.
func (r *Registry) General() models.AgentProfile {
	return r.general
}

// Intents lists the registered intent labels in sorted order.
func (r *Registry) Intents() []models.Intent {
	out := make([]models.Intent, 0, len(r.profiles))
	for intent := range r.profiles {
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
