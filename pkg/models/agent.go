package models

// AgentSummary describes an agent that can be addressed in a project, whether
// or not it has been instantiated yet.
type AgentSummary struct {
	// Name is the display name.
	Name string `json:"name"`
	// Slug is the canonical registry key.
	Slug string `json:"slug"`
	// Description is the authored description or "<name> agent".
	Description string `json:"description"`
	// Role is the authored role text.
	Role string `json:"role,omitempty"`
	// Capabilities lists enabled tool names.
	Capabilities []string `json:"capabilities,omitempty"`
	// PubKey is set for instantiated agents.
	PubKey string `json:"pubkey,omitempty"`
	// Loaded reports whether the agent has an identity yet.
	Loaded bool `json:"loaded"`
}
