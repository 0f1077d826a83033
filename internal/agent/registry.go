package agent

import (
	"github.com/dethon/relay/internal/config"
)

// Descriptor is one agent a session can be started against, as exposed to
// transports by GetAgents.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Model       string `json:"model"`

	systemPrompt string
	autoApprove  map[string]bool
}

// SystemPrompt returns the agent's system prompt.
func (d Descriptor) SystemPrompt() string {
	return d.systemPrompt
}

// IsAutoApproved reports whether the tool runs without asking the user.
func (d Descriptor) IsAutoApproved(toolName string) bool {
	return d.autoApprove[toolName]
}

// Registry holds the configured agents. Immutable after construction.
type Registry struct {
	agents []Descriptor
	byID   map[string]Descriptor
}

// NewRegistry builds the agent registry from configuration.
func NewRegistry(cfgs []config.AgentConfig) *Registry {
	r := &Registry{
		byID: make(map[string]Descriptor, len(cfgs)),
	}
	for _, cfg := range cfgs {
		auto := make(map[string]bool, len(cfg.AutoApprove))
		for _, tool := range cfg.AutoApprove {
			auto[tool] = true
		}
		d := Descriptor{
			ID:           cfg.ID,
			Name:         cfg.Name,
			Description:  cfg.Description,
			Model:        cfg.Model,
			systemPrompt: cfg.SystemPrompt,
			autoApprove:  auto,
		}
		r.agents = append(r.agents, d)
		r.byID[d.ID] = d
	}
	return r
}

// List returns all configured agents.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, len(r.agents))
	copy(out, r.agents)
	return out
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Validate reports whether the agent id exists.
func (r *Registry) Validate(id string) bool {
	_, ok := r.byID[id]
	return ok
}
