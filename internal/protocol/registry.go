// ABOUTME: Agent registry: identity entries that recipients are validated against
// ABOUTME: Entries carry no behavior and are not persisted

package protocol

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Agent is a registered participant. Only ID is required.
type Agent struct {
	ID           string
	Type         string
	Name         string
	RegisteredAt time.Time
}

// RegisterAgent adds an agent to the registry.
func (p *Protocol) RegisterAgent(a Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now().UTC()
	}

	p.agentsMu.Lock()
	defer p.agentsMu.Unlock()

	if _, exists := p.agents[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyRegistered, a.ID)
	}
	p.agents[a.ID] = a

	p.logger.Info("agent registered", "agent_id", a.ID, "type", a.Type)
	return nil
}

// UnregisterAgent removes an agent from the registry.
func (p *Protocol) UnregisterAgent(id string) error {
	p.agentsMu.Lock()
	defer p.agentsMu.Unlock()

	if _, exists := p.agents[id]; !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(p.agents, id)

	p.logger.Info("agent unregistered", "agent_id", id)
	return nil
}

// Agent returns the registry entry for id.
func (p *Protocol) Agent(id string) (Agent, bool) {
	p.agentsMu.RLock()
	defer p.agentsMu.RUnlock()
	a, ok := p.agents[id]
	return a, ok
}

// IsRegistered reports whether id is a registered agent.
func (p *Protocol) IsRegistered(id string) bool {
	_, ok := p.Agent(id)
	return ok
}

// Agents returns all registered agents ordered by id.
func (p *Protocol) Agents() []Agent {
	p.agentsMu.RLock()
	out := make([]Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	p.agentsMu.RUnlock()

	slices.SortFunc(out, func(a, b Agent) int { return strings.Compare(a.ID, b.ID) })
	return out
}
