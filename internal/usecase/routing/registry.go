package routing

import (
	"log/slog"
	"sync"

	"opsbridge/internal/domain"
)

// Registry holds every specialist agent the bridge can dispatch to. Reads
// share the lock; writes are serialized. List and FindByCapability return
// descriptors in registration order, which keeps routing and the discovery
// document deterministic.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]domain.AgentDescriptor
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]domain.AgentDescriptor),
		logger: logger,
	}
}

// Register validates the descriptor and adds it. Returns ErrDuplicateAgent if
// the id is already registered. This is the only place descriptors are
// validated; everything downstream trusts the stored value.
func (r *Registry) Register(desc domain.AgentDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[desc.ID]; exists {
		return domain.ErrDuplicateAgent
	}
	r.agents[desc.ID] = desc
	r.order = append(r.order, desc.ID)
	r.logger.Info("agent registered", "agent_id", desc.ID, "name", desc.Name,
		"capabilities", desc.Capabilities, "local", desc.Local)
	return nil
}

// Unregister removes an agent. Returns ErrAgentNotFound if not present.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return domain.ErrAgentNotFound
	}
	delete(r.agents, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("agent unregistered", "agent_id", agentID)
	return nil
}

// Lookup returns the descriptor for the given ID, or ErrAgentNotFound.
func (r *Registry) Lookup(agentID string) (domain.AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.agents[agentID]
	if !ok {
		return domain.AgentDescriptor{}, domain.ErrAgentNotFound
	}
	return desc, nil
}

// List returns a snapshot of every registered agent in registration order.
func (r *Registry) List() []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// FindByCapability returns every agent carrying the tag, in registration order.
func (r *Registry) FindByCapability(tag string) []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.AgentDescriptor
	for _, id := range r.order {
		if desc := r.agents[id]; desc.HasCapability(tag) {
			out = append(out, desc)
		}
	}
	return out
}
