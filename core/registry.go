package core

import (
	"context"
	"sync"
)

// agentJoinTopic / agentLeaveTopic are the reverse-DNS topics the registry
// listens on to keep its snapshot current (spec §6).
const (
	agentJoinTopic  = "io.amcp.agent.join"
	agentLeaveTopic = "io.amcp.agent.leave"

	legacyAgentJoinTopic  = "agent.join"
	legacyAgentLeaveTopic = "agent.leave"
)

// AgentRegistry maintains an in-memory list of AgentInfo keyed by agentId,
// kept current by listening for io.amcp.agent.join / io.amcp.agent.leave
// (and the legacy agent.join / agent.leave) events on the broker; other
// prefixes are not subscribed. Read-heavy; writes are serialized, reads are
// concurrent.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]AgentInfo
	store  RegistryStore
}

// RegistryStore is an optional persistence hook for the registry snapshot
// (spec §6 "Persisted state layout: an implementation MAY persist ... the
// agent registry as opaque JSON"). The in-memory map above remains the
// source of truth; a store is an operational-visibility mirror.
type RegistryStore interface {
	Save(ctx context.Context, agents []AgentInfo) error
}

// NewAgentRegistry creates an empty registry and wires it to listen for
// join/leave events on broker, accepting both the reverse-DNS and legacy
// wire forms (spec §6).
func NewAgentRegistry(broker *Broker, store RegistryStore) (*AgentRegistry, error) {
	r := &AgentRegistry{
		agents: make(map[string]AgentInfo),
		store:  store,
	}

	handler := func(ctx context.Context, event *Event) error {
		return r.handleEvent(event)
	}

	for _, topic := range []string{agentJoinTopic, agentLeaveTopic, legacyAgentJoinTopic, legacyAgentLeaveTopic} {
		if err := broker.Subscribe("amcp.registry", topic, handler); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *AgentRegistry) handleEvent(event *Event) error {
	switch event.Topic() {
	case agentJoinTopic, legacyAgentJoinTopic:
		info, ok := event.Payload().(AgentInfo)
		if !ok {
			return nil
		}
		r.Put(info)
	case agentLeaveTopic, legacyAgentLeaveTopic:
		id, ok := event.Payload().(string)
		if !ok {
			return nil
		}
		r.Remove(id)
	}
	return nil
}

// Put inserts or replaces an agent's descriptor.
func (r *AgentRegistry) Put(info AgentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[info.AgentID] = info
	r.persistLocked()
}

// Remove drops an agent's descriptor. Missing id is a no-op.
func (r *AgentRegistry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
	r.persistLocked()
}

// persistLocked must be called with r.mu held.
func (r *AgentRegistry) persistLocked() {
	if r.store == nil {
		return
	}
	snapshot := make([]AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		snapshot = append(snapshot, info)
	}
	_ = r.store.Save(context.Background(), snapshot)
}

// DiscoverAgents returns a snapshot of every registered agent.
func (r *AgentRegistry) DiscoverAgents() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info)
	}
	return out
}

// FindByCapability returns every agent advertising the given capability
// tag — used by the planning engine's rule-based fallback to route a task
// when no LLM plan is available.
func (r *AgentRegistry) FindByCapability(capability string) []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AgentInfo
	for _, info := range r.agents {
		for _, c := range info.Capabilities {
			if c == capability {
				out = append(out, info)
				break
			}
		}
	}
	return out
}
