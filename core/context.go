package core

import (
	"context"
	"sync"
)

// agentRecord is the context's own registration record for one agent. The
// broker never sees this; the context exclusively owns it (spec §3
// "Ownership").
type agentRecord struct {
	agent Agent
	state LifecycleState
	mu    sync.Mutex
}

// AgentContext wires agents to a broker, mediating subscribe/unsubscribe/
// publish and driving lifecycle transitions. It exclusively owns the agent
// registration table; the broker exclusively owns the subscription table.
type AgentContext struct {
	broker *Broker
	logger Logger

	mu     sync.RWMutex
	agents map[string]*agentRecord
}

// NewAgentContext binds a context to a broker.
func NewAgentContext(broker *Broker, logger Logger) *AgentContext {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &AgentContext{
		broker: broker,
		logger: logger,
		agents: make(map[string]*agentRecord),
	}
}

// Register transitions an agent CREATED -> INACTIVE. Rejected if the
// agentId is already present.
func (c *AgentContext) Register(agent Agent) error {
	if agent == nil || agent.AgentID() == "" {
		return NewMeshError("AgentContext.Register", "InvalidParameters", ErrInvalidParameters)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.agents[agent.AgentID()]; exists {
		return NewMeshError("AgentContext.Register", "AgentAlreadyExists", ErrAgentAlreadyExists)
	}
	c.agents[agent.AgentID()] = &agentRecord{agent: agent, state: StateInactive}
	c.logger.Info("agent registered", map[string]interface{}{"agent_id": agent.AgentID()})
	return nil
}

// Activate invokes the agent's OnActivate and transitions it INACTIVE ->
// ACTIVE. If OnActivate fails, the agent rolls back to INACTIVE and the
// error is surfaced; the context itself keeps running.
func (c *AgentContext) Activate(ctx context.Context, agentID string) error {
	rec, err := c.lookup(agentID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateInactive {
		return NewMeshError("AgentContext.Activate", "InvalidTransition", ErrInvalidTransition)
	}

	if err := rec.agent.OnActivate(ctx, c); err != nil {
		c.logger.Error("agent activation failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return err
	}
	rec.state = StateActive
	return nil
}

// Deactivate drops the agent's subscriptions, invokes OnDeactivate, and
// transitions ACTIVE -> INACTIVE. Idempotent: deactivating an already
// inactive agent is a no-op.
func (c *AgentContext) Deactivate(ctx context.Context, agentID string) error {
	rec, err := c.lookup(agentID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateActive {
		return nil
	}

	c.broker.UnsubscribeAll(agentID)
	if err := rec.agent.OnDeactivate(ctx); err != nil {
		c.logger.Warn("agent deactivation handler failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
	}
	rec.state = StateInactive
	return nil
}

// Destroy transitions an agent to the terminal DESTROYED state, dropping
// any remaining subscriptions first.
func (c *AgentContext) Destroy(agentID string) error {
	rec, err := c.lookup(agentID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	c.broker.UnsubscribeAll(agentID)
	rec.state = StateDestroyed
	return nil
}

// State returns the current lifecycle state for an agent.
func (c *AgentContext) State(agentID string) (LifecycleState, error) {
	rec, err := c.lookup(agentID)
	if err != nil {
		return StateCreated, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, nil
}

// Subscribe delegates to the broker, tagging subscriberID = agentID.
func (c *AgentContext) Subscribe(agentID, pattern string, handler Handler) error {
	return c.broker.Subscribe(agentID, pattern, handler)
}

// Unsubscribe delegates to the broker.
func (c *AgentContext) Unsubscribe(agentID, pattern string) error {
	return c.broker.Unsubscribe(agentID, pattern)
}

// Publish delegates to the broker. Events are immutable once built (spec
// §4.1 "no setters"), so a caller that built its event without WithSender
// gets a re-built copy tagged with agentID rather than an in-place mutation.
func (c *AgentContext) Publish(ctx context.Context, agentID string, event *Event) error {
	if event.sender == "" {
		tagged := *event
		tagged.sender = agentID
		event = &tagged
	}
	return c.broker.Publish(ctx, event)
}

func (c *AgentContext) lookup(agentID string) (*agentRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.agents[agentID]
	if !ok {
		return nil, NewMeshError("AgentContext", "AgentNotFound", ErrAgentNotFound)
	}
	return rec, nil
}
