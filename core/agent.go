package core

import "context"

// LifecycleState is an agent's position in the CREATED -> INACTIVE ->
// ACTIVE -> DESTROYED state machine (spec §3 "Agent").
type LifecycleState int

const (
	StateCreated LifecycleState = iota
	StateInactive
	StateActive
	StateDestroyed
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInactive:
		return "INACTIVE"
	case StateActive:
		return "ACTIVE"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// Agent is a polymorphic entity with its own handler logic. The
// AgentContext owns its registration record and lifecycle transitions; the
// agent owns onActivate/onDeactivate/handling behavior.
type Agent interface {
	AgentID() string
	Capabilities() []string
	// OnActivate is invoked once, when the context transitions the agent
	// INACTIVE -> ACTIVE. It typically issues Subscribe calls against the
	// AgentContext passed in. An error here is fatal for this agent only:
	// the context rolls the agent back to INACTIVE and surfaces the error.
	OnActivate(ctx context.Context, actx *AgentContext) error
	// OnDeactivate is invoked once, when the context transitions the agent
	// ACTIVE -> INACTIVE (including as part of Deactivate()). Subscriptions
	// have already been dropped by the time this runs.
	OnDeactivate(ctx context.Context) error
}

// AgentInfo is a capability descriptor produced by registry scans and
// consumed by the planner as grounding context (spec §3).
type AgentInfo struct {
	AgentID      string
	Description  string
	Capabilities []string
}
