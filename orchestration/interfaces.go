package orchestration

import "time"

// SessionState is the orchestration session state machine (spec §3, §4.9).
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionPlanning
	SessionDispatching
	SessionCollecting
	SessionSynthesizing
	SessionCompleted
	SessionFailed
	SessionCancelled
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "CREATED"
	case SessionPlanning:
		return "PLANNING"
	case SessionDispatching:
		return "DISPATCHING"
	case SessionCollecting:
		return "COLLECTING"
	case SessionSynthesizing:
		return "SYNTHESIZING"
	case SessionCompleted:
		return "COMPLETED"
	case SessionFailed:
		return "FAILED"
	case SessionCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether s is an absorbing state (spec §8 invariant 4).
func (s SessionState) terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// forwardOf reports whether next is reachable from s by exactly one
// forward edge of the state machine in §4.9, or is the same external
// CANCELLED transition reachable from any non-terminal state.
func (s SessionState) forwardOf(next SessionState) bool {
	if s.terminal() {
		return false
	}
	if next == SessionCancelled {
		return true
	}
	switch s {
	case SessionCreated:
		return next == SessionPlanning
	case SessionPlanning:
		return next == SessionDispatching || next == SessionFailed
	case SessionDispatching:
		return next == SessionCollecting || next == SessionFailed
	case SessionCollecting:
		return next == SessionSynthesizing || next == SessionFailed
	case SessionSynthesizing:
		return next == SessionCompleted || next == SessionFailed
	}
	return false
}

// SessionMode names the strategy that produced a session's plan. Only
// ModeAutonomous (LLM/rule-driven planning, §4.8) is exercised today; the
// field exists so a future workflow-defined planning mode can be added
// without reshaping Session.
type SessionMode string

const (
	ModeAutonomous SessionMode = "autonomous"
)

// OrchestratorConfig tunes session budgets and retry behavior.
type OrchestratorConfig struct {
	SessionTimeout time.Duration
	DefaultRetries int
	OrchestratorID string
	// HistorySize bounds the in-memory ring buffer of recently completed
	// sessions returned by Orchestrator.History(). 0 disables history.
	HistorySize int
}

// DefaultOrchestratorConfig matches spec §4.9's default: zero task retries,
// a 2-minute session-wide budget.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		SessionTimeout: 2 * time.Minute,
		DefaultRetries: 0,
		OrchestratorID: "amcp-orchestrator",
		HistorySize:    100,
	}
}

// Session is the orchestrator's bookkeeping record for one request (spec
// §3 "Orchestration session").
type Session struct {
	SessionID     string
	CorrelationID string
	UserQuery     string
	Mode          SessionMode
	StartTime     time.Time
	State         SessionState
	Plan          *TaskPlan
	TaskResults   map[string]*TaskResult
	FinalResponse string
	ErrorMessage  string
}

// ExecutionRecord is the condensed summary of one finished session kept in
// Orchestrator's bounded history ring buffer, for demos and tests that want
// recent activity without holding the full Session around.
type ExecutionRecord struct {
	SessionID     string
	UserQuery     string
	State         SessionState
	FinalResponse string
	StartTime     time.Time
	DurationMs    int64
}

// OrchestratorStats is the structured metrics snapshot returned by
// Orchestrator.Stats() (spec §4.11).
type OrchestratorStats struct {
	Total         int64
	Successful    int64
	Failed        int64
	Cancelled     int64
	AvgPlanMs     float64
	AvgDispatchMs float64
	AvgCollectMs  float64
	AvgSynthMs    float64
}
