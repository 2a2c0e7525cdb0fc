package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/core"
)

// ToolParameters carries the planner tool's request payload (spec §6
// "Planner tool interface").
type ToolParameters struct {
	Prompt      string  `json:"prompt"`
	Format      string  `json:"format,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ToolRequest is the envelope passed to a PlannerTool.
type ToolRequest struct {
	Operation  string         `json:"operation"`
	Parameters ToolParameters `json:"parameters"`
	RequestID  string         `json:"requestId"`
}

// ToolResponse is what a PlannerTool returns.
type ToolResponse struct {
	Success         bool   `json:"success"`
	Data            string `json:"data,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	RequestID       string `json:"requestId"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

// PlannerTool is the opaque LLM (or rule-based stub) collaborator consumed
// by the planning engine and synthesizer. The core treats it as fully
// replaceable (spec §6, §9 "Planner tool as dynamic dispatch").
type PlannerTool interface {
	Invoke(ctx context.Context, req ToolRequest) (ToolResponse, error)
}

// plannedTask is the wire shape an LLM planner is asked to emit: a JSON
// array of these objects (spec §4.8 field schema).
type plannedTask struct {
	Capability   string                 `json:"capability"`
	Agent        string                 `json:"agent"`
	Priority     int                    `json:"priority"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

const defaultTaskTimeoutMs = 30000

// capabilityKeyword pairs a capability tag with the keywords that route to
// it. Kept as an ordered slice (not a map) so the rule-based fallback scans
// buckets in a fixed order and is deterministic even when a query contains
// keywords from more than one bucket (spec §4.8 "weather/stock/travel/chat
// buckets are examples; the set is data-driven from capability tags").
type capabilityKeyword struct {
	capability string
	keywords   []string
}

var capabilityKeywords = []capabilityKeyword{
	{"weather.get", []string{"weather", "temperature", "forecast", "rain", "climate"}},
	{"stock.quote", []string{"stock", "aapl", "share", "ticker", "nasdaq", "equity"}},
	{"travel.plan", []string{"travel", "flight", "itinerary", "trip", "hotel"}},
	{"chat.reply", []string{"hello", "hi", "chat", "talk"}},
}

// PlanningEngine turns a user query into a validated TaskPlan, preferring
// the planner tool and falling back to a deterministic rule-based plan on
// any tool or validation failure (spec §4.8).
type PlanningEngine struct {
	tool   PlannerTool
	logger core.Logger
}

// NewPlanningEngine wires a planner tool (may be nil, forcing the
// rule-based path always) and a logger.
func NewPlanningEngine(tool PlannerTool, logger core.Logger) *PlanningEngine {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &PlanningEngine{tool: tool, logger: logger}
}

// GeneratePlan builds a prompt grounded in the available agents, invokes
// the planner tool, and validates its output. Any failure — tool error,
// malformed JSON, or plan validation failure — falls back to a rule-based
// single-task plan that is guaranteed valid (spec §4.8 "Determinism of
// fallback").
func (e *PlanningEngine) GeneratePlan(ctx context.Context, sessionID, correlationID, userQuery string, agents []core.AgentInfo) *TaskPlan {
	if e.tool != nil {
		if plan, err := e.planWithTool(ctx, sessionID, correlationID, userQuery, agents); err == nil {
			return plan
		} else {
			e.logger.Warn("planner tool failed, using rule-based fallback", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
	}
	return e.fallbackPlan(sessionID, userQuery, agents)
}

func (e *PlanningEngine) planWithTool(ctx context.Context, sessionID, correlationID, userQuery string, agents []core.AgentInfo) (*TaskPlan, error) {
	prompt := buildPlannerPrompt(userQuery, agents)

	resp, err := e.tool.Invoke(ctx, ToolRequest{
		Operation: "plan",
		Parameters: ToolParameters{
			Prompt:      prompt,
			Temperature: 0.1,
		},
		RequestID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, core.NewMeshError("PlanningEngine.planWithTool", "PlanningError", fmt.Errorf("%s", resp.ErrorMessage))
	}

	var planned []plannedTask
	if err := json.Unmarshal([]byte(resp.Data), &planned); err != nil {
		return nil, core.NewMeshError("PlanningEngine.planWithTool", "PlanningError", err)
	}
	if len(planned) == 0 {
		return nil, core.NewMeshError("PlanningEngine.planWithTool", "PlanningError", fmt.Errorf("planner returned zero tasks"))
	}

	tasks := make([]*TaskDefinition, 0, len(planned))
	for _, p := range planned {
		if p.Capability == "" || p.Agent == "" {
			return nil, core.NewMeshError("PlanningEngine.planWithTool", "PlanningError", fmt.Errorf("task missing capability or agent"))
		}
		priority := p.Priority
		if priority < 1 {
			priority = 1
		}
		tasks = append(tasks, &TaskDefinition{
			TaskID:       uuid.NewString(),
			Capability:   p.Capability,
			AgentType:    p.Agent,
			Parameters:   p.Params,
			Dependencies: p.Dependencies,
			Priority:     priority,
			TimeoutMs:    defaultTaskTimeoutMs,
			Optional:     false,
		})
	}

	// The planner cannot know the fresh task ids, so a dependency may name
	// another task's capability; resolve those names to that task's id.
	idByCapability := make(map[string]string, len(tasks))
	for _, t := range tasks {
		idByCapability[t.Capability] = t.TaskID
	}
	for _, t := range tasks {
		for i, dep := range t.Dependencies {
			if id, ok := idByCapability[dep]; ok {
				t.Dependencies[i] = id
			}
		}
	}

	return NewTaskPlan(sessionID, userQuery, tasks)
}

// buildPlannerPrompt assembles the system instruction, agent enumeration,
// few-shot examples, and field schema described in spec §4.8.
func buildPlannerPrompt(userQuery string, agents []core.AgentInfo) string {
	var b strings.Builder
	b.WriteString("Respond with a JSON array of task objects. Each object has fields: ")
	b.WriteString(`capability, agent, priority, dependencies (optional), params (optional).` + "\n\n")
	b.WriteString("Available agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s: capabilities=%v\n", a.AgentID, a.Capabilities)
	}
	b.WriteString("\nExample 1:\n")
	b.WriteString(`[{"capability":"weather.get","agent":"weather-agent","priority":1,"params":{"location":"Paris"}}]` + "\n")
	b.WriteString("Example 2:\n")
	b.WriteString(`[{"capability":"stock.quote","agent":"stock-agent","priority":1,"params":{"symbol":"AAPL"}}]` + "\n\n")
	fmt.Fprintf(&b, "User query: %s\n", userQuery)
	return b.String()
}

// fallbackPlan routes the whole query to the best-matching agent by
// keyword scan, guaranteeing a non-empty, always-valid plan.
func (e *PlanningEngine) fallbackPlan(sessionID, userQuery string, agents []core.AgentInfo) *TaskPlan {
	capability, agentType := matchByKeyword(userQuery, agents)

	task := &TaskDefinition{
		TaskID:     uuid.NewString(),
		Capability: capability,
		AgentType:  agentType,
		Parameters: map[string]interface{}{"query": userQuery},
		Priority:   1,
		TimeoutMs:  defaultTaskTimeoutMs,
		Optional:   false,
	}

	plan, err := NewTaskPlan(sessionID, userQuery, []*TaskDefinition{task})
	if err != nil {
		// A single dependency-free task can never fail validation; this
		// path is unreachable in practice (spec §7 PlanningError note).
		plan = &TaskPlan{
			PlanID:          uuid.NewString(),
			SessionID:       sessionID,
			UserQuery:       userQuery,
			Tasks:           map[string]*TaskDefinition{task.TaskID: task},
			executionLevels: [][]*TaskDefinition{{task}},
		}
	}
	return plan
}

func matchByKeyword(query string, agents []core.AgentInfo) (capability, agentType string) {
	lower := strings.ToLower(query)
	for _, bucket := range capabilityKeywords {
		for _, kw := range bucket.keywords {
			if strings.Contains(lower, kw) {
				if at := findAgentForCapability(bucket.capability, agents); at != "" {
					return bucket.capability, at
				}
				return bucket.capability, bucket.capability
			}
		}
	}
	for _, a := range agents {
		if len(a.Capabilities) > 0 {
			return a.Capabilities[0], a.AgentID
		}
	}
	return "chat.reply", "chat-agent"
}

func findAgentForCapability(capability string, agents []core.AgentInfo) string {
	for _, a := range agents {
		for _, c := range a.Capabilities {
			if c == capability {
				return a.AgentID
			}
		}
	}
	return ""
}

// PlannerExecutionTimeout bounds how long a single planner tool invocation
// may run before the planning engine treats it as failed.
const PlannerExecutionTimeout = 5 * time.Second
