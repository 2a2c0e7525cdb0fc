// Package plannertool provides a deterministic stand-in for the LLM
// planner/synthesizer tool consumed by orchestration.PlannerTool. It is the
// implementation wired into tests and into the demo binary; a production
// deployment swaps in an LLM-backed implementation without touching the
// orchestration package (spec §9 "Planner tool as dynamic dispatch").
package plannertool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/orchestration"
)

// task is the wire shape the stub emits for "plan" operations, matching
// the field schema orchestration.PlanningEngine expects back.
type task struct {
	Capability string                 `json:"capability"`
	Agent      string                 `json:"agent"`
	Priority   int                    `json:"priority"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// route is one entry in the stub's keyword-to-plan table.
type route struct {
	keyword    string
	capability string
	agent      string
	param      string
}

// Stub is a deterministic, canned PlannerTool: it recognizes a small set
// of keywords and returns a fixed one- or two-task plan, and answers
// "format" requests with the prompt text itself, trimmed. It never errors.
type Stub struct {
	routes []route
}

// NewStub returns a stub wired with a default weather/stock routing table,
// matching the S1/S2 scenarios.
func NewStub() *Stub {
	return &Stub{
		routes: []route{
			{keyword: "weather", capability: "weather.get", agent: "weather-agent", param: "location"},
			{keyword: "stock", capability: "stock.quote", agent: "stock-agent", param: "symbol"},
			{keyword: "aapl", capability: "stock.quote", agent: "stock-agent", param: "symbol"},
		},
	}
}

// Invoke implements orchestration.PlannerTool.
func (s *Stub) Invoke(ctx context.Context, req orchestration.ToolRequest) (orchestration.ToolResponse, error) {
	start := time.Now()
	switch req.Operation {
	case "plan":
		return s.plan(req, start), nil
	case "format":
		return s.format(req, start), nil
	default:
		return orchestration.ToolResponse{
			Success:         false,
			ErrorMessage:    fmt.Sprintf("unsupported operation %q", req.Operation),
			RequestID:       req.RequestID,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}
}

func (s *Stub) plan(req orchestration.ToolRequest, start time.Time) orchestration.ToolResponse {
	query := extractQuery(req.Parameters.Prompt)
	lower := strings.ToLower(query)

	var matched []task
	seen := make(map[string]bool)
	for _, r := range s.routes {
		if seen[r.capability] {
			continue
		}
		if strings.Contains(lower, r.keyword) {
			seen[r.capability] = true
			matched = append(matched, task{
				Capability: r.capability,
				Agent:      r.agent,
				Priority:   1,
				Params:     map[string]interface{}{r.param: extractArgument(query, r.keyword)},
			})
		}
	}
	if len(matched) == 0 {
		return orchestration.ToolResponse{
			Success:         false,
			ErrorMessage:    "no route matched",
			RequestID:       req.RequestID,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
	}

	data, _ := json.Marshal(matched)
	return orchestration.ToolResponse{
		Success:         true,
		Data:            string(data),
		RequestID:       req.RequestID,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

func (s *Stub) format(req orchestration.ToolRequest, start time.Time) orchestration.ToolResponse {
	return orchestration.ToolResponse{
		Success:         true,
		Data:            strings.TrimSpace(req.Parameters.Prompt),
		RequestID:       req.RequestID,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

// extractQuery pulls the trailing "User query: ..." line out of the
// planning prompt built by orchestration.buildPlannerPrompt.
func extractQuery(prompt string) string {
	const marker = "User query: "
	idx := strings.LastIndex(prompt, marker)
	if idx == -1 {
		return prompt
	}
	return strings.TrimSpace(prompt[idx+len(marker):])
}

// extractArgument is a best-effort extractor used only to populate a
// parameter value for the canned plan: it returns the word that follows
// keyword in the query if there is one, otherwise the first capitalized
// word, otherwise the whole query.
func extractArgument(query, keyword string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		clean := strings.ToLower(strings.Trim(f, ".,!?"))
		if clean == keyword && i+1 < len(fields) {
			return strings.Trim(fields[i+1], ".,!?")
		}
	}
	for _, f := range fields {
		trimmed := strings.Trim(f, ".,!?")
		if len(trimmed) > 0 && trimmed[0] >= 'A' && trimmed[0] <= 'Z' {
			return trimmed
		}
	}
	return query
}
