package orchestration

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/core"
)

// Synthesizer combines an ordered list of TaskResults into a single
// user-facing string (spec §4.10). Pure and stateless; never returns an
// error — on any failure it degrades to the deterministic fallback so the
// orchestrator always has a reply to send (spec §8 invariant 9, "Synthesis
// totality").
type Synthesizer struct {
	tool   PlannerTool
	logger core.Logger
}

// NewSynthesizer wires an optional planner tool (nil forces the
// deterministic path always) and a logger.
func NewSynthesizer(tool PlannerTool, logger core.Logger) *Synthesizer {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Synthesizer{tool: tool, logger: logger}
}

// Synthesize produces the final response text for a session.
func (s *Synthesizer) Synthesize(ctx context.Context, userQuery string, results []*TaskResult) string {
	if s.tool != nil {
		if text, err := s.synthesizeWithTool(ctx, userQuery, results); err == nil {
			return text
		} else {
			s.logger.Warn("synthesis tool failed, using deterministic fallback", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return deterministicSynthesis(results)
}

func (s *Synthesizer) synthesizeWithTool(ctx context.Context, userQuery string, results []*TaskResult) (string, error) {
	prompt := buildSynthesisPrompt(userQuery, results)

	resp, err := s.tool.Invoke(ctx, ToolRequest{
		Operation: "format",
		Parameters: ToolParameters{
			Prompt:      prompt,
			Format:      "format",
			Temperature: 0.7,
		},
		RequestID: userQuery,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.Data == "" {
		return "", core.NewMeshError("Synthesizer.synthesizeWithTool", "SynthesisFallback", fmt.Errorf("%s", resp.ErrorMessage))
	}
	return resp.Data, nil
}

func buildSynthesisPrompt(userQuery string, results []*TaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following task results for the user query %q:\n", userQuery)
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&b, "- %s: %v\n", r.AgentType, r.Data)
		} else {
			fmt.Fprintf(&b, "- %s: failed (%s)\n", r.AgentType, r.ErrorMessage)
		}
	}
	return b.String()
}

// deterministicSynthesis concatenates each task's result in the teacher's
// "Task X: <data>" shape, guaranteeing a non-empty reply.
func deterministicSynthesis(results []*TaskResult) string {
	if len(results) == 0 {
		return "No results were produced for this request."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		if r.Success {
			fmt.Fprintf(&b, "Task %s: %v", r.TaskID, r.Data)
		} else {
			fmt.Fprintf(&b, "Task %s: failed (%s)", r.TaskID, r.ErrorMessage)
		}
	}
	return b.String()
}
