package orchestration

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/core"
)

// TaskDefinition is one node of a TaskPlan (spec §3 "Task definition").
type TaskDefinition struct {
	TaskID       string
	Capability   string
	AgentType    string
	Parameters   map[string]interface{}
	Dependencies []string
	Priority     int
	TimeoutMs    int
	Optional     bool
}

// TaskResult is produced when a task completes, fails, or times out (spec
// §3 "Task result").
type TaskResult struct {
	TaskID          string
	AgentType       string
	Data            interface{}
	ErrorMessage    string
	ExecutionTimeMs int64
	Success         bool
}

// TaskPlan is a validated DAG of TaskDefinitions with precomputed
// execution levels (spec §4.7).
type TaskPlan struct {
	PlanID          string
	SessionID       string
	UserQuery       string
	Tasks           map[string]*TaskDefinition
	executionLevels [][]*TaskDefinition
}

// NewTaskPlan validates tasks (no duplicate id, every dependency resolves,
// acyclic) and computes execution levels. Returns InvalidParameters wrapped
// errors on any violation.
func NewTaskPlan(sessionID, userQuery string, tasks []*TaskDefinition) (*TaskPlan, error) {
	byID := make(map[string]*TaskDefinition, len(tasks))
	for _, t := range tasks {
		if t.TaskID == "" {
			return nil, core.NewMeshError("NewTaskPlan", "InvalidParameters", fmt.Errorf("task with empty id: %w", core.ErrInvalidParameters))
		}
		if t.Priority < 1 {
			return nil, core.NewMeshError("NewTaskPlan", "InvalidParameters", fmt.Errorf("task %s: priority must be >= 1: %w", t.TaskID, core.ErrInvalidParameters))
		}
		if _, dup := byID[t.TaskID]; dup {
			return nil, core.NewMeshError("NewTaskPlan", "InvalidParameters", fmt.Errorf("duplicate taskId %q: %w", t.TaskID, core.ErrInvalidParameters))
		}
		byID[t.TaskID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, core.NewMeshError("NewTaskPlan", "InvalidParameters", fmt.Errorf("task %s: unresolved dependency %q: %w", t.TaskID, dep, core.ErrInvalidParameters))
			}
		}
	}

	if err := detectCycle(byID); err != nil {
		return nil, err
	}

	levels := computeLevels(byID)

	return &TaskPlan{
		PlanID:          uuid.NewString(),
		SessionID:       sessionID,
		UserQuery:       userQuery,
		Tasks:           byID,
		executionLevels: levels,
	}, nil
}

// dfsColor: WHITE = unvisited, GRAY = on stack, BLACK = finished.
type dfsColor int

const (
	white dfsColor = iota
	gray
	black
)

func detectCycle(byID map[string]*TaskDefinition) error {
	colors := make(map[string]dfsColor, len(byID))
	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		for _, dep := range byID[id].Dependencies {
			switch colors[dep] {
			case gray:
				return core.NewMeshError("NewTaskPlan", "InvalidParameters", fmt.Errorf("cycle detected at task %q: %w", dep, core.ErrInvalidParameters))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colors[id] = black
		return nil
	}
	for id := range byID {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeLevels assigns level 0 to tasks with no dependencies, level k to
// tasks whose dependencies are all resolved in levels < k (Kahn's-style
// leveling, spec §4.7).
func computeLevels(byID map[string]*TaskDefinition) [][]*TaskDefinition {
	levelOf := make(map[string]int, len(byID))
	remaining := make(map[string]*TaskDefinition, len(byID))
	for id, t := range byID {
		remaining[id] = t
	}

	level := 0
	for len(remaining) > 0 {
		var ready []string
		for id, t := range remaining {
			allResolved := true
			for _, dep := range t.Dependencies {
				if _, stillPending := remaining[dep]; stillPending {
					allResolved = false
					break
				}
			}
			if allResolved {
				ready = append(ready, id)
			}
		}
		for _, id := range ready {
			levelOf[id] = level
			delete(remaining, id)
		}
		level++
	}

	maxLevel := 0
	for _, l := range levelOf {
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]*TaskDefinition, maxLevel+1)
	for id, l := range levelOf {
		levels[l] = append(levels[l], byID[id])
	}
	for _, tasks := range levels {
		sortByPriorityDesc(tasks)
	}
	return levels
}

// sortByPriorityDesc orders tasks by descending priority, breaking ties by
// ascending taskId for stable submission order (spec §4.9 tie-break rule).
func sortByPriorityDesc(tasks []*TaskDefinition) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})
}

// ExecutionLevels returns the precomputed levels.
func (p *TaskPlan) ExecutionLevels() [][]*TaskDefinition {
	return p.executionLevels
}

// NextExecutableTasks returns every task whose dependencies are a subset of
// completedIds, is not itself completed, sorted by descending priority.
func (p *TaskPlan) NextExecutableTasks(completedIds map[string]bool) []*TaskDefinition {
	var out []*TaskDefinition
	for id, t := range p.Tasks {
		if completedIds[id] {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !completedIds[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	sortByPriorityDesc(out)
	return out
}

// IsComplete reports whether every non-optional task is in completedIds.
func (p *TaskPlan) IsComplete(completedIds map[string]bool) bool {
	for id, t := range p.Tasks {
		if t.Optional {
			continue
		}
		if !completedIds[id] {
			return false
		}
	}
	return true
}

// EstimatedDurationMs sums, over levels, the max task timeout in that level.
func (p *TaskPlan) EstimatedDurationMs() int {
	total := 0
	for _, level := range p.executionLevels {
		max := 0
		for _, t := range level {
			if t.TimeoutMs > max {
				max = t.TimeoutMs
			}
		}
		total += max
	}
	return total
}
