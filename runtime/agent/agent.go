// Package agent defines the strategy port that turns a prompt into a task
// plan, executes individual tasks, and synthesizes the final answer, plus
// the model-backed default implementation used by the engine.
package agent

import (
	"context"

	"goa.design/relay/runtime/memory"
	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/run"
	"goa.design/relay/runtime/task"
)

type (
	// TaskSpec is one planned task before persistence. IDs are scoped to
	// the plan; DependsOn references sibling spec IDs.
	TaskSpec struct {
		ID          string         `json:"id"`
		Type        string         `json:"type"`
		Description string         `json:"description"`
		DependsOn   []string       `json:"dependsOn,omitempty"`
		Params      map[string]any `json:"params,omitempty"`
	}

	// PlanContext carries everything the strategy may consult while
	// planning.
	PlanContext struct {
		// Run is the run being planned.
		Run *run.Run
		// Prompt is the client request text.
		Prompt string
		// History is prior conversation, oldest first.
		History []*model.Message
		// Memory is the retrieved memory bundle, when any.
		Memory *memory.ContextBundle
	}

	// TaskContext carries per-task execution inputs.
	TaskContext struct {
		// Run is the owning run.
		Run *run.Run
		// Dependencies maps completed dependency task IDs to their
		// outputs. Every dependency is present; the scheduler dispatches
		// only when all are DONE.
		Dependencies map[string]*task.Result
		// Memory is the retrieved memory bundle, when any.
		Memory *memory.ContextBundle
	}

	// SynthesisContext carries the terminal task set for the final answer.
	SynthesisContext struct {
		// Run is the run being synthesized.
		Run *run.Run
		// Prompt is the original client request.
		Prompt string
		// Tasks are the run's tasks in insertion order, all terminal.
		Tasks []*task.Task
		// Memory is the retrieved memory bundle, when any.
		Memory *memory.ContextBundle
	}

	// Agent is the strategy driving a run: plan the task graph, execute
	// each task, and synthesize the final answer. Implementations must be
	// safe for concurrent use across runs.
	Agent interface {
		// Plan turns the prompt into a task graph. Returning an error
		// fails the run.
		Plan(ctx context.Context, pc PlanContext) ([]TaskSpec, error)
		// ExecuteTask performs one task. Errors are retried per the
		// scheduler's policy.
		ExecuteTask(ctx context.Context, t *task.Task, tc TaskContext) (*task.Result, error)
		// Synthesize produces the run's final answer from task outputs.
		Synthesize(ctx context.Context, sc SynthesisContext) (string, error)
	}
)

// Validate reports whether the spec can be persisted as a task.
func (s TaskSpec) Validate() error {
	t := task.Task{
		TaskID:       s.ID,
		RunID:        "plan",
		Type:         s.Type,
		Dependencies: s.DependsOn,
		Input:        task.Input{Description: s.Description, Params: s.Params},
	}
	return t.Validate()
}
