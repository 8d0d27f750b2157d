package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"goa.design/relay/runtime/cost"
	"goa.design/relay/runtime/executor"
	"goa.design/relay/runtime/gateway"
	"goa.design/relay/runtime/memory"
	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/run"
	"goa.design/relay/runtime/task"
	"goa.design/relay/runtime/telemetry"
)

// planSchema constrains structured plan generation: a non-empty array of
// task specs with plan-scoped IDs.
const planSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"type": {"type": "string", "minLength": 1},
			"description": {"type": "string", "minLength": 1},
			"dependsOn": {"type": "array", "items": {"type": "string"}},
			"params": {"type": "object"}
		},
		"required": ["id", "type", "description"],
		"additionalProperties": false
	}
}`

const planInstruction = "Decompose the request into a minimal task graph. " +
	"Respond with a JSON array of tasks, each {\"id\", \"type\", \"description\", " +
	"\"dependsOn\", \"params\"}. Use type \"llm\" for reasoning and writing work and " +
	"type \"tool\" with params.tool for tool invocations. Reference dependencies by id."

type (
	// Generator is the slice of the gateway the agent needs. Satisfied by
	// *gateway.Gateway.
	Generator interface {
		GenerateText(ctx context.Context, req *gateway.Request) (*gateway.Result, error)
		GenerateStructured(ctx context.Context, req *gateway.Request, schema []byte, out any) (*gateway.Result, error)
	}

	// MemoryRecorder persists memory extracted from synthesis output.
	// Satisfied by *memory.Coordinator.
	MemoryRecorder interface {
		ExtractAndPersist(ctx context.Context, in memory.ExtractInput) ([]*memory.Event, error)
	}

	// ModelAgentOptions configures a ModelAgent.
	ModelAgentOptions struct {
		// AgentType labels the strategy in ledger entries. Required.
		AgentType string
		// Gateway performs all model calls. Required.
		Gateway Generator
		// Router selects execution backends for tool tasks. Optional;
		// without it tool tasks fail.
		Router *executor.Router
		// Memory records synthesis extractions. Optional.
		Memory MemoryRecorder
		// Builder assembles prompt material. Required.
		Builder ContextBuilder
		// Default is the agent's provider/model preference, consulted
		// after any caller-supplied selection.
		Default gateway.Selection
		// Temperature and MaxTokens pass through to the gateway.
		Temperature float32
		MaxTokens   int
		// Logger defaults to no-op.
		Logger telemetry.Logger
	}

	// ModelAgent is the default strategy: structured plan generation,
	// gateway-backed task execution with executor routing for tool tasks,
	// and gateway-backed synthesis that feeds the memory coordinator.
	// Safe for concurrent use.
	ModelAgent struct {
		agentType   string
		gateway     Generator
		router      *executor.Router
		memory      MemoryRecorder
		builder     ContextBuilder
		defaults    gateway.Selection
		temperature float32
		maxTokens   int
		logger      telemetry.Logger

		mu   sync.Mutex
		envs map[string]*executor.Environment
	}
)

// NewModelAgent validates options and constructs a ModelAgent.
func NewModelAgent(opts ModelAgentOptions) (*ModelAgent, error) {
	if opts.AgentType == "" {
		return nil, errors.New("agent: agent type is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("agent: gateway is required")
	}
	if opts.Builder == nil {
		return nil, errors.New("agent: context builder is required")
	}
	a := &ModelAgent{
		agentType:   opts.AgentType,
		gateway:     opts.Gateway,
		router:      opts.Router,
		memory:      opts.Memory,
		builder:     opts.Builder,
		defaults:    opts.Default,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		logger:      opts.Logger,
		envs:        make(map[string]*executor.Environment),
	}
	if a.logger == nil {
		a.logger = telemetry.NewNoopLogger()
	}
	return a, nil
}

// Plan generates the task graph with schema-constrained output. When the
// model's plan fails validation the agent degrades to a single task
// carrying the whole prompt rather than failing the run.
func (a *ModelAgent) Plan(ctx context.Context, pc PlanContext) ([]TaskSpec, error) {
	built, err := a.builder.Build(BuildInput{
		AgentType: a.agentType,
		Prompt:    pc.Prompt,
		History:   pc.History,
		Memory:    pc.Memory,
	})
	if err != nil {
		return nil, err
	}

	req := a.request(pc.Run, "", cost.PhasePlanning, 0)
	req.System = built.SystemPrompt
	req.Messages = a.messages(built, planInstruction)

	var specs []TaskSpec
	if _, err := a.gateway.GenerateStructured(ctx, req, []byte(planSchema), &specs); err != nil {
		if pe, ok := model.AsProviderError(err); ok && pe.Code() == model.CodeValidationError {
			a.logger.Warn(ctx, "plan output invalid, using fallback plan",
				"run_id", pc.Run.RunID, "err", err)
			return fallbackPlan(pc.Prompt), nil
		}
		return nil, err
	}
	if err := validatePlan(specs); err != nil {
		a.logger.Warn(ctx, "plan inconsistent, using fallback plan",
			"run_id", pc.Run.RunID, "err", err)
		return fallbackPlan(pc.Prompt), nil
	}
	return specs, nil
}

// ExecuteTask performs one task: tool tasks route through the executor
// router, everything else goes to the gateway with completed dependency
// outputs folded into the prompt.
func (a *ModelAgent) ExecuteTask(ctx context.Context, t *task.Task, tc TaskContext) (*task.Result, error) {
	if isToolTask(t) {
		return a.executeTool(ctx, t)
	}

	var sb strings.Builder
	sb.WriteString(t.Input.Description)
	if t.Input.ExpectedOutput != "" {
		fmt.Fprintf(&sb, "\n\nExpected output: %s", t.Input.ExpectedOutput)
	}
	for _, dep := range sortedDeps(tc.Dependencies) {
		fmt.Fprintf(&sb, "\n\nOutput of dependency %q:\n%s", dep, tc.Dependencies[dep].Content)
	}
	if tc.Memory != nil && len(tc.Memory.Events) > 0 {
		sb.WriteString("\n\nRelevant memory:")
		for _, ev := range tc.Memory.Events {
			fmt.Fprintf(&sb, "\n- [%s] %s", ev.Kind, ev.Content)
		}
	}

	req := a.request(tc.Run, t.TaskID, cost.PhaseTask, t.RetryCount)
	req.Messages = []*model.Message{{Role: model.RoleUser, Content: sb.String()}}
	res, err := a.gateway.GenerateText(ctx, req)
	if err != nil {
		return nil, err
	}
	return &task.Result{
		Content: res.Text,
		Metadata: map[string]any{
			"inputTokens":  res.Usage.InputTokens,
			"outputTokens": res.Usage.OutputTokens,
			"costUsd":      res.CostUSD,
		},
	}, nil
}

// Synthesize produces the final answer from task outputs and feeds the
// memory coordinator best-effort.
func (a *ModelAgent) Synthesize(ctx context.Context, sc SynthesisContext) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original request:\n%s\n\nTask outcomes:", sc.Prompt)
	for _, t := range sc.Tasks {
		switch {
		case t.Status == task.StatusDone && t.Output != nil:
			fmt.Fprintf(&sb, "\n\n[%s] (%s) succeeded:\n%s", t.TaskID, t.Type, t.Output.Content)
		case t.Error != nil:
			fmt.Fprintf(&sb, "\n\n[%s] (%s) failed: %s", t.TaskID, t.Type, t.Error.Message)
		default:
			fmt.Fprintf(&sb, "\n\n[%s] (%s) ended %s without output", t.TaskID, t.Type, t.Status)
		}
	}
	sb.WriteString("\n\nSynthesize a single final answer for the original request from these outcomes. " +
		"Note any task that failed and what remains incomplete.")

	req := a.request(sc.Run, "", cost.PhaseSynthesis, 0)
	req.Messages = []*model.Message{{Role: model.RoleUser, Content: sb.String()}}
	res, err := a.gateway.GenerateText(ctx, req)
	if err != nil {
		return "", err
	}

	if a.memory != nil {
		if _, err := a.memory.ExtractAndPersist(ctx, memory.ExtractInput{
			RunID:     sc.Run.RunID,
			SessionID: sc.Run.SessionID,
			Source:    cost.PhaseSynthesis,
			Content:   res.Text,
			Scope:     memory.ScopeSession,
		}); err != nil {
			a.logger.Warn(ctx, "memory extraction failed",
				"run_id", sc.Run.RunID, "err", err)
		}
	}
	return res.Text, nil
}

// Close destroys any environments provisioned for tool execution.
func (a *ModelAgent) Close(ctx context.Context) error {
	a.mu.Lock()
	envs := a.envs
	a.envs = make(map[string]*executor.Environment)
	a.mu.Unlock()

	var errs []error
	for name, env := range envs {
		sel := a.routerExecutor(name)
		if sel == nil {
			continue
		}
		if err := sel.DestroyEnvironment(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s environment: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *ModelAgent) executeTool(ctx context.Context, t *task.Task) (*task.Result, error) {
	if a.router == nil {
		return nil, fmt.Errorf("agent: task %s requires a tool but no executor router is configured", t.TaskID)
	}
	sel := a.router.Select(t)
	a.logger.Debug(ctx, "executor selected",
		"run_id", t.RunID, "task_id", t.TaskID,
		"executor", sel.Executor.Name(), "confidence", sel.Confidence, "reason", sel.Reason)
	env, err := a.environment(ctx, sel.Executor)
	if err != nil {
		return nil, err
	}
	return sel.Executor.ExecuteTask(ctx, env, t)
}

// environment returns the lazily provisioned environment for the backend.
func (a *ModelAgent) environment(ctx context.Context, exec executor.Executor) (*executor.Environment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if env, ok := a.envs[exec.Name()]; ok {
		return env, nil
	}
	env, err := exec.CreateEnvironment(ctx, executor.EnvironmentConfig{})
	if err != nil {
		return nil, fmt.Errorf("agent: create %s environment: %w", exec.Name(), err)
	}
	a.envs[exec.Name()] = env
	return env, nil
}

func (a *ModelAgent) routerExecutor(name string) executor.Executor {
	if a.router == nil {
		return nil
	}
	sel := a.router.Select(&task.Task{TaskID: "close", ExecutorHint: name})
	if sel.Executor.Name() != name {
		return nil
	}
	return sel.Executor
}

// request seeds a gateway request for the run. A provider/model pinned on
// the run input becomes the caller selection so it wins over the agent
// default.
func (a *ModelAgent) request(r *run.Run, taskID string, phase cost.Phase, attempt int) *gateway.Request {
	return &gateway.Request{
		RunID:     r.RunID,
		SessionID: r.SessionID,
		TaskID:    taskID,
		Selection: gateway.Selection{
			Provider: r.Input.ProviderID,
			Model:    r.Input.ModelID,
		},
		AgentType:    a.agentType,
		Phase:        phase,
		AgentDefault: a.defaults,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
		Attempt:      attempt,
	}
}

func (a *ModelAgent) messages(built *BuildOutput, instruction string) []*model.Message {
	var sb strings.Builder
	for _, blk := range built.Blocks {
		fmt.Fprintf(&sb, "[%s]\n%s\n", blk.Name, blk.Content)
	}
	sb.WriteString(built.UserPrompt)
	if instruction != "" {
		sb.WriteString("\n\n")
		sb.WriteString(instruction)
	}
	return []*model.Message{{Role: model.RoleUser, Content: sb.String()}}
}

// isToolTask reports whether the task routes to an execution backend
// rather than the gateway.
func isToolTask(t *task.Task) bool {
	if t.Type == "tool" || t.Type == "shell" {
		return true
	}
	_, ok := t.Input.Params["tool"]
	return ok
}

// fallbackPlan is the degenerate single-task plan used when the model
// cannot produce a valid graph.
func fallbackPlan(prompt string) []TaskSpec {
	return []TaskSpec{{
		ID:          "task-1",
		Type:        "llm",
		Description: prompt,
	}}
}

// validatePlan checks plan-internal consistency: unique IDs, valid specs,
// and dependencies that reference plan members.
func validatePlan(specs []TaskSpec) error {
	if len(specs) == 0 {
		return errors.New("agent: empty plan")
	}
	ids := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("agent: duplicate plan task id %q", s.ID)
		}
		ids[s.ID] = struct{}{}
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("agent: plan task %q depends on unknown task %q", s.ID, dep)
			}
		}
	}
	return nil
}

func sortedDeps(deps map[string]*task.Result) []string {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
