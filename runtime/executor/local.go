package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/task"
	"goa.design/relay/runtime/telemetry"
)

// ToolError reports a tool invocation failure with a taxonomy code so
// agents can distinguish bad inputs from broken tools.
type ToolError struct {
	// Tool is the tool name.
	Tool string
	// Code classifies the failure (VALIDATION_ERROR, INTERNAL_ERROR).
	Code model.Code
	// Err is the underlying cause.
	Err error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("executor: tool %s: %s: %v", e.Tool, e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error { return e.Err }

type (
	// ToolFunc is an in-process tool implementation. The input map has
	// already been validated against the tool's schema.
	ToolFunc func(ctx context.Context, input map[string]any) (any, error)

	toolEntry struct {
		schema *jsonschema.Schema
		fn     ToolFunc
	}

	// LocalOptions configures the in-process executor.
	LocalOptions struct {
		// DefaultTimeout bounds each task. Zero means no timeout.
		DefaultTimeout time.Duration
		// Logger defaults to no-op.
		Logger telemetry.Logger
		// Metrics defaults to no-op.
		Metrics telemetry.Metrics
	}

	// Local runs registered tool functions in-process. Tasks name the
	// tool in Input.Params["tool"] and pass its arguments in
	// Input.Params["input"]; arguments are validated against the tool's
	// JSON Schema before invocation. Safe for concurrent use.
	Local struct {
		Base

		mu    sync.RWMutex
		tools map[string]toolEntry
		envs  map[string]*Environment
		logs  map[string][]chan LogLine
	}
)

// NewLocal constructs the in-process tool executor.
func NewLocal(opts LocalOptions) *Local {
	l := &Local{
		tools: make(map[string]toolEntry),
		envs:  make(map[string]*Environment),
		logs:  make(map[string][]chan LogLine),
	}
	l.Base = Base{
		ExecutorName:   "local",
		DefaultTimeout: opts.DefaultTimeout,
		Execute:        l.execute,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	}
	return l
}

// RegisterTool adds a tool with its input schema. The schema is compiled
// eagerly so malformed schemas fail at registration, not dispatch.
func (l *Local) RegisterTool(name string, schema []byte, fn ToolFunc) error {
	if name == "" {
		return fmt.Errorf("executor: tool requires a name")
	}
	if fn == nil {
		return fmt.Errorf("executor: tool %s requires a function", name)
	}
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return fmt.Errorf("executor: tool %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("executor: tool %s schema: %w", name, err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("executor: tool %s schema: %w", name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.tools[name]; dup {
		return fmt.Errorf("executor: tool %s already registered", name)
	}
	l.tools[name] = toolEntry{schema: compiled, fn: fn}
	return nil
}

// CreateEnvironment registers an in-process environment. No resources are
// provisioned; the environment scopes log streams and timeout config.
func (l *Local) CreateEnvironment(_ context.Context, cfg EnvironmentConfig) (*Environment, error) {
	env := l.NewEnvironment(cfg)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs[env.ID] = env
	return env, nil
}

// StreamLogs returns a channel of tool invocation log lines for the
// environment. The channel closes when the environment is destroyed.
func (l *Local) StreamLogs(_ context.Context, env *Environment) (<-chan LogLine, error) {
	if env == nil {
		return nil, fmt.Errorf("executor: environment is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.envs[env.ID]; !ok {
		return nil, fmt.Errorf("executor: unknown environment %s", env.ID)
	}
	ch := make(chan LogLine, 64)
	l.logs[env.ID] = append(l.logs[env.ID], ch)
	return ch, nil
}

// DestroyEnvironment forgets the environment and closes its log streams.
func (l *Local) DestroyEnvironment(_ context.Context, env *Environment) error {
	if env == nil {
		return fmt.Errorf("executor: environment is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.envs[env.ID]; !ok {
		return fmt.Errorf("executor: unknown environment %s", env.ID)
	}
	for _, ch := range l.logs[env.ID] {
		close(ch)
	}
	delete(l.logs, env.ID)
	delete(l.envs, env.ID)
	return nil
}

func (l *Local) execute(ctx context.Context, env *Environment, t *task.Task) (*task.Result, error) {
	l.mu.RLock()
	_, known := l.envs[env.ID]
	l.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("executor: unknown environment %s", env.ID)
	}

	name, _ := t.Input.Params["tool"].(string)
	if name == "" {
		return nil, fmt.Errorf("executor: task %s names no tool in params", t.TaskID)
	}
	l.mu.RLock()
	entry, ok := l.tools[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: unknown tool %q", name)
	}

	input, _ := t.Input.Params["input"].(map[string]any)
	if input == nil {
		input = map[string]any{}
	}
	if err := entry.schema.Validate(input); err != nil {
		return nil, &ToolError{Tool: name, Code: model.CodeValidationError, Err: err}
	}

	l.emit(env.ID, "stdout", fmt.Sprintf("tool %s started (task %s)", name, t.TaskID))
	out, err := entry.fn(ctx, input)
	if err != nil {
		l.emit(env.ID, "stderr", fmt.Sprintf("tool %s failed: %v", name, err))
		return nil, &ToolError{Tool: name, Code: model.CodeInternalError, Err: err}
	}
	l.emit(env.ID, "stdout", fmt.Sprintf("tool %s completed", name))

	content, ok := out.(string)
	if !ok {
		b, err := json.Marshal(out)
		if err != nil {
			return nil, &ToolError{Tool: name, Code: model.CodeInternalError, Err: err}
		}
		content = string(b)
	}
	return &task.Result{
		Content:  content,
		Metadata: map[string]any{"tool": name},
	}, nil
}

// emit publishes a log line to the environment's subscribers without
// blocking the execution path.
func (l *Local) emit(envID, stream, text string) {
	line := LogLine{Stream: stream, Text: text, At: time.Now().UTC()}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.logs[envID] {
		select {
		case ch <- line:
		default:
		}
	}
}
