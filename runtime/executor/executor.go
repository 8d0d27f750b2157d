// Package executor defines the execution backend contract for tasks, the
// lifecycle template shared by concrete backends, the router that picks a
// backend per task, and an in-process backend that runs registered tool
// functions with schema-validated inputs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/task"
	"goa.design/relay/runtime/telemetry"
)

type (
	// EnvironmentConfig describes the sandbox an executor should prepare.
	EnvironmentConfig struct {
		// WorkDir is the working directory inside the environment.
		WorkDir string
		// Env holds environment variables visible to task processes.
		Env map[string]string
		// Image names the container image for containerized backends.
		Image string
		// TaskTimeout bounds each task execution; zero uses the executor
		// default.
		TaskTimeout time.Duration
	}

	// Environment is a provisioned execution sandbox. Environments are
	// created before task dispatch and destroyed when the run drains.
	Environment struct {
		// ID uniquely identifies the environment.
		ID string
		// Executor names the backend that owns the environment.
		Executor string
		// Config is the configuration the environment was created with.
		Config EnvironmentConfig
		// CreatedAt is the provisioning time.
		CreatedAt time.Time
	}

	// LogLine is one line of task output streamed from an environment.
	LogLine struct {
		// Stream is "stdout" or "stderr".
		Stream string
		// Text is the line content without the trailing newline.
		Text string
		// At is the emission time.
		At time.Time
	}

	// Executor is an execution backend for tasks. Implementations manage
	// their own environment lifecycle and must be safe for concurrent use.
	Executor interface {
		// Name returns the backend identifier used for routing
		// ("local", "docker", "cloud").
		Name() string
		// CreateEnvironment provisions a sandbox for task execution.
		CreateEnvironment(ctx context.Context, cfg EnvironmentConfig) (*Environment, error)
		// ExecuteTask runs the task inside the environment.
		ExecuteTask(ctx context.Context, env *Environment, t *task.Task) (*task.Result, error)
		// StreamLogs streams task output from the environment. The channel
		// closes when the environment is destroyed or the context ends.
		StreamLogs(ctx context.Context, env *Environment) (<-chan LogLine, error)
		// DestroyEnvironment releases the environment's resources.
		DestroyEnvironment(ctx context.Context, env *Environment) error
	}

	// ExecuteFunc is the work hook a concrete backend injects into Base.
	ExecuteFunc func(ctx context.Context, env *Environment, t *task.Task) (*task.Result, error)

	// Base is the lifecycle template shared by executors: it applies the
	// per-task timeout, tracks execution duration, and records it in the
	// result metadata around the injected ExecuteFunc. Concrete backends
	// embed Base and provide environment management.
	Base struct {
		// ExecutorName is the routing identifier reported by Name.
		ExecutorName string
		// DefaultTimeout bounds task execution when the environment config
		// does not set one. Zero means no timeout.
		DefaultTimeout time.Duration
		// Execute performs the actual work. Required.
		Execute ExecuteFunc
		// Logger defaults to no-op.
		Logger telemetry.Logger
		// Metrics defaults to no-op.
		Metrics telemetry.Metrics
	}
)

// Name returns the backend identifier.
func (b *Base) Name() string { return b.ExecutorName }

// NewEnvironment stamps a fresh environment record for the backend.
func (b *Base) NewEnvironment(cfg EnvironmentConfig) *Environment {
	return &Environment{
		ID:        uuid.NewString(),
		Executor:  b.ExecutorName,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
}

// ExecuteTask applies the timeout policy, invokes the injected hook, and
// stamps the measured duration into the result metadata.
func (b *Base) ExecuteTask(ctx context.Context, env *Environment, t *task.Task) (*task.Result, error) {
	if b.Execute == nil {
		return nil, errors.New("executor: base has no execute hook")
	}
	if env == nil {
		return nil, errors.New("executor: environment is required")
	}
	if t == nil {
		return nil, errors.New("executor: task is required")
	}
	logger := b.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := b.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	timeout := env.Config.TaskTimeout
	if timeout == 0 {
		timeout = b.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := b.Execute(ctx, env, t)
	elapsed := time.Since(started)
	metrics.RecordTimer("executor.task.duration", elapsed, "executor", b.ExecutorName)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("executor %s: task %s timed out after %v: %w",
				b.ExecutorName, t.TaskID, timeout, err)
		}
		logger.Warn(ctx, "task execution failed",
			"executor", b.ExecutorName, "run_id", t.RunID, "task_id", t.TaskID,
			"duration", elapsed, "err", err)
		return nil, err
	}
	if res == nil {
		res = &task.Result{}
	}
	if res.Metadata == nil {
		res.Metadata = make(map[string]any, 2)
	}
	res.Metadata["executor"] = b.ExecutorName
	res.Metadata["durationMs"] = elapsed.Milliseconds()
	logger.Debug(ctx, "task executed",
		"executor", b.ExecutorName, "run_id", t.RunID, "task_id", t.TaskID, "duration", elapsed)
	return res, nil
}
