package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/executor"
	"goa.design/relay/runtime/task"
)

// stubExecutor satisfies the contract with a name and a canned result.
type stubExecutor struct {
	executor.Base
}

func newStub(name string) *stubExecutor {
	s := &stubExecutor{}
	s.Base = executor.Base{
		ExecutorName: name,
		Execute: func(_ context.Context, _ *executor.Environment, t *task.Task) (*task.Result, error) {
			return &task.Result{Content: t.TaskID}, nil
		},
	}
	return s
}

func (s *stubExecutor) CreateEnvironment(_ context.Context, cfg executor.EnvironmentConfig) (*executor.Environment, error) {
	return s.NewEnvironment(cfg), nil
}

func (s *stubExecutor) StreamLogs(context.Context, *executor.Environment) (<-chan executor.LogLine, error) {
	ch := make(chan executor.LogLine)
	close(ch)
	return ch, nil
}

func (s *stubExecutor) DestroyEnvironment(context.Context, *executor.Environment) error {
	return nil
}

func routed(t *testing.T, r *executor.Router, tk *task.Task) (string, float64) {
	t.Helper()
	sel := r.Select(tk)
	require.NotNil(t, sel.Executor)
	require.NotEmpty(t, sel.Reason)
	return sel.Executor.Name(), sel.Confidence
}

func TestNewRouterValidation(t *testing.T) {
	t.Parallel()

	_, err := executor.NewRouter()
	require.Error(t, err)

	_, err = executor.NewRouter(newStub("local"), newStub("local"))
	require.Error(t, err)
}

func TestSelectHintWins(t *testing.T) {
	t.Parallel()

	r, err := executor.NewRouter(newStub("local"), newStub("docker"), newStub("cloud"))
	require.NoError(t, err)

	name, conf := routed(t, r, &task.Task{TaskID: "a", ExecutorHint: "local", RequiresGPU: true})
	require.Equal(t, "local", name)
	require.Equal(t, 1.0, conf)

	// An unregistered hint falls through to the other rules.
	name, _ = routed(t, r, &task.Task{TaskID: "a", ExecutorHint: "mainframe"})
	require.Equal(t, "docker", name)
}

func TestSelectGPUAndLongTasksPreferCloud(t *testing.T) {
	t.Parallel()

	r, err := executor.NewRouter(newStub("docker"), newStub("cloud"))
	require.NoError(t, err)

	name, conf := routed(t, r, &task.Task{TaskID: "a", RequiresGPU: true})
	require.Equal(t, "cloud", name)
	require.Equal(t, 0.9, conf)

	name, conf = routed(t, r, &task.Task{TaskID: "a", EstimatedDuration: 10 * time.Minute})
	require.Equal(t, "cloud", name)
	require.Equal(t, 0.8, conf)

	// At the threshold the default order applies.
	name, _ = routed(t, r, &task.Task{TaskID: "a", EstimatedDuration: 300 * time.Second})
	require.Equal(t, "docker", name)
}

func TestSelectDefaultOrder(t *testing.T) {
	t.Parallel()

	r, err := executor.NewRouter(newStub("local"), newStub("cloud"))
	require.NoError(t, err)
	name, conf := routed(t, r, &task.Task{TaskID: "a"})
	require.Equal(t, "cloud", name)
	require.Equal(t, 0.6, conf)

	r, err = executor.NewRouter(newStub("local"))
	require.NoError(t, err)
	name, _ = routed(t, r, &task.Task{TaskID: "a", RequiresGPU: true})
	require.Equal(t, "local", name)
}

func TestSelectFallsBackToAnyRegistered(t *testing.T) {
	t.Parallel()

	r, err := executor.NewRouter(newStub("firecracker"))
	require.NoError(t, err)
	name, conf := routed(t, r, &task.Task{TaskID: "a"})
	require.Equal(t, "firecracker", name)
	require.Equal(t, 0.3, conf)
}
