package executor

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"goa.design/relay/runtime/task"
)

// longTaskThreshold is the estimated duration above which a task prefers
// the cloud backend.
const longTaskThreshold = 300 * time.Second

// fallbackOrder is the backend preference when nothing else decides.
var fallbackOrder = []string{"docker", "cloud", "local"}

type (
	// Selection is a routing decision.
	Selection struct {
		// Executor is the chosen backend.
		Executor Executor
		// Confidence grades the decision in (0,1]; a registered hint is
		// always 1.0.
		Confidence float64
		// Reason explains the decision for logs and diagnostics.
		Reason string
	}

	// Router picks the execution backend for a task. Immutable after
	// construction and safe for concurrent use.
	Router struct {
		executors map[string]Executor
	}
)

// NewRouter constructs a Router over the given backends. At least one
// backend is required; duplicate names are rejected.
func NewRouter(execs ...Executor) (*Router, error) {
	if len(execs) == 0 {
		return nil, errors.New("executor: router requires at least one executor")
	}
	byName := make(map[string]Executor, len(execs))
	for _, e := range execs {
		if e == nil {
			return nil, errors.New("executor: nil executor")
		}
		name := e.Name()
		if name == "" {
			return nil, errors.New("executor: executor with empty name")
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("executor: duplicate executor %q", name)
		}
		byName[name] = e
	}
	return &Router{executors: byName}, nil
}

// Executors returns the registered backend names, sorted.
func (r *Router) Executors() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select picks a backend for the task: a registered executor hint wins
// outright, GPU-requiring and long-running tasks prefer cloud, and
// everything else falls through docker, cloud, local. A backend is always
// returned since the registry is never empty.
func (r *Router) Select(t *task.Task) Selection {
	if t.ExecutorHint != "" {
		if e, ok := r.executors[t.ExecutorHint]; ok {
			return Selection{Executor: e, Confidence: 1.0,
				Reason: fmt.Sprintf("executor hint %q is registered", t.ExecutorHint)}
		}
	}
	if t.RequiresGPU {
		if e, ok := r.executors["cloud"]; ok {
			return Selection{Executor: e, Confidence: 0.9,
				Reason: "gpu workload prefers cloud"}
		}
	}
	if t.EstimatedDuration > longTaskThreshold {
		if e, ok := r.executors["cloud"]; ok {
			return Selection{Executor: e, Confidence: 0.8,
				Reason: fmt.Sprintf("estimated duration %v prefers cloud", t.EstimatedDuration)}
		}
	}
	confidence := 0.7
	for _, name := range fallbackOrder {
		if e, ok := r.executors[name]; ok {
			return Selection{Executor: e, Confidence: confidence,
				Reason: fmt.Sprintf("default preference order selected %q", name)}
		}
		confidence -= 0.1
	}
	// Nothing from the preference list is registered; any backend beats
	// none.
	name := r.Executors()[0]
	return Selection{Executor: r.executors[name], Confidence: 0.3,
		Reason: fmt.Sprintf("no preferred backend registered, using %q", name)}
}
