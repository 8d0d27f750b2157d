// Package basic provides a simple plan admission policy that enforces
// optional allow/block lists over planned task types and executor hints.
// It is intended to cover the common case where teams want lightweight
// filtering of planned work without building a bespoke policy service.
package basic

import (
	"context"
	"strings"

	"goa.design/relay/runtime/agent"
)

// Options configures the basic admission engine.
type Options struct {
	// AllowTypes restricts admission to the listed task types. Empty means no
	// type filter.
	AllowTypes []string
	// BlockTypes excludes tasks of any of these types.
	BlockTypes []string
	// AllowExecutors restricts executor hints to the listed backends. Tasks
	// without a hint are unaffected.
	AllowExecutors []string
	// BlockExecutors rejects tasks hinting at any of these backends.
	BlockExecutors []string
	// MaxTasks caps how many tasks a single plan may admit. Zero means
	// unlimited.
	MaxTasks int
	// Label annotates emitted decision labels; defaults to "basic".
	Label string
}

type (
	// Engine implements plan admission with allow/block filtering.
	Engine struct {
		allowTypes     map[string]struct{}
		blockTypes     map[string]struct{}
		allowExecutors map[string]struct{}
		blockExecutors map[string]struct{}
		maxTasks       int
		label          string
	}

	// Rejection records one planned task the engine refused and why.
	Rejection struct {
		TaskID string
		Reason string
	}

	// Decision is the outcome of evaluating a plan.
	Decision struct {
		// Admitted holds the specs that passed every filter, in input order.
		Admitted []agent.TaskSpec
		// Rejected lists the refused specs with reasons.
		Rejected []Rejection
		// Labels annotate the decision for logs and journals.
		Labels map[string]string
	}
)

// New builds a new Engine using the supplied options.
func New(opts Options) (*Engine, error) {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "basic"
	}
	return &Engine{
		allowTypes:     toSet(opts.AllowTypes),
		blockTypes:     toSet(opts.BlockTypes),
		allowExecutors: toSet(opts.AllowExecutors),
		blockExecutors: toSet(opts.BlockExecutors),
		maxTasks:       opts.MaxTasks,
		label:          label,
	}, nil
}

// Decide evaluates the admission filters over the planned specs. Specs are
// admitted in input order; rejections never fail the decision, callers
// choose whether a partially rejected plan proceeds.
func (e *Engine) Decide(_ context.Context, specs []agent.TaskSpec) (Decision, error) {
	d := Decision{Labels: map[string]string{"policy_engine": e.label}}
	for _, s := range specs {
		if e.maxTasks > 0 && len(d.Admitted) >= e.maxTasks {
			d.Rejected = append(d.Rejected, Rejection{TaskID: s.ID, Reason: "plan exceeds task cap"})
			continue
		}
		if reason := e.rejectReason(s); reason != "" {
			d.Rejected = append(d.Rejected, Rejection{TaskID: s.ID, Reason: reason})
			continue
		}
		d.Admitted = append(d.Admitted, s)
	}
	return d, nil
}

// Admission returns the engine as a plan admission hook: rejected specs
// are dropped, admitted specs proceed.
func (e *Engine) Admission() func(ctx context.Context, specs []agent.TaskSpec) ([]agent.TaskSpec, error) {
	return func(ctx context.Context, specs []agent.TaskSpec) ([]agent.TaskSpec, error) {
		d, err := e.Decide(ctx, specs)
		if err != nil {
			return nil, err
		}
		return d.Admitted, nil
	}
}

func (e *Engine) rejectReason(s agent.TaskSpec) string {
	if len(e.blockTypes) > 0 {
		if _, blocked := e.blockTypes[s.Type]; blocked {
			return "task type is blocked"
		}
	}
	if len(e.allowTypes) > 0 {
		if _, ok := e.allowTypes[s.Type]; !ok {
			return "task type is not allowed"
		}
	}
	if hint, _ := s.Params["executor"].(string); hint != "" {
		if len(e.blockExecutors) > 0 {
			if _, blocked := e.blockExecutors[hint]; blocked {
				return "executor is blocked"
			}
		}
		if len(e.allowExecutors) > 0 {
			if _, ok := e.allowExecutors[hint]; !ok {
				return "executor is not allowed"
			}
		}
	}
	return ""
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
