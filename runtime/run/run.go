// Package run defines the Run entity, its state machine, and the store
// contract for durable run persistence. A run is one end-to-end agent
// execution owning an ordered set of tasks; every status change is
// validated against the declared machine before it is written.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the run lifecycle state.
type Status string

const (
	// StatusCreated is the initial state of a freshly persisted run.
	StatusCreated Status = "CREATED"
	// StatusPlanning marks the agent planning the task graph.
	StatusPlanning Status = "PLANNING"
	// StatusRunning marks task execution in progress.
	StatusRunning Status = "RUNNING"
	// StatusPaused marks a run suspended between task dispatches.
	StatusPaused Status = "PAUSED"
	// StatusCompleted is the terminal success state.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed is the terminal failure state.
	StatusFailed Status = "FAILED"
	// StatusCancelled is the terminal externally-aborted state.
	StatusCancelled Status = "CANCELLED"
)

// transitions declares the run state machine. Cancellation from any
// non-terminal state is handled in CanTransition, not listed per state.
var transitions = map[Status][]Status{
	StatusCreated:  {StatusPlanning},
	StatusPlanning: {StatusRunning, StatusFailed},
	StatusRunning:  {StatusCompleted, StatusPaused, StatusFailed},
	StatusPaused:   {StatusRunning},
}

// ErrNotFound is returned by store reads for unknown runs.
var ErrNotFound = errors.New("run: not found")

// InvalidStateTransitionError reports a run transition outside the declared
// machine.
type InvalidStateTransitionError struct {
	RunID string
	From  Status
	To    Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s", e.RunID, e.From, e.To)
}

type (
	// Input is the client-submitted request a run executes.
	Input struct {
		// Prompt is the natural-language request. Required.
		Prompt string `json:"prompt"`
		// ProviderID and ModelID optionally pin the model selection for
		// the whole run. Set together or not at all.
		ProviderID string `json:"providerId,omitempty"`
		ModelID    string `json:"modelId,omitempty"`
		// Metadata carries caller labels passed through to events.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Output is the synthesized result of a completed run.
	Output struct {
		// Content is the final answer text.
		Content string `json:"content"`
		// Metadata carries synthesis details (task counts, cost figures).
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Run is one end-to-end agent execution.
	Run struct {
		// RunID identifies the run (UUID).
		RunID string `json:"runId"`
		// SessionID groups runs sharing session-scoped memory and budget.
		SessionID string `json:"sessionId"`
		// AgentType names the agent strategy driving the run. Required;
		// there is no default strategy.
		AgentType string `json:"agentType"`
		// Input is the client request.
		Input Input `json:"input"`
		// Output is set when the run completes.
		Output *Output `json:"output,omitempty"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// StopReason explains a terminal status when known.
		StopReason string `json:"stopReason,omitempty"`
		// Snapshot is the engine's execution-state snapshot, persisted at
		// phase boundaries for replay. Opaque to this package.
		Snapshot json.RawMessage `json:"snapshot,omitempty"`
		// CreatedAt and UpdatedAt are storage timestamps (UTC).
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// Store persists runs under run:{runId} with a session_runs:{sessionId}
	// index. Writers must serialize externally (the state manager does);
	// stores only guarantee per-operation atomicity.
	Store interface {
		// Create persists a new run and indexes it under its session.
		// Fails when the run ID exists.
		Create(ctx context.Context, r *Run) error
		// Get returns the run or ErrNotFound.
		Get(ctx context.Context, runID string) (*Run, error)
		// Put replaces the stored run. Fails with ErrNotFound for unknown
		// runs.
		Put(ctx context.Context, r *Run) error
		// ListBySession returns the session's run IDs in creation order.
		ListBySession(ctx context.Context, sessionID string) ([]string, error)
		// Delete removes the run and its session index entry.
		Delete(ctx context.Context, runID string) error
	}
)

// Terminal reports whether s is a terminal status.
func Terminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is declared in the machine.
// CANCELLED is reachable from every non-terminal state.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return !Terminal(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change, bumping UpdatedAt.
func (r *Run) Transition(to Status, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return &InvalidStateTransitionError{RunID: r.RunID, From: r.Status, To: to}
	}
	r.Status = to
	r.UpdatedAt = at.UTC()
	return nil
}

// Validate reports whether the run satisfies the storage contract.
func (r *Run) Validate() error {
	if r.RunID == "" {
		return errors.New("run: requires runId")
	}
	if r.SessionID == "" {
		return errors.New("run: requires sessionId")
	}
	if r.AgentType == "" {
		return errors.New("run: requires agentType")
	}
	if r.Input.Prompt == "" {
		return errors.New("run: requires input prompt")
	}
	if (r.Input.ProviderID == "") != (r.Input.ModelID == "") {
		return errors.New("run: providerId and modelId must be set together")
	}
	return nil
}

// Clone returns a deep copy so callers can hold runs without aliasing
// storage.
func (r *Run) Clone() *Run {
	cp := *r
	if r.Input.Metadata != nil {
		cp.Input.Metadata = make(map[string]any, len(r.Input.Metadata))
		for k, v := range r.Input.Metadata {
			cp.Input.Metadata[k] = v
		}
	}
	if r.Output != nil {
		out := *r.Output
		if r.Output.Metadata != nil {
			out.Metadata = make(map[string]any, len(r.Output.Metadata))
			for k, v := range r.Output.Metadata {
				out.Metadata[k] = v
			}
		}
		cp.Output = &out
	}
	if r.Snapshot != nil {
		cp.Snapshot = append(json.RawMessage(nil), r.Snapshot...)
	}
	return &cp
}
