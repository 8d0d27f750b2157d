// Package cost implements the append-only cost ledger. Every model call the
// gateway completes lands here as an immutable CostEvent; aggregation is
// always derived on read, never stored as a primary figure. Appends are
// idempotent on (runID, idempotencyKey) so the same call reported twice
// (stream finish plus retry, replayed workflows) is recorded exactly once.
package cost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/runtime/pricing"
)

// Phase identifies which stage of a run incurred a cost.
type Phase string

const (
	// PhasePlanning marks model calls made while planning the task graph.
	PhasePlanning Phase = "planning"
	// PhaseTask marks model calls made while executing a task.
	PhaseTask Phase = "task"
	// PhaseSynthesis marks model calls made while synthesizing the final
	// output.
	PhaseSynthesis Phase = "synthesis"
	// PhaseMemory marks model calls made by memory compaction.
	PhaseMemory Phase = "memory"
)

// ErrNotFound is returned by store reads for unknown events.
var ErrNotFound = errors.New("cost: event not found")

type (
	// Event is one immutable ledger entry.
	Event struct {
		// EventID identifies the event within its run. Assigned by the
		// ledger when empty.
		EventID string `json:"eventId"`

		// RunID is the run that incurred the cost.
		RunID string `json:"runId"`

		// SessionID is the session owning the run; session budgets
		// aggregate across it.
		SessionID string `json:"sessionId"`

		// TaskID is the task that incurred the cost, when the phase is
		// task-scoped.
		TaskID string `json:"taskId,omitempty"`

		// AgentType labels the agent strategy that made the call.
		AgentType string `json:"agentType,omitempty"`

		// Phase is the run stage that incurred the cost.
		Phase Phase `json:"phase"`

		// Provider and Model identify the upstream target.
		Provider string `json:"provider"`
		Model    string `json:"model"`

		// Token counts as reported by the provider.
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
		TotalTokens      int `json:"totalTokens"`

		// ProviderCostUSD is the provider-reported cost when available.
		ProviderCostUSD *float64 `json:"providerCostUsd,omitempty"`

		// CalculatedCostUSD is the resolved cost recorded against budgets.
		CalculatedCostUSD float64 `json:"calculatedCostUsd"`

		// PricingSource records which resolution path produced the cost.
		PricingSource pricing.Source `json:"pricingSource"`

		// IdempotencyKey deduplicates appends within the run.
		IdempotencyKey string `json:"idempotencyKey"`

		// CreatedAt is the append timestamp (UTC). Stamped by the ledger
		// when zero.
		CreatedAt time.Time `json:"createdAt"`
	}

	// Spend is a per-dimension aggregation bucket.
	Spend struct {
		// CostUSD is the summed resolved cost.
		CostUSD float64 `json:"costUsd"`
		// Tokens is the summed total token count.
		Tokens int `json:"tokens"`
		// Events counts contributing ledger entries.
		Events int `json:"events"`
	}

	// Summary aggregates a set of ledger events. All figures are derived.
	Summary struct {
		TotalCostUSD float64          `json:"totalCostUsd"`
		TotalTokens  int              `json:"totalTokens"`
		EventCount   int              `json:"eventCount"`
		ByModel      map[string]Spend `json:"byModel"`
		ByProvider   map[string]Spend `json:"byProvider"`
	}

	// Store persists ledger events. Append must be atomic and idempotent
	// on (RunID, IdempotencyKey): implementations return false without
	// mutating storage when the pair already exists. Events returns a
	// run's entries in append order; SessionEvents returns all entries of
	// a session across its runs.
	Store interface {
		Append(ctx context.Context, ev *Event) (bool, error)
		Events(ctx context.Context, runID string) ([]*Event, error)
		SessionEvents(ctx context.Context, sessionID string) ([]*Event, error)
	}
)

// Validate reports whether the event satisfies the ledger contract.
func (e *Event) Validate() error {
	if e.RunID == "" {
		return errors.New("cost: event requires runId")
	}
	if e.SessionID == "" {
		return errors.New("cost: event requires sessionId")
	}
	if e.IdempotencyKey == "" {
		return errors.New("cost: event requires idempotencyKey")
	}
	switch e.Phase {
	case PhasePlanning, PhaseTask, PhaseSynthesis, PhaseMemory:
	default:
		return fmt.Errorf("cost: invalid phase %q", e.Phase)
	}
	if e.PromptTokens < 0 || e.CompletionTokens < 0 || e.TotalTokens < 0 {
		return errors.New("cost: token counts must be non-negative")
	}
	if e.CalculatedCostUSD < 0 {
		return errors.New("cost: calculated cost must be non-negative")
	}
	return nil
}

// Clone returns a deep copy so callers can hold events without aliasing
// ledger storage.
func (e *Event) Clone() *Event {
	cp := *e
	if e.ProviderCostUSD != nil {
		v := *e.ProviderCostUSD
		cp.ProviderCostUSD = &v
	}
	return &cp
}
