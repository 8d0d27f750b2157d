// Package memory extracts, persists, and retrieves the durable facts an
// agent learns while running. Events are scoped either to a single run or
// to the session shared by many runs; retrieval scores events against the
// current prompt and fits them into a bounded share of the context window.
// All content is validated and redacted before it ever reaches storage.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/runtime/cost"
)

// Scope selects which store an event lives in.
type Scope string

const (
	// ScopeRun confines an event to the run that produced it.
	ScopeRun Scope = "run"
	// ScopeSession shares an event across all runs of a session.
	ScopeSession Scope = "session"
)

// Kind classifies what an event records.
type Kind string

const (
	// KindDecision records a choice the agent made and should not revisit.
	KindDecision Kind = "decision"
	// KindFact records something observed to be true.
	KindFact Kind = "fact"
	// KindConstraint records a requirement that bounds future work.
	KindConstraint Kind = "constraint"
	// KindTodo records follow-up work the agent deferred.
	KindTodo Kind = "todo"
	// KindSummary marks compaction snapshots produced from older events.
	KindSummary Kind = "summary"
)

// MaxContentLen is the longest content the policy accepts, in bytes.
const MaxContentLen = 10_000

// ErrNotFound is returned by store reads for unknown events or snapshots.
var ErrNotFound = errors.New("memory: not found")

type (
	// Event is one persisted memory record.
	Event struct {
		// EventID identifies the event. Assigned by the coordinator when
		// empty.
		EventID string `json:"eventId"`

		// Scope selects run or session storage.
		Scope Scope `json:"scope"`

		// RunID is the run that produced the event.
		RunID string `json:"runId"`

		// SessionID is the session the run belongs to.
		SessionID string `json:"sessionId"`

		// TaskID is set when a specific task produced the event.
		TaskID string `json:"taskId,omitempty"`

		// Kind classifies the record.
		Kind Kind `json:"kind"`

		// Source is the run phase that produced the event.
		Source cost.Phase `json:"source"`

		// Content is the sanitized, redacted text of the record.
		Content string `json:"content"`

		// Confidence grades extraction certainty in [0,1].
		Confidence float64 `json:"confidence"`

		// CreatedAt is the persistence timestamp (UTC).
		CreatedAt time.Time `json:"createdAt"`

		// IdempotencyKey deduplicates persistence of the same extraction.
		IdempotencyKey string `json:"idempotencyKey"`
	}

	// Store persists run-scoped events. Append is idempotent on
	// (RunID, IdempotencyKey) and returns false for duplicates.
	Store interface {
		Append(ctx context.Context, ev *Event) (bool, error)
		ListByRun(ctx context.Context, runID string) ([]*Event, error)
		DeleteByRun(ctx context.Context, runID string) error
	}

	// SessionStore persists session-scoped events independently of any
	// run store. Append is idempotent on (SessionID, IdempotencyKey).
	// Remove and PutSnapshot exist for compaction: the coordinator
	// replaces a prefix of old events with one summary snapshot.
	SessionStore interface {
		Append(ctx context.Context, ev *Event) (bool, error)
		ListBySession(ctx context.Context, sessionID string) ([]*Event, error)
		Remove(ctx context.Context, sessionID string, eventIDs []string) error
		PutSnapshot(ctx context.Context, sessionID string, snapshot *Event) error
		Snapshot(ctx context.Context, sessionID string) (*Event, error)
	}
)

// Validate reports whether the event satisfies the storage contract.
// Content-level checks (length, injection, redaction) are the Policy's job;
// this guards structural identity only.
func (e *Event) Validate() error {
	switch e.Scope {
	case ScopeRun, ScopeSession:
	default:
		return fmt.Errorf("memory: invalid scope %q", e.Scope)
	}
	if e.RunID == "" {
		return errors.New("memory: event requires runId")
	}
	if e.SessionID == "" {
		return errors.New("memory: event requires sessionId")
	}
	if e.Kind == "" {
		return errors.New("memory: event requires kind")
	}
	if e.IdempotencyKey == "" {
		return errors.New("memory: event requires idempotencyKey")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("memory: confidence %v outside [0,1]", e.Confidence)
	}
	return nil
}

// Clone returns a copy so callers can hold events without aliasing storage.
func (e *Event) Clone() *Event {
	cp := *e
	return &cp
}
