// Package events defines the runtime event envelope, the typed pub/sub
// bus that streams run progress to observers, the compatibility layer for
// legacy event names, and the journal contract used to replay a run's
// event history.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EnvelopeVersion is the wire version stamped on every envelope.
const EnvelopeVersion = 1

// Type identifies an event kind. Canonical types use dotted names; legacy
// underscore names are accepted by Normalize.
type Type string

// Canonical event types.
const (
	TypeRunStarted       Type = "run.started"
	TypeRunStatusChanged Type = "run.status.changed"
	TypeMessageEmitted   Type = "message.emitted"
	TypeToolRequested    Type = "tool.requested"
	TypeToolStarted      Type = "tool.started"
	TypeToolCompleted    Type = "tool.completed"
	TypeToolFailed       Type = "tool.failed"
	TypeRunCompleted     Type = "run.completed"
	TypeRunFailed        Type = "run.failed"

	// TypeAny subscribes a handler to every event type.
	TypeAny Type = "*"
)

// Source identifies the component that emitted an event.
type Source string

// Known sources.
const (
	SourceBrain   Source = "brain"
	SourceMuscle  Source = "muscle"
	SourceWeb     Source = "web"
	SourceCLI     Source = "cli"
	SourceDesktop Source = "desktop"
)

var canonicalTypes = map[Type]struct{}{
	TypeRunStarted:       {},
	TypeRunStatusChanged: {},
	TypeMessageEmitted:   {},
	TypeToolRequested:    {},
	TypeToolStarted:      {},
	TypeToolCompleted:    {},
	TypeToolFailed:       {},
	TypeRunCompleted:     {},
	TypeRunFailed:        {},
}

var knownSources = map[Source]struct{}{
	SourceBrain:   {},
	SourceMuscle:  {},
	SourceWeb:     {},
	SourceCLI:     {},
	SourceDesktop: {},
}

// Canonical reports whether t is one of the canonical event types.
func Canonical(t Type) bool {
	_, ok := canonicalTypes[t]
	return ok
}

// Envelope is the wire shape of every runtime event.
type Envelope struct {
	// Version is the envelope wire version.
	Version int `json:"version"`
	// EventID uniquely identifies this emission.
	EventID string `json:"eventId"`
	// RunID is the originating run.
	RunID string `json:"runId"`
	// SessionID groups the run, when known.
	SessionID string `json:"sessionId,omitempty"`
	// Timestamp is the emission time (RFC 3339 on the wire).
	Timestamp time.Time `json:"timestamp"`
	// Source names the emitting component.
	Source Source `json:"source"`
	// Type is the event kind.
	Type Type `json:"type"`
	// Payload carries type-specific fields.
	Payload map[string]any `json:"payload,omitempty"`
}

// ErrorPayload is the normalized error object carried by run.failed and
// tool.failed envelopes.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Validate reports whether the envelope satisfies the wire contract.
// Version, EventID and Timestamp are stamped by the bus and may be zero
// before emission.
func (e Envelope) Validate() error {
	if e.RunID == "" {
		return errors.New("events: envelope requires runId")
	}
	if e.Type == "" {
		return errors.New("events: envelope requires type")
	}
	if e.Source == "" {
		return errors.New("events: envelope requires source")
	}
	if _, ok := knownSources[e.Source]; !ok {
		return fmt.Errorf("events: unknown source %q", e.Source)
	}
	return nil
}

// Clone returns a deep copy of the envelope so handlers can retain it
// without aliasing the emitter's payload map.
func (e Envelope) Clone() Envelope {
	cp := e
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return cp
}

type (
	// Cursor is an opaque pagination token returned by Journal.List.
	Cursor string

	// Page is one slice of a run's journal. Next is empty when the page
	// reaches the end of the recorded history.
	Page struct {
		Envelopes []Envelope
		Next      Cursor
	}

	// Journal records envelopes durably per run for replay. Append order
	// is List order.
	Journal interface {
		// Append records the envelope at the end of the run's history.
		Append(ctx context.Context, env Envelope) error
		// List returns envelopes from the cursor position in append
		// order. An empty cursor starts at the beginning; limit <= 0
		// selects an implementation default.
		List(ctx context.Context, runID string, cursor Cursor, limit int) (*Page, error)
	}

	// Sink forwards envelopes to an external transport (streaming
	// backends, websockets). Forward errors are logged by callers and
	// never fail the emitting operation.
	Sink interface {
		Forward(ctx context.Context, env Envelope) error
		Close(ctx context.Context) error
	}
)
