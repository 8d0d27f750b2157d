// Package pulse implements an events.Sink that publishes run envelopes to
// goa.design/pulse streams. It mirrors the layering used by existing Pulse
// deployments: services build a Redis client, pass it to the Pulse client,
// and hand the resulting sink to the engine.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/events"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish envelopes. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an envelope.
		// Defaults to `run/<RunID>`.
		StreamID func(events.Envelope) (string, error)
		// Marshal overrides the envelope serialization (primarily for
		// tests). Defaults to JSON.
		Marshal func(events.Envelope) ([]byte, error)
		// OnPublished, when set, runs after every successful publish with
		// the Redis entry ID. Its error propagates to the caller.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent describes one envelope accepted by Redis.
	PublishedEvent struct {
		// Envelope is the published envelope.
		Envelope events.Envelope
		// StreamID names the Pulse stream the envelope landed on.
		StreamID string
		// EntryID is the ID assigned by Redis (e.g. "1234567890-0").
		EntryID string
	}

	// Sink publishes envelopes into Pulse streams. Thread-safe for
	// concurrent Forward calls.
	Sink struct {
		client      clientspulse.Client
		streamID    func(events.Envelope) (string, error)
		marshal     func(events.Envelope) ([]byte, error)
		onPublished func(ctx context.Context, ev PublishedEvent) error
	}
)

// NewSink constructs a Pulse-backed event sink. The Client field in opts is
// required; StreamID and Marshal default to the built-in implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:      opts.Client,
		streamID:    defaultStreamID,
		marshal:     defaultMarshal,
		onPublished: opts.OnPublished,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Marshal != nil {
		s.marshal = opts.Marshal
	}
	return s, nil
}

// Forward publishes the envelope to the derived Pulse stream. The entry name
// carries the event type so consumers can filter without decoding.
func (s *Sink) Forward(ctx context.Context, env events.Envelope) error {
	streamID, err := s.streamID(env)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := s.marshal(env)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, string(env.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{
			Envelope: env,
			StreamID: streamID,
			EntryID:  entryID,
		})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the
// underlying Pulse client, which may or may not close the Redis connection
// depending on the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the envelope's run ID.
func defaultStreamID(env events.Envelope) (string, error) {
	if env.RunID == "" {
		return "", errors.New("envelope missing run id")
	}
	return fmt.Sprintf("run/%s", env.RunID), nil
}

func defaultMarshal(env events.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
