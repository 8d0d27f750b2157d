package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/events"
)

// Streams wires a caller-provided Pulse client into the engine. It owns a
// publishing sink (passed to engine.Options.Sink) and can spawn subscribers
// that reuse the same client so services do not need to manage multiple
// Pulse connections.
type Streams struct {
	sink   *Sink
	client clientspulse.Client
}

// StreamsOptions configures the helper returned by NewStreams.
type StreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// It is required and typically built via
	// features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID
	// derivation, marshaling). Leave zero-valued for defaults.
	Sink Options
}

// NewStreams constructs helpers for publishing run envelopes to Pulse and
// subscribing to the resulting streams. Callers pass the returned sink to
// engine.Options.Sink and keep the helper around to create subscribers
// (e.g. SSE fan-out) later on.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &Streams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can pass it to the engine.
func (r *Streams) Sink() events.Sink {
	return r.sink
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the
// helper's client. This keeps stream publishing and consumption on the same
// Redis connection pool.
func (r *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink (and therefore the underlying Pulse
// client). Call this during service shutdown after all subscribers have
// been canceled.
func (r *Streams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
