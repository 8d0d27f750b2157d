package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/events"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse back into
	// envelopes. Custom decoders handle non-standard formats.
	EnvelopeDecoder func([]byte) (events.Envelope, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "relay_subscriber".
		SinkName string
		// Buffer specifies the envelope channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes entry payloads. Defaults to JSON.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes Pulse streams and emits run envelopes. It wraps a
	// Pulse sink (consumer group) and decodes incoming payloads.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; SinkName, Buffer and Decoder default as documented on
// SubscriberOptions.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "relay_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse sink on the given stream ID and returns channels
// for envelopes and errors. It spawns a goroutine that consumes from the
// sink, decodes payloads, and emits envelopes. The returned cancel function
// stops consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	envs, errs, cancel, err := sub.Subscribe(ctx, "run/abc123")
//	defer cancel()
//	for env := range envs {
//	    // process envelope
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan events.Envelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	envs := make(chan events.Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, envs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return envs, errs, cancelFunc, nil
}

// consume reads entries from the Pulse sink channel, decodes them, and emits
// them on the out channel, acking each entry after successful emission. Both
// channels close when ctx is canceled or the sink channel closes; decode and
// ack failures land on errs and end consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- events.Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope format.
func decodeEnvelope(payload []byte) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return events.Envelope{}, err
	}
	return env, nil
}
