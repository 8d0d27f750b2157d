package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/events"
)

func TestSubscribeEmitsEnvelopes(t *testing.T) {
	ctx := context.Background()
	eventCh := make(chan *streaming.Event, 1)
	sink := &fakeSink{
		ch: eventCh,
		ack: func(_ context.Context, evt *streaming.Event) error {
			require.Equal(t, "1-0", evt.ID)
			return nil
		},
	}
	str := &fakeStream{
		newSink: func(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
			require.Equal(t, "relay_subscriber", name)
			return sink, nil
		},
	}
	cli := &fakeClient{stream: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "run/run-123", name)
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	envs, errs, cancel, err := sub.Subscribe(ctx, "run/run-123")
	require.NoError(t, err)
	defer cancel()

	payload, _ := json.Marshal(events.Envelope{
		Version:   events.EnvelopeVersion,
		EventID:   "ev-1",
		RunID:     "run-123",
		Timestamp: time.Now().UTC(),
		Source:    events.SourceBrain,
		Type:      events.TypeMessageEmitted,
		Payload:   map[string]any{"content": "hi"},
	})
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	env := <-envs
	require.Equal(t, events.TypeMessageEmitted, env.Type)
	require.Equal(t, "run-123", env.RunID)
	require.Equal(t, "hi", env.Payload["content"])
	require.Empty(t, errs)
}

func TestSubscribeDecoderError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	sink := &fakeSink{ch: eventCh}
	str := &fakeStream{
		newSink: func(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
			return sink, nil
		},
	}
	cli := &fakeClient{stream: func(string) (clientspulse.Stream, error) { return str, nil }}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (events.Envelope, error) {
			return events.Envelope{}, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	envs, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)
	defer cancel()
	eventCh <- &streaming.Event{Payload: []byte("{}")}
	close(eventCh)

	require.Empty(t, envs)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestStreamsHelperSharesClient(t *testing.T) {
	cli := &fakeClient{stream: func(string) (clientspulse.Stream, error) {
		return &fakeStream{}, nil
	}}
	streams, err := NewStreams(StreamsOptions{Client: cli})
	require.NoError(t, err)
	require.NotNil(t, streams.Sink())

	sub, err := streams.NewSubscriber(SubscriberOptions{})
	require.NoError(t, err)
	require.NotNil(t, sub)

	require.NoError(t, streams.Close(context.Background()))
	require.True(t, cli.closed)
}
