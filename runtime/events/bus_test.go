package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/events"
)

func envelope(kind events.Type) events.Envelope {
	return events.Envelope{
		RunID:  "run-1",
		Source: events.SourceBrain,
		Type:   kind,
	}
}

func TestEmitStampsEnvelope(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	var got events.Envelope
	bus.On(events.TypeRunStarted, func(_ context.Context, env events.Envelope) error {
		got = env
		return nil
	})

	require.NoError(t, bus.Emit(context.Background(), envelope(events.TypeRunStarted)))
	require.Equal(t, events.EnvelopeVersion, got.Version)
	require.NotEmpty(t, got.EventID)
	require.False(t, got.Timestamp.IsZero())
}

func TestEmitValidates(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	require.Error(t, bus.Emit(context.Background(), events.Envelope{Type: events.TypeRunStarted}))
	require.Error(t, bus.Emit(context.Background(), events.Envelope{
		RunID: "run-1", Type: events.TypeRunStarted, Source: "mainframe",
	}))
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	var order []string
	bus.On(events.TypeRunStarted, func(context.Context, events.Envelope) error {
		order = append(order, "first")
		return nil
	})
	bus.On(events.TypeAny, func(context.Context, events.Envelope) error {
		order = append(order, "wildcard")
		return nil
	})
	bus.On(events.TypeRunStarted, func(context.Context, events.Envelope) error {
		order = append(order, "second")
		return nil
	})
	bus.On(events.TypeRunCompleted, func(context.Context, events.Envelope) error {
		order = append(order, "other-type")
		return nil
	})

	require.NoError(t, bus.Emit(context.Background(), envelope(events.TypeRunStarted)))
	require.Equal(t, []string{"first", "wildcard", "second"}, order)
}

func TestFailingHandlerDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	var reached []string
	bus.On(events.TypeRunStarted, func(context.Context, events.Envelope) error {
		return errors.New("handler exploded")
	})
	bus.On(events.TypeRunStarted, func(context.Context, events.Envelope) error {
		panic("handler panicked")
	})
	bus.On(events.TypeRunStarted, func(context.Context, events.Envelope) error {
		reached = append(reached, "survivor")
		return nil
	})

	require.NoError(t, bus.Emit(context.Background(), envelope(events.TypeRunStarted)))
	require.Equal(t, []string{"survivor"}, reached)
}

func TestOnceFiresOnce(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	count := 0
	bus.Once(events.TypeRunStarted, func(context.Context, events.Envelope) error {
		count++
		return nil
	})

	ctx := context.Background()
	require.NoError(t, bus.Emit(ctx, envelope(events.TypeRunStarted)))
	require.NoError(t, bus.Emit(ctx, envelope(events.TypeRunStarted)))
	require.Equal(t, 1, count)
}

func TestOffAndClear(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	count := 0
	reg := bus.On(events.TypeRunStarted, func(context.Context, events.Envelope) error {
		count++
		return nil
	})

	ctx := context.Background()
	require.NoError(t, bus.Emit(ctx, envelope(events.TypeRunStarted)))
	bus.Off(reg)
	bus.Off(reg) // idempotent
	require.NoError(t, bus.Emit(ctx, envelope(events.TypeRunStarted)))
	require.Equal(t, 1, count)

	bus.On(events.TypeAny, func(context.Context, events.Envelope) error {
		count += 10
		return nil
	})
	bus.Clear()
	require.NoError(t, bus.Emit(ctx, envelope(events.TypeRunStarted)))
	require.Equal(t, 1, count)
}

func TestHandlerPayloadIsolation(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	bus.On(events.TypeRunStarted, func(_ context.Context, env events.Envelope) error {
		env.Payload["mutated"] = true
		return nil
	})
	var second map[string]any
	bus.On(events.TypeRunStarted, func(_ context.Context, env events.Envelope) error {
		second = env.Payload
		return nil
	})

	env := envelope(events.TypeRunStarted)
	env.Payload = map[string]any{"step": 1}
	require.NoError(t, bus.Emit(context.Background(), env))
	require.NotContains(t, second, "mutated")
}
