package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/telemetry"
)

type (
	// Handler reacts to one emitted envelope. Handlers run synchronously
	// in registration order; a returned error is logged and does not
	// affect other handlers.
	Handler func(ctx context.Context, env Envelope) error

	// Registration identifies an active handler so it can be removed
	// with Off.
	Registration struct {
		id   uint64
		kind Type
		fn   Handler
		once bool
	}

	// Bus is the typed pub/sub event bus. Registration and emission are
	// thread-safe; emission itself is serialized so observers see emit
	// order across goroutines.
	Bus struct {
		regMu    sync.Mutex
		emitMu   sync.Mutex
		seq      uint64
		handlers map[Type][]*Registration
		logger   telemetry.Logger
		clock    func() time.Time
	}
)

// NewBus constructs an event bus. A nil logger defaults to no-op.
func NewBus(logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{
		handlers: make(map[Type][]*Registration),
		logger:   logger,
		clock:    time.Now,
	}
}

// On registers a handler for the given event type. TypeAny subscribes to
// every type. The returned registration removes the handler via Off.
func (b *Bus) On(kind Type, h Handler) *Registration {
	return b.register(kind, h, false)
}

// Once registers a handler that is removed after its first invocation.
func (b *Bus) Once(kind Type, h Handler) *Registration {
	return b.register(kind, h, true)
}

func (b *Bus) register(kind Type, h Handler, once bool) *Registration {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	b.seq++
	reg := &Registration{id: b.seq, kind: kind, fn: h, once: once}
	b.handlers[kind] = append(b.handlers[kind], reg)
	return reg
}

// Off removes the registration. Removing an already-removed registration
// is a no-op.
func (b *Bus) Off(reg *Registration) {
	if reg == nil {
		return
	}
	b.regMu.Lock()
	defer b.regMu.Unlock()
	b.remove(reg)
}

// Clear removes every registered handler.
func (b *Bus) Clear() {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	b.handlers = make(map[Type][]*Registration)
}

// Emit normalizes, stamps, and delivers the envelope to handlers of its
// type and to TypeAny handlers, in registration order. Handler errors and
// panics are logged and never propagate; emission is serialized so
// observers across goroutines see emit order. Emit fails only when the
// envelope is invalid.
func (b *Bus) Emit(ctx context.Context, env Envelope) error {
	env = Normalize(env)
	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = b.clock().UTC()
	}
	if err := env.Validate(); err != nil {
		return err
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	for _, reg := range b.snapshot(env.Type) {
		b.dispatch(ctx, reg, env.Clone())
	}
	return nil
}

// snapshot collects the handlers for kind plus wildcard handlers, ordered
// by registration sequence, removing Once registrations as it goes.
func (b *Bus) snapshot(kind Type) []*Registration {
	b.regMu.Lock()
	defer b.regMu.Unlock()

	regs := make([]*Registration, 0, len(b.handlers[kind])+len(b.handlers[TypeAny]))
	regs = append(regs, b.handlers[kind]...)
	if kind != TypeAny {
		regs = append(regs, b.handlers[TypeAny]...)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })
	for _, reg := range regs {
		if reg.once {
			b.remove(reg)
		}
	}
	return regs
}

func (b *Bus) dispatch(ctx context.Context, reg *Registration, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, "event handler panicked",
				"type", string(env.Type), "run_id", env.RunID, "panic", r)
		}
	}()
	if err := reg.fn(ctx, env); err != nil {
		b.logger.Error(ctx, "event handler failed",
			"type", string(env.Type), "run_id", env.RunID, "err", err)
	}
}

// remove deletes reg from its type bucket. Caller holds regMu.
func (b *Bus) remove(reg *Registration) {
	bucket := b.handlers[reg.kind]
	for i, r := range bucket {
		if r == reg {
			b.handlers[reg.kind] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}
