package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/lock"
	"goa.design/relay/runtime/pricing"
	"goa.design/relay/runtime/telemetry"
)

type (
	// Ledger is the append-only cost log. It serializes appends per run,
	// enforces idempotency through the backing store and derives all
	// aggregates on read.
	Ledger struct {
		store   Store
		locks   lock.Keyed
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time
	}

	// LedgerOptions configures a Ledger.
	LedgerOptions struct {
		// Store is the backing event store. Required.
		Store Store
		// Logger receives append diagnostics. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics counts appends and duplicate drops. Defaults to no-op.
		Metrics telemetry.Metrics
		// Clock supplies append timestamps. Defaults to time.Now. Tests
		// override it for deterministic ordering.
		Clock func() time.Time
	}
)

// NewLedger constructs a Ledger over the given store.
func NewLedger(opts LedgerOptions) (*Ledger, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("cost: ledger requires a store")
	}
	l := &Ledger{
		store:   opts.Store,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
	}
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	if l.metrics == nil {
		l.metrics = telemetry.NewNoopMetrics()
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	return l, nil
}

// Append records ev in the ledger. It returns true when the event was
// written and false when an event with the same (runID, idempotencyKey)
// already exists, in which case storage is not mutated. Appends for the same
// run are serialized; append order per run is the order Append is entered.
func (l *Ledger) Append(ctx context.Context, ev *Event) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	ev = ev.Clone()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.clock().UTC()
	}

	release := l.locks.Acquire(ev.RunID)
	defer release()

	written, err := l.store.Append(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("cost: append event for run %s: %w", ev.RunID, err)
	}
	if !written {
		l.metrics.IncCounter("cost_ledger_duplicates", 1, "run_id", ev.RunID)
		l.logger.Debug(ctx, "duplicate cost event dropped",
			"run_id", ev.RunID, "idempotency_key", ev.IdempotencyKey)
		return false, nil
	}
	l.metrics.IncCounter("cost_ledger_appends", 1, "provider", ev.Provider, "model", ev.Model)
	l.logger.Debug(ctx, "cost event appended",
		"run_id", ev.RunID, "event_id", ev.EventID, "phase", string(ev.Phase),
		"cost_usd", ev.CalculatedCostUSD, "tokens", ev.TotalTokens)
	return true, nil
}

// Events returns the run's ledger entries in append order.
func (l *Ledger) Events(ctx context.Context, runID string) ([]*Event, error) {
	evs, err := l.store.Events(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("cost: list events for run %s: %w", runID, err)
	}
	return evs, nil
}

// Aggregate derives the run's spend summary from its ledger entries.
func (l *Ledger) Aggregate(ctx context.Context, runID string) (*Summary, error) {
	evs, err := l.Events(ctx, runID)
	if err != nil {
		return nil, err
	}
	return Summarize(evs), nil
}

// SessionAggregate derives the session's spend summary across all of its
// runs. Budget enforcement for per-session limits reads through here.
func (l *Ledger) SessionAggregate(ctx context.Context, sessionID string) (*Summary, error) {
	evs, err := l.store.SessionEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("cost: list events for session %s: %w", sessionID, err)
	}
	return Summarize(evs), nil
}

// Summarize folds events into a Summary. Sums are rounded to the ledger's
// six-decimal USD precision.
func Summarize(evs []*Event) *Summary {
	s := &Summary{
		ByModel:    make(map[string]Spend),
		ByProvider: make(map[string]Spend),
	}
	for _, ev := range evs {
		s.TotalCostUSD += ev.CalculatedCostUSD
		s.TotalTokens += ev.TotalTokens
		s.EventCount++
		addSpend(s.ByModel, ev.Model, ev)
		addSpend(s.ByProvider, ev.Provider, ev)
	}
	s.TotalCostUSD = pricing.RoundUSD(s.TotalCostUSD)
	return s
}

func addSpend(m map[string]Spend, key string, ev *Event) {
	sp := m[key]
	sp.CostUSD = pricing.RoundUSD(sp.CostUSD + ev.CalculatedCostUSD)
	sp.Tokens += ev.TotalTokens
	sp.Events++
	m[key] = sp
}
