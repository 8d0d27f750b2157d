package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/cost"
	"goa.design/relay/runtime/lock"
	"goa.design/relay/runtime/telemetry"
	"goa.design/relay/runtime/token"
)

// Retrieval scoring weights and recency buckets. Lexical overlap dominates,
// confidence refines, recency breaks near-ties.
const (
	overlapWeight    = 5.0
	confidenceWeight = 2.0

	// memoryBudgetShare pins retrieved memory to at most this fraction of
	// the total context token budget.
	memoryBudgetShare = 0.30
)

// Compaction defaults.
const (
	// DefaultMaxEventsPerScope hard-caps stored events per scope.
	DefaultMaxEventsPerScope = 200
	// DefaultCompactionThreshold triggers compaction before the hard cap.
	DefaultCompactionThreshold = 150
	// compactKeep is how many recent events survive a compaction pass.
	compactKeep = 50
)

type (
	// Summarizer condenses a batch of event texts into one summary. The
	// engine wires a gateway loopback here (phase=memory); tests supply a
	// fake.
	Summarizer interface {
		Summarize(ctx context.Context, runID, sessionID string, contents []string) (string, error)
	}

	// ExtractInput names the origin of raw text to mine for events.
	ExtractInput struct {
		// RunID and SessionID locate the producing run. Both required.
		RunID     string
		SessionID string
		// TaskID is set when a task produced the text.
		TaskID string
		// Source is the run phase that produced the text.
		Source cost.Phase
		// Content is the raw text to extract from.
		Content string
		// Scope is the default scope for extracted events; individual
		// extractions may override it.
		Scope Scope
	}

	// RetrieveInput scopes a retrieval query.
	RetrieveInput struct {
		RunID     string
		SessionID string
		// Prompt is the text to score events against.
		Prompt string
	}

	// ContextBundle is the retrieval result.
	ContextBundle struct {
		// Events are the selected records, best first.
		Events []*Event
		// TokenEstimate is the estimated token footprint of Events.
		TokenEstimate int
	}

	// CoordinatorOptions configures a Coordinator.
	CoordinatorOptions struct {
		// RunStore persists run-scoped events. Required.
		RunStore Store
		// SessionStore persists session-scoped events. Required.
		SessionStore SessionStore
		// Estimator sizes retrieval budgets. Required.
		Estimator *token.Estimator
		// Policy validates and redacts content. Required.
		Policy *Policy
		// Summarizer drives compaction. Optional; without it Compact fails
		// and ShouldCompact is advisory only.
		Summarizer Summarizer
		// ContextTokenBudget is the total context window the retrieval
		// budget is a share of. Defaults to 8192.
		ContextTokenBudget int
		// MaxEventsPerScope and CompactionThreshold tune ShouldCompact.
		// Zero selects the defaults.
		MaxEventsPerScope   int
		CompactionThreshold int
		// Logger defaults to no-op.
		Logger telemetry.Logger
		// Clock supplies timestamps; tests override. Defaults to time.Now.
		Clock func() time.Time
	}

	// Coordinator is the memory façade: extraction, persistence, scored
	// retrieval and compaction. Safe for concurrent use; writes are
	// serialized per run (run scope) or per session (session scope).
	Coordinator struct {
		runStore     Store
		sessionStore SessionStore
		extractor    Extractor
		policy       *Policy
		estimator    *token.Estimator
		summarizer   Summarizer
		ctxBudget    int
		maxEvents    int
		compactAt    int
		locks        lock.Keyed
		logger       telemetry.Logger
		clock        func() time.Time
	}
)

// NewCoordinator constructs a Coordinator from options.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	switch {
	case opts.RunStore == nil:
		return nil, fmt.Errorf("memory: coordinator requires a run store")
	case opts.SessionStore == nil:
		return nil, fmt.Errorf("memory: coordinator requires a session store")
	case opts.Estimator == nil:
		return nil, fmt.Errorf("memory: coordinator requires a token estimator")
	case opts.Policy == nil:
		return nil, fmt.Errorf("memory: coordinator requires a policy")
	}
	c := &Coordinator{
		runStore:     opts.RunStore,
		sessionStore: opts.SessionStore,
		policy:       opts.Policy,
		estimator:    opts.Estimator,
		summarizer:   opts.Summarizer,
		ctxBudget:    opts.ContextTokenBudget,
		maxEvents:    opts.MaxEventsPerScope,
		compactAt:    opts.CompactionThreshold,
		logger:       opts.Logger,
		clock:        opts.Clock,
	}
	if c.ctxBudget <= 0 {
		c.ctxBudget = 8192
	}
	if c.maxEvents <= 0 {
		c.maxEvents = DefaultMaxEventsPerScope
	}
	if c.compactAt <= 0 {
		c.compactAt = DefaultCompactionThreshold
	}
	if c.compactAt > c.maxEvents {
		return nil, fmt.Errorf("memory: compaction threshold %d exceeds max events %d", c.compactAt, c.maxEvents)
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c, nil
}

// ExtractAndPersist mines in.Content for memory events, sanitizes them, and
// persists each to the store its scope selects. It returns the events
// actually written; duplicates (by idempotency key) and candidates the
// policy rejects are dropped, the latter logged.
func (c *Coordinator) ExtractAndPersist(ctx context.Context, in ExtractInput) ([]*Event, error) {
	if in.RunID == "" || in.SessionID == "" {
		return nil, fmt.Errorf("memory: extract requires runID and sessionID")
	}
	scope := in.Scope
	if scope == "" {
		scope = ScopeRun
	}

	candidates := c.extractor.Extract(in.Content)
	if len(candidates) == 0 {
		return nil, nil
	}

	var persisted []*Event
	for i, cand := range candidates {
		content, err := c.policy.Sanitize(cand.Content)
		if err != nil {
			c.logger.Debug(ctx, "memory candidate rejected",
				"run_id", in.RunID, "kind", string(cand.Kind), "err", err)
			continue
		}
		evScope := scope
		if cand.Scope != "" {
			evScope = cand.Scope
		}
		ev := &Event{
			EventID:        uuid.NewString(),
			Scope:          evScope,
			RunID:          in.RunID,
			SessionID:      in.SessionID,
			TaskID:         in.TaskID,
			Kind:           cand.Kind,
			Source:         in.Source,
			Content:        content,
			Confidence:     cand.Confidence,
			CreatedAt:      c.clock().UTC(),
			IdempotencyKey: extractionKey(in, cand, i),
		}
		if err := ev.Validate(); err != nil {
			return persisted, err
		}
		written, err := c.append(ctx, ev)
		if err != nil {
			return persisted, err
		}
		if written {
			persisted = append(persisted, ev)
		}
	}
	return persisted, nil
}

func (c *Coordinator) append(ctx context.Context, ev *Event) (bool, error) {
	switch ev.Scope {
	case ScopeSession:
		release := c.locks.Acquire("session:" + ev.SessionID)
		defer release()
		return c.sessionStore.Append(ctx, ev)
	default:
		release := c.locks.Acquire("run:" + ev.RunID)
		defer release()
		return c.runStore.Append(ctx, ev)
	}
}

// extractionKey derives a deterministic idempotency key so re-extracting
// the same source text persists nothing new.
func extractionKey(in ExtractInput, cand Extraction, ordinal int) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		in.RunID, in.TaskID, string(in.Source), string(cand.Kind), cand.Content,
	}, "\x00")))
	return fmt.Sprintf("%s-%d-%s", in.Source, ordinal, hex.EncodeToString(h[:8]))
}

// RetrieveContext returns the stored events most relevant to the prompt,
// drawn from the run's own events and the session's shared events, fitted
// into the memory share of the context token budget.
func (c *Coordinator) RetrieveContext(ctx context.Context, in RetrieveInput) (*ContextBundle, error) {
	runEvents, err := c.runStore.ListByRun(ctx, in.RunID)
	if err != nil {
		return nil, fmt.Errorf("memory: list run events: %w", err)
	}
	sessEvents, err := c.sessionStore.ListBySession(ctx, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("memory: list session events: %w", err)
	}

	all := append(runEvents, sessEvents...)
	now := c.clock().UTC()
	promptTerms := terms(in.Prompt)
	sort.SliceStable(all, func(i, j int) bool {
		return c.score(all[i], promptTerms, now) > c.score(all[j], promptTerms, now)
	})

	budget := int(float64(c.ctxBudget) * memoryBudgetShare)
	bundle := &ContextBundle{}
	for _, ev := range all {
		tokens := c.estimator.Estimate(ev.Content)
		if bundle.TokenEstimate+tokens > budget {
			break
		}
		bundle.Events = append(bundle.Events, ev)
		bundle.TokenEstimate += tokens
	}
	return bundle, nil
}

// score ranks an event for retrieval. Pure given the clock reading.
func (c *Coordinator) score(ev *Event, promptTerms map[string]struct{}, now time.Time) float64 {
	return overlap(promptTerms, ev.Content)*overlapWeight +
		ev.Confidence*confidenceWeight +
		recencyBucket(now.Sub(ev.CreatedAt))
}

// recencyBucket grades event age into the fixed retrieval buckets.
func recencyBucket(age time.Duration) float64 {
	switch {
	case age < time.Hour:
		return 1.0
	case age < 24*time.Hour:
		return 0.8
	case age < 7*24*time.Hour:
		return 0.6
	case age < 30*24*time.Hour:
		return 0.4
	default:
		return 0.2
	}
}

// overlap is the fraction of prompt terms present in content.
func overlap(promptTerms map[string]struct{}, content string) float64 {
	if len(promptTerms) == 0 {
		return 0
	}
	contentTerms := terms(content)
	hits := 0
	for t := range promptTerms {
		if _, ok := contentTerms[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(promptTerms))
}

func terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) >= 3 {
			out[f] = struct{}{}
		}
	}
	return out
}

// ShouldCompact reports whether a scope holding count events is due for
// compaction.
func (c *Coordinator) ShouldCompact(count int, _ Scope) bool {
	return count >= c.maxEvents || count >= c.compactAt
}

// Compact summarizes the oldest session events through the summarizer,
// writes the summary as the session's snapshot event, and removes the
// compacted originals. The whole pass runs inside the session's critical
// section; the most recent events are kept verbatim.
func (c *Coordinator) Compact(ctx context.Context, runID, sessionID string) error {
	if c.summarizer == nil {
		return fmt.Errorf("memory: compaction requires a summarizer")
	}
	release := c.locks.Acquire("session:" + sessionID)
	defer release()

	events, err := c.sessionStore.ListBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("memory: list session events: %w", err)
	}
	// Prior snapshots are folded in through Snapshot below, never
	// re-compacted as regular events.
	regular := events[:0]
	for _, ev := range events {
		if ev.Kind != KindSummary {
			regular = append(regular, ev)
		}
	}
	if len(regular) <= compactKeep {
		return nil
	}
	old := regular[:len(regular)-compactKeep]

	contents := make([]string, 0, len(old)+1)
	if prev, err := c.sessionStore.Snapshot(ctx, sessionID); err == nil && prev != nil {
		contents = append(contents, prev.Content)
	}
	ids := make([]string, len(old))
	for i, ev := range old {
		contents = append(contents, fmt.Sprintf("[%s] %s", ev.Kind, ev.Content))
		ids[i] = ev.EventID
	}

	summary, err := c.summarizer.Summarize(ctx, runID, sessionID, contents)
	if err != nil {
		return fmt.Errorf("memory: summarize session %s: %w", sessionID, err)
	}
	content, err := c.policy.Sanitize(summary)
	if err != nil {
		return fmt.Errorf("memory: summary rejected by policy: %w", err)
	}

	snapshot := &Event{
		EventID:        uuid.NewString(),
		Scope:          ScopeSession,
		RunID:          runID,
		SessionID:      sessionID,
		Kind:           KindSummary,
		Source:         cost.PhaseMemory,
		Content:        content,
		Confidence:     1,
		CreatedAt:      c.clock().UTC(),
		IdempotencyKey: "snapshot-" + uuid.NewString(),
	}
	if err := c.sessionStore.PutSnapshot(ctx, sessionID, snapshot); err != nil {
		return fmt.Errorf("memory: write snapshot: %w", err)
	}
	if err := c.sessionStore.Remove(ctx, sessionID, ids); err != nil {
		return fmt.Errorf("memory: remove compacted events: %w", err)
	}
	c.logger.Info(ctx, "session memory compacted",
		"session_id", sessionID, "compacted", len(ids), "kept", compactKeep)
	return nil
}
