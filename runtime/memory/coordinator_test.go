package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/cost"
	"goa.design/relay/runtime/memory"
	"goa.design/relay/runtime/memory/inmem"
	"goa.design/relay/runtime/token"
)

type fakeSummarizer struct {
	calls   int
	inputs  []string
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, _, _ string, contents []string) (string, error) {
	f.calls++
	f.inputs = contents
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

type fixture struct {
	coord    *memory.Coordinator
	sessions *inmem.SessionStore
	summ     *fakeSummarizer
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	est, err := token.NewEstimator(0)
	require.NoError(t, err)
	policy, err := memory.NewPolicy(est, 0)
	require.NoError(t, err)
	f := &fixture{
		sessions: inmem.NewSession(),
		summ:     &fakeSummarizer{summary: "fact: condensed history"},
		now:      time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	f.coord, err = memory.NewCoordinator(memory.CoordinatorOptions{
		RunStore:     inmem.New(),
		SessionStore: f.sessions,
		Estimator:    est,
		Policy:       policy,
		Summarizer:   f.summ,
		Clock:        func() time.Time { return f.now },
	})
	require.NoError(t, err)
	return f
}

func extract(t *testing.T, f *fixture, runID, sessionID, content string, scope memory.Scope) []*memory.Event {
	t.Helper()
	evs, err := f.coord.ExtractAndPersist(context.Background(), memory.ExtractInput{
		RunID:     runID,
		SessionID: sessionID,
		Source:    cost.PhaseSynthesis,
		Content:   content,
		Scope:     scope,
	})
	require.NoError(t, err)
	return evs
}

func TestExtractAndPersistIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	text := "decision: store events in mongo\nfact: the scheduler retries twice"

	first := extract(t, f, "run-1", "sess-1", text, memory.ScopeRun)
	require.Len(t, first, 2)

	// Re-extracting the same text persists nothing new.
	second := extract(t, f, "run-1", "sess-1", text, memory.ScopeRun)
	require.Empty(t, second)
}

func TestExtractRedactsBeforePersist(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	evs := extract(t, f, "run-1", "sess-1",
		"fact: the oncall address is ops@corp.io", memory.ScopeRun)
	require.Len(t, evs, 1)
	require.Equal(t, "the oncall address is [REDACTED_EMAIL]", evs[0].Content)
}

func TestSessionScopeSharedAcrossRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	extract(t, f, "run-a", "sess-1", "constraint: keep responses under 4k tokens", memory.ScopeSession)

	// A different run of the same session retrieves the event.
	bundle, err := f.coord.RetrieveContext(context.Background(), memory.RetrieveInput{
		RunID:     "run-b",
		SessionID: "sess-1",
		Prompt:    "how long may responses be, in tokens?",
	})
	require.NoError(t, err)
	require.Len(t, bundle.Events, 1)
	require.Positive(t, bundle.TokenEstimate)

	// A different session retrieves nothing.
	bundle, err = f.coord.RetrieveContext(context.Background(), memory.RetrieveInput{
		RunID:     "run-c",
		SessionID: "sess-2",
		Prompt:    "how long may responses be?",
	})
	require.NoError(t, err)
	require.Empty(t, bundle.Events)
}

func TestRetrieveRanksByRelevance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	extract(t, f, "run-1", "sess-1", "fact: the billing cron runs at midnight", memory.ScopeRun)
	extract(t, f, "run-1", "sess-1", "fact: deploys go through the staging cluster", memory.ScopeRun)

	bundle, err := f.coord.RetrieveContext(context.Background(), memory.RetrieveInput{
		RunID:     "run-1",
		SessionID: "sess-1",
		Prompt:    "when does the billing cron run?",
	})
	require.NoError(t, err)
	require.Len(t, bundle.Events, 2)
	require.Contains(t, bundle.Events[0].Content, "billing cron")
}

func TestRetrieveHonorsTokenBudget(t *testing.T) {
	t.Parallel()

	est, err := token.NewEstimator(0)
	require.NoError(t, err)
	policy, err := memory.NewPolicy(est, 0)
	require.NoError(t, err)
	sessions := inmem.NewSession()
	// 100-token context budget pins memory to 30 tokens.
	coord, err := memory.NewCoordinator(memory.CoordinatorOptions{
		RunStore:           inmem.New(),
		SessionStore:       sessions,
		Estimator:          est,
		Policy:             policy,
		ContextTokenBudget: 100,
	})
	require.NoError(t, err)

	// Each record estimates to ~9 tokens, so only three fit the 30-token
	// memory share.
	for i := 0; i < 5; i++ {
		_, err := coord.ExtractAndPersist(context.Background(), memory.ExtractInput{
			RunID:     "run-1",
			SessionID: "sess-1",
			Source:    cost.PhaseTask,
			Content:   fmt.Sprintf("fact: record %d exhaustive detail", i),
			Scope:     memory.ScopeRun,
		})
		require.NoError(t, err)
	}

	bundle, err := coord.RetrieveContext(context.Background(), memory.RetrieveInput{
		RunID: "run-1", SessionID: "sess-1", Prompt: "exhaustive detail",
	})
	require.NoError(t, err)
	require.LessOrEqual(t, bundle.TokenEstimate, 30)
	require.NotEmpty(t, bundle.Events)
	require.Less(t, len(bundle.Events), 5)
}

func TestShouldCompact(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.False(t, f.coord.ShouldCompact(10, memory.ScopeSession))
	require.True(t, f.coord.ShouldCompact(memory.DefaultCompactionThreshold, memory.ScopeSession))
	require.True(t, f.coord.ShouldCompact(memory.DefaultMaxEventsPerScope, memory.ScopeSession))
}

func TestCompactReplacesOldEventsWithSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		evs := extract(t, f, "run-1", "sess-1",
			fmt.Sprintf("fact: observation number %d", i), memory.ScopeSession)
		require.Len(t, evs, 1)
	}

	require.NoError(t, f.coord.Compact(ctx, "run-1", "sess-1"))
	require.Equal(t, 1, f.summ.calls)
	// 60 events, 50 kept, 10 summarized.
	require.Len(t, f.summ.inputs, 10)

	snap, err := f.sessions.Snapshot(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, memory.KindSummary, snap.Kind)
	require.Equal(t, cost.PhaseMemory, snap.Source)

	evs, err := f.sessions.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	// Snapshot plus the 50 survivors.
	require.Len(t, evs, 51)
}

func TestCompactBelowThresholdIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	extract(t, f, "run-1", "sess-1", "fact: only one event", memory.ScopeSession)
	require.NoError(t, f.coord.Compact(context.Background(), "run-1", "sess-1"))
	require.Zero(t, f.summ.calls)
}
