package gateway_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/budget"
	"goa.design/relay/runtime/cost"
	costinmem "goa.design/relay/runtime/cost/inmem"
	"goa.design/relay/runtime/gateway"
	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/pricing"
	"goa.design/relay/runtime/token"
)

// fakeClient scripts Complete/Stream responses and records invocations.
type fakeClient struct {
	completeCalls int
	streamCalls   int
	resp          *model.Response
	err           error
	chunks        []*model.Chunk
	recvErr       error
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.completeCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	f.streamCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStreamer{chunks: f.chunks, recvErr: f.recvErr}, nil
}

type fakeStreamer struct {
	chunks  []*model.Chunk
	recvErr error
	pos     int
	closed  bool
}

func (f *fakeStreamer) Recv() (*model.Chunk, error) {
	if f.pos >= len(f.chunks) {
		if f.recvErr != nil {
			return nil, f.recvErr
		}
		return nil, io.EOF
	}
	ch := f.chunks[f.pos]
	f.pos++
	return ch, nil
}

func (f *fakeStreamer) Close() error {
	f.closed = true
	return nil
}

type env struct {
	gw     *gateway.Gateway
	client *fakeClient
	ledger *cost.Ledger
	caps   *gateway.StaticCapabilities
}

func usage(in, out int) model.Usage {
	return model.Usage{InputTokens: in, OutputTokens: out}
}

func testEnv(t *testing.T, limits budget.Limits) *env {
	t.Helper()
	client := &fakeClient{resp: &model.Response{
		Text:  "hello",
		Usage: usage(1000, 500),
	}}
	ledger, err := cost.NewLedger(cost.LedgerOptions{Store: costinmem.New()})
	require.NoError(t, err)
	resolver, err := pricing.NewResolver(pricing.Options{
		Registry: map[string]pricing.Rate{
			"anthropic:claude-sonnet-4": {InputPerMTok: 100, OutputPerMTok: 100},
		},
	})
	require.NoError(t, err)
	policy, err := budget.NewPolicy(budget.Options{Limits: limits, Ledger: ledger, Resolver: resolver})
	require.NoError(t, err)
	est, err := token.NewEstimator(0)
	require.NoError(t, err)
	caps := gateway.NewStaticCapabilities()
	caps.Register("anthropic", gateway.Capabilities{Streaming: true, StructuredOutput: true},
		"claude-sonnet-4")
	gw, err := gateway.New(gateway.Options{
		Client:       client,
		Capabilities: caps,
		Budget:       policy,
		Ledger:       ledger,
		Resolver:     resolver,
		Estimator:    est,
		Default:      gateway.Selection{Provider: "anthropic", Model: "claude-sonnet-4"},
	})
	require.NoError(t, err)
	return &env{gw: gw, client: client, ledger: ledger, caps: caps}
}

func request() *gateway.Request {
	return &gateway.Request{
		RunID:     "run-1",
		SessionID: "sess-1",
		Phase:     cost.PhaseTask,
		TaskID:    "task-1",
		Messages:  []*model.Message{{Role: model.RoleUser, Content: "do the thing"}},
	}
}

func TestGenerateTextAccountsCost(t *testing.T) {
	t.Parallel()

	e := testEnv(t, budget.Limits{})
	res, err := e.gw.GenerateText(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, "hello", res.Text)
	// 1500 tokens at $100/MTok.
	require.InEpsilon(t, 0.15, res.CostUSD, 1e-9)

	evs, err := e.ledger.Events(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, cost.PhaseTask, evs[0].Phase)
	require.Equal(t, pricing.SourceRegistry, evs[0].PricingSource)
	require.Equal(t, 1500, evs[0].TotalTokens)
}

func TestModelNotAllowedNeverInvokesClient(t *testing.T) {
	t.Parallel()

	e := testEnv(t, budget.Limits{})
	req := request()
	req.Selection = gateway.Selection{Provider: "anthropic", Model: "claude-forbidden"}
	_, err := e.gw.GenerateText(context.Background(), req)
	require.Error(t, err)

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.CodeModelNotAllowed, pe.Code())
	require.Zero(t, e.client.completeCalls)
}

func TestUnknownProviderFailsSelection(t *testing.T) {
	t.Parallel()

	e := testEnv(t, budget.Limits{})
	req := request()
	req.Selection = gateway.Selection{Provider: "mystery", Model: "m"}
	_, err := e.gw.GenerateText(context.Background(), req)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.CodeInvalidProviderSelection, pe.Code())
	require.Zero(t, e.client.completeCalls)
}

func TestPartialSelectionFailsClosed(t *testing.T) {
	t.Parallel()

	e := testEnv(t, budget.Limits{})
	req := request()
	req.Selection = gateway.Selection{Provider: "anthropic"}
	_, err := e.gw.GenerateText(context.Background(), req)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.CodeInvalidProviderSelection, pe.Code())
}

func TestSelectionPrecedence(t *testing.T) {
	t.Parallel()

	e := testEnv(t, budget.Limits{})
	e.caps.Register("openai", gateway.Capabilities{}, "gpt-4o")
	req := request()
	req.AgentDefault = gateway.Selection{Provider: "openai", Model: "gpt-4o"}

	// Agent default beats the gateway fallback; pricing for gpt-4o is
	// unknown, which in warn mode records a zero-cost event.
	res, err := e.gw.GenerateText(context.Background(), req)
	require.NoError(t, err)
	require.Zero(t, res.CostUSD)

	evs, err := e.ledger.Events(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "openai", evs[0].Provider)
	require.Equal(t, pricing.SourceUnknown, evs[0].PricingSource)
}

func TestBudgetDenialSkipsClientAndLedger(t *testing.T) {
	t.Parallel()

	// Preflight projects ~(13/4 + 0)=4 input tokens -> tiny cost; force a
	// denial with an exhausted run budget.
	e := testEnv(t, budget.Limits{MaxCostPerRun: 0.10})
	seed := &cost.Event{
		RunID: "run-1", SessionID: "sess-1", Phase: cost.PhaseTask,
		Provider: "anthropic", Model: "claude-sonnet-4",
		CalculatedCostUSD: 0.0999, PricingSource: pricing.SourceProvider,
		IdempotencyKey: "seed",
	}
	_, err := e.ledger.Append(context.Background(), seed)
	require.NoError(t, err)

	_, err = e.gw.GenerateText(context.Background(), request())
	require.Error(t, err)
	_, ok := budget.IsExceeded(err)
	require.True(t, ok)
	require.Zero(t, e.client.completeCalls)

	evs, err := e.ledger.Events(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestGenerateStructuredValidates(t *testing.T) {
	t.Parallel()

	schema := []byte(`{
		"type": "object",
		"properties": {"answer": {"type": "string"}},
		"required": ["answer"]
	}`)

	e := testEnv(t, budget.Limits{})
	e.client.resp.Text = "```json\n{\"answer\": \"42\"}\n```"

	var out struct {
		Answer string `json:"answer"`
	}
	res, err := e.gw.GenerateStructured(context.Background(), request(), schema, &out)
	require.NoError(t, err)
	require.Equal(t, "42", out.Answer)
	require.JSONEq(t, `{"answer":"42"}`, res.Text)
}

func TestGenerateStructuredRejectsBadOutput(t *testing.T) {
	t.Parallel()

	schema := []byte(`{"type":"object","required":["answer"]}`)

	e := testEnv(t, budget.Limits{})
	e.client.resp.Text = `{"other": 1}`

	var out map[string]any
	_, err := e.gw.GenerateStructured(context.Background(), request(), schema, &out)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.CodeValidationError, pe.Code())

	// The provider call completed, so cost is still accounted.
	evs, err := e.ledger.Events(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestGenerateStreamCommitsOnFinish(t *testing.T) {
	t.Parallel()

	e := testEnv(t, budget.Limits{})
	final := usage(1000, 2000)
	e.client.chunks = []*model.Chunk{
		{Text: "hel"},
		{Text: "lo", Usage: &final, Final: true},
	}

	st, err := e.gw.GenerateStream(context.Background(), request())
	require.NoError(t, err)
	defer st.Close()

	var text string
	for {
		ch, err := st.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		text += ch.Text
	}
	require.Equal(t, "hello", text)

	evs, err := e.ledger.Events(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, 3000, evs[0].TotalTokens)
	// 3000 tokens at $100/MTok.
	require.InEpsilon(t, 0.3, evs[0].CalculatedCostUSD, 1e-9)
}

func TestStreamCommitExactlyOnce(t *testing.T) {
	t.Parallel()

	e := testEnv(t, budget.Limits{})
	final := usage(10, 10)
	e.client.chunks = []*model.Chunk{{Text: "x", Usage: &final, Final: true}}

	st, err := e.gw.GenerateStream(context.Background(), request())
	require.NoError(t, err)
	for {
		if _, err := st.Recv(); err == io.EOF {
			break
		}
	}
	require.NoError(t, st.Close())

	evs, err := e.ledger.Events(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestStreamCommitsOnReceiveError(t *testing.T) {
	t.Parallel()

	e := testEnv(t, budget.Limits{})
	partial := usage(500, 100)
	e.client.chunks = []*model.Chunk{{Text: "par", Usage: &partial}}
	e.client.recvErr = errors.New("connection reset")

	st, err := e.gw.GenerateStream(context.Background(), request())
	require.NoError(t, err)

	ch, err := st.Recv()
	require.NoError(t, err)
	require.Equal(t, "par", ch.Text)

	_, err = st.Recv()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)

	// Observed usage is committed when the receive fails, not deferred to
	// Close.
	evs, err := e.ledger.Events(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, 600, evs[0].TotalTokens)

	require.NoError(t, st.Close())
	evs, err = e.ledger.Events(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestClassifyWrapsUnknownErrors(t *testing.T) {
	t.Parallel()

	e := testEnv(t, budget.Limits{})
	e.client.err = errors.New("socket closed")
	_, err := e.gw.GenerateText(context.Background(), request())
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.CodeInternalError, pe.Code())

	e.client.err = model.NewProviderError(model.CodeRateLimited, "anthropic", "claude-sonnet-4", "slow down", nil)
	_, err = e.gw.GenerateText(context.Background(), request())
	pe, ok = model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.CodeRateLimited, pe.Code())
	require.True(t, pe.Retryable())
}
