package middleware

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/token"
)

type fakeClient struct {
	completeErr error
	streamErr   error

	completeCalls int
	streamCalls   int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.completeCalls++
	return nil, f.completeErr
}

func (f *fakeClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	f.streamCalls++
	return nil, f.streamErr
}

func rateLimitedErr() error {
	return model.NewProviderError(model.CodeRateLimited, "test", "m", "rate limit exceeded", nil)
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.currentTPM

	client := &fakeClient{
		completeErr: rateLimitedErr(),
	}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), &req)
	pe, ok := model.AsProviderError(err)
	if !ok || pe.Code() != model.CodeRateLimited {
		t.Fatalf("expected rate limited error, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_IgnoresNonRateLimitErrors(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	client := &fakeClient{completeErr: errors.New("boom")}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
	}

	if _, err := wrapped.Complete(context.Background(), &req); err == nil {
		t.Fatal("expected error")
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM != initialTPM {
		t.Fatalf("expected TPM unchanged, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	// Configure an impossible limiter so any non-zero token request fails
	// immediately. This exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: string(longText)},
		},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if client.completeCalls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls",
			client.completeCalls)
	}
}

func TestEstimateTokensMatchesRuntimeEstimator(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60000, 60000)

	smallReq := &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "short"},
		},
	}
	bigReq := &model.Request{
		System: "you are a helpful assistant",
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "this is a much longer message"},
		},
	}

	small := limiter.estimateTokens(smallReq)
	big := limiter.estimateTokens(bigReq)

	if small <= requestOverheadTokens {
		t.Fatalf("expected estimate above the framing overhead, got %d", small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d",
			small, big)
	}

	// The limiter sizes requests with the same ratio the rest of the
	// runtime budgets with.
	est, err := token.NewEstimator(0)
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	want := est.EstimateBatch([]string{
		bigReq.System,
		bigReq.Messages[0].Content,
	}) + requestOverheadTokens
	if big != want {
		t.Fatalf("estimate = %d, want %d", big, want)
	}

	// An empty transcript still costs the overhead so it cannot bypass the
	// limiter.
	if got := limiter.estimateTokens(&model.Request{}); got != requestOverheadTokens {
		t.Fatalf("empty request estimate = %d, want %d", got, requestOverheadTokens)
	}
}
