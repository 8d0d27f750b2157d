package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/relay/runtime/model"
)

type stubChatClient struct {
	lastReq openai.ChatCompletionRequest
	resp    openai.ChatCompletionResponse
	err     error
}

func (s *stubChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastReq = req
	return s.resp, s.err
}

func (s *stubChatClient) CreateChatCompletionStream(_ context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	s.lastReq = req
	return nil, s.err
}

func TestCompleteTranslatesResponse(t *testing.T) {
	stub := &stubChatClient{
		resp: openai.ChatCompletionResponse{
			ID: "chatcmpl-1",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "world"},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
		},
	}
	cl, err := New(stub, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Complete(context.Background(), &model.Request{
		Provider: ProviderName,
		Model:    "gpt-4o",
		System:   "be brief",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "world" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if resp.StopReason != "stop" {
		t.Fatalf("stop reason = %q", resp.StopReason)
	}
	if resp.ProviderRequestID != "chatcmpl-1" {
		t.Fatalf("request id = %q", resp.ProviderRequestID)
	}

	if stub.lastReq.Model != "gpt-4o" {
		t.Fatalf("model = %q", stub.lastReq.Model)
	}
	if len(stub.lastReq.Messages) != 2 {
		t.Fatalf("messages = %+v", stub.lastReq.Messages)
	}
	if stub.lastReq.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("first message role = %q", stub.lastReq.Messages[0].Role)
	}
}

func TestCompleteValidation(t *testing.T) {
	cl, err := New(&stubChatClient{}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Complete(context.Background(), &model.Request{Model: "gpt-4o"}); err == nil {
		t.Fatal("expected error for empty messages")
	}
	if _, err := cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	}); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestCompleteMapsAPIError(t *testing.T) {
	stub := &stubChatClient{err: &openai.APIError{
		HTTPStatusCode: 429,
		Message:        "rate limit exceeded",
	}}
	cl, _ := New(stub, Options{})
	_, err := cl.Complete(context.Background(), &model.Request{
		Model:    "gpt-4o",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	pe, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected provider error, got %v", err)
	}
	if pe.Code() != model.CodeRateLimited || !pe.Retryable() {
		t.Fatalf("code = %s retryable = %v", pe.Code(), pe.Retryable())
	}
	if pe.Message() != "rate limit exceeded" {
		t.Fatalf("message = %q", pe.Message())
	}
}

func TestStreamErrorClassified(t *testing.T) {
	stub := &stubChatClient{err: &openai.APIError{HTTPStatusCode: 503}}
	cl, _ := New(stub, Options{})
	_, err := cl.Stream(context.Background(), &model.Request{
		Model:    "gpt-4o",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	pe, ok := model.AsProviderError(err)
	if !ok || pe.Code() != model.CodeProviderUnavailable {
		t.Fatalf("expected PROVIDER_UNAVAILABLE, got %v", err)
	}
	if !pe.Retryable() {
		t.Fatal("503 should be retryable")
	}
}

func TestUnclassifiedErrorKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	stub := &stubChatClient{err: cause}
	cl, _ := New(stub, Options{})
	_, err := cl.Complete(context.Background(), &model.Request{
		Model:    "gpt-4o",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, cause) {
		t.Fatalf("cause not preserved: %v", err)
	}
}
