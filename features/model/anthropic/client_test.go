package anthropic

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/relay/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			ID: "msg_1",
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "wor"},
				{Type: "text", Text: "ld"},
			},
			StopReason: sdk.StopReasonEndTurn,
			Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	cl, err := New(stub, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Complete(context.Background(), &model.Request{
		Provider: ProviderName,
		Model:    "claude-sonnet-4-5",
		System:   "be brief",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "world" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("stop reason = %q", resp.StopReason)
	}
	if resp.ProviderRequestID != "msg_1" {
		t.Fatalf("request id = %q", resp.ProviderRequestID)
	}

	if got := string(stub.lastParams.Model); got != "claude-sonnet-4-5" {
		t.Fatalf("model = %q", got)
	}
	if stub.lastParams.MaxTokens != DefaultMaxTokens {
		t.Fatalf("max tokens = %d", stub.lastParams.MaxTokens)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "be brief" {
		t.Fatalf("system = %+v", stub.lastParams.System)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Fatalf("messages = %+v", stub.lastParams.Messages)
	}
}

func TestCompleteValidation(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Complete(context.Background(), &model.Request{Model: "m"}); err == nil {
		t.Fatal("expected error for empty messages")
	}
	if _, err := cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	}); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestCompleteMapsRateLimit(t *testing.T) {
	stub := &stubMessagesClient{err: &sdk.Error{
		StatusCode: 429,
		Request:    &http.Request{Method: http.MethodPost, URL: &url.URL{}},
		Response:   &http.Response{StatusCode: 429},
	}}
	cl, err := New(stub, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), &model.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	pe, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected provider error, got %v", err)
	}
	if pe.Code() != model.CodeRateLimited {
		t.Fatalf("code = %s", pe.Code())
	}
	if !pe.Retryable() {
		t.Fatal("rate limit should be retryable")
	}
	if pe.HTTPStatus() != 429 {
		t.Fatalf("status = %d", pe.HTTPStatus())
	}
}

func TestCompleteMapsAuthFailure(t *testing.T) {
	stub := &stubMessagesClient{err: &sdk.Error{
		StatusCode: 401,
		Request:    &http.Request{Method: http.MethodPost, URL: &url.URL{}},
		Response:   &http.Response{StatusCode: 401},
	}}
	cl, _ := New(stub, Options{})
	_, err := cl.Complete(context.Background(), &model.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	pe, ok := model.AsProviderError(err)
	if !ok || pe.Code() != model.CodeAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %v", err)
	}
	if pe.Retryable() {
		t.Fatal("auth failure should not be retryable")
	}
}

func TestCompleteUnclassifiedError(t *testing.T) {
	cause := errors.New("connection reset")
	stub := &stubMessagesClient{err: cause}
	cl, _ := New(stub, Options{})
	_, err := cl.Complete(context.Background(), &model.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	pe, ok := model.AsProviderError(err)
	if !ok || pe.Code() != model.CodeInternalError {
		t.Fatalf("expected INTERNAL_ERROR, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause not preserved in chain")
	}
}

func TestStreamDeltasAndFinalUsage(t *testing.T) {
	dec := &testDecoder{events: encodeEvents(t,
		`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":0}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	)}
	stub := &stubMessagesClient{stream: ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)}
	cl, _ := New(stub, Options{})

	st, err := cl.Stream(context.Background(), &model.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer st.Close()

	var text string
	var final *model.Chunk
	for {
		chunk, err := st.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		text += chunk.Text
		if chunk.Final {
			final = chunk
		}
	}
	if text != "hello" {
		t.Fatalf("text = %q", text)
	}
	if final == nil || final.Usage == nil {
		t.Fatal("missing final chunk with usage")
	}
	if final.Usage.InputTokens != 10 || final.Usage.OutputTokens != 7 {
		t.Fatalf("usage = %+v", final.Usage)
	}
	if final.StopReason != "end_turn" {
		t.Fatalf("stop reason = %q", final.StopReason)
	}
}
