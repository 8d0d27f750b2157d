package gateway

import (
	"context"
	"errors"
	"io"
	"testing"

	"goa.design/relay/runtime/model"
)

func TestClientRoundTripsThroughChains(t *testing.T) {
	prov := &scriptProvider{resp: &model.Response{Text: "ok"}, chunks: finalChunks()}

	bumpTemp := func(next UnaryHandler) UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			req.Temperature = 0.42
			return next(ctx, req)
		}
	}
	var streamed int
	countMW := func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, req *model.Request, send func(*model.Chunk) error) error {
			streamed++
			return next(ctx, req, send)
		}
	}

	srv, err := NewServer(WithProvider(prov), WithUnary(bumpTemp), WithStream(countMW))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	client := srv.Client()

	resp, err := client.Complete(context.Background(), &model.Request{
		Model:    "m",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("response = %+v", resp)
	}
	if prov.lastReq == nil || prov.lastReq.Temperature != 0.42 {
		t.Fatalf("unary middleware did not reach the provider, saw %+v", prov.lastReq)
	}

	st, err := client.Stream(context.Background(), &model.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var (
		text  string
		final *model.Chunk
	)
	for {
		ch, rerr := st.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			t.Fatalf("Recv: %v", rerr)
		}
		text += ch.Text
		if ch.Final {
			final = ch
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if text != "hello" {
		t.Fatalf("text = %q", text)
	}
	if final == nil || final.Usage == nil || final.Usage.TotalTokens != 3 {
		t.Fatalf("final chunk = %+v", final)
	}
	if final.StopReason != "end_turn" {
		t.Fatalf("stop reason = %q", final.StopReason)
	}
	if streamed != 1 {
		t.Fatalf("stream middleware ran %d times", streamed)
	}
}

func TestClientStreamReportsChainError(t *testing.T) {
	recvErr := errors.New("connection reset")
	prov := &scriptProvider{chunks: []*model.Chunk{{Text: "par"}}, recvErr: recvErr}
	srv, err := NewServer(WithProvider(prov))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	st, err := srv.Client().Stream(context.Background(), &model.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if ch, rerr := st.Recv(); rerr != nil || ch.Text != "par" {
		t.Fatalf("first chunk = %v, %v", ch, rerr)
	}
	if _, rerr := st.Recv(); !errors.Is(rerr, recvErr) {
		t.Fatalf("expected chain error, got %v", rerr)
	}
	// The error is sticky.
	if _, rerr := st.Recv(); !errors.Is(rerr, recvErr) {
		t.Fatalf("expected sticky chain error, got %v", rerr)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestClientStreamCloseUnblocksChain(t *testing.T) {
	// More chunks than the consumer reads; Close must cancel the chain and
	// return without Recv draining the stream.
	prov := &scriptProvider{chunks: []*model.Chunk{
		{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d", Final: true},
	}}
	srv, err := NewServer(WithProvider(prov))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	st, err := srv.Client().Stream(context.Background(), &model.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, rerr := st.Recv(); rerr != nil {
		t.Fatalf("Recv: %v", rerr)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// After Close the stream stays terminated.
	if _, rerr := st.Recv(); rerr == nil {
		t.Fatal("expected terminated stream after Close")
	}
}
