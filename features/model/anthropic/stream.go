package anthropic

import (
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/relay/runtime/model"
)

// streamer adapts an Anthropic Messages SSE stream to model.Streamer. Recv
// is single-goroutine per the Streamer contract, so no synchronization is
// needed around the cursor state.
type streamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	model  string

	usage model.Usage
	stop  string
	done  bool
}

func (s *streamer) Recv() (*model.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			s.usage.InputTokens = int(ev.Message.Usage.InputTokens)
			s.usage.OutputTokens = int(ev.Message.Usage.OutputTokens)
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return &model.Chunk{Text: delta.Text}, nil
			}
		case sdk.MessageDeltaEvent:
			// message_delta carries cumulative output usage; input tokens
			// arrive once on message_start.
			s.usage.OutputTokens = int(ev.Usage.OutputTokens)
			if ev.Usage.InputTokens > 0 {
				s.usage.InputTokens = int(ev.Usage.InputTokens)
			}
			s.stop = string(ev.Delta.StopReason)
		case sdk.MessageStopEvent:
			s.done = true
			usage := s.usage
			return &model.Chunk{Usage: &usage, StopReason: s.stop, Final: true}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		s.done = true
		return nil, wrapError("stream", s.model, err)
	}
	s.done = true
	return nil, io.EOF
}

func (s *streamer) Close() error {
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}
