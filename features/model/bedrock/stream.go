package bedrock

import (
	"io"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/relay/runtime/model"
)

// streamer adapts a Bedrock Converse event stream to model.Streamer. The
// metadata event carries usage and arrives after message stop, so it closes
// the logical stream with the final chunk.
type streamer struct {
	stream *bedrockruntime.ConverseStreamEventStream
	model  string

	usage model.Usage
	stop  string
	done  bool
}

func (s *streamer) Recv() (*model.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for ev := range s.stream.Events() {
		switch v := ev.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			if delta, ok := v.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok && delta.Value != "" {
				return &model.Chunk{Text: delta.Value}, nil
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			s.stop = string(v.Value.StopReason)
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if u := v.Value.Usage; u != nil {
				s.usage = model.Usage{
					InputTokens:  int(ptrValue(u.InputTokens)),
					OutputTokens: int(ptrValue(u.OutputTokens)),
					TotalTokens:  int(ptrValue(u.TotalTokens)),
				}
			}
			s.done = true
			usage := s.usage
			return &model.Chunk{Usage: &usage, StopReason: s.stop, Final: true}, nil
		}
	}
	s.done = true
	if err := s.stream.Err(); err != nil {
		return nil, wrapError("converse_stream", s.model, err)
	}
	return nil, io.EOF
}

func (s *streamer) Close() error {
	return s.stream.Close()
}
