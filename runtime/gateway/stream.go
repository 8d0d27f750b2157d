package gateway

import (
	"sync"

	"goa.design/relay/runtime/model"
)

// committingStreamer folds usage reported on chunks and commits cost once
// the stream finishes. The commit fires exactly once, on whichever happens
// first: the final chunk, EOF, a receive error, or Close.
type committingStreamer struct {
	inner  model.Streamer
	commit func(model.Usage)

	mu    sync.Mutex
	usage model.Usage
	done  bool
}

// Recv returns the next chunk, accumulating usage deltas as they arrive.
func (s *committingStreamer) Recv() (*model.Chunk, error) {
	ch, err := s.inner.Recv()
	if ch != nil && ch.Usage != nil {
		s.mu.Lock()
		s.usage.Add(*ch.Usage)
		s.mu.Unlock()
	}
	if err != nil {
		s.finish()
		return ch, err
	}
	if ch != nil && ch.Final {
		s.finish()
	}
	return ch, nil
}

// Close closes the underlying stream. An abandoned stream commits whatever
// usage was observed so partial consumption is still accounted.
func (s *committingStreamer) Close() error {
	err := s.inner.Close()
	s.finish()
	return err
}

func (s *committingStreamer) finish() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	usage := s.usage
	s.mu.Unlock()
	s.commit(usage)
}
