package gateway

import (
	"context"
	"io"

	"goa.design/relay/runtime/model"
)

// Client returns a model.Client whose calls run through the server's
// middleware chains in process. This is how the relay command binds the
// served provider to the run engine without an RPC hop.
func (s *Server) Client() model.Client {
	return NewRemoteClient(s.Complete, s.OpenStream)
}

// OpenStream runs the stream chain in a goroutine and returns a pull-style
// Streamer over the chunks it produces. Recv reports the chain's error
// once the chunks are drained, or io.EOF after a clean finish. Close
// cancels the chain and waits for it to exit.
func (s *Server) OpenStream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	ctx, cancel := context.WithCancel(ctx)
	st := &chainStreamer{
		chunks: make(chan *model.Chunk),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		err := s.Stream(ctx, req, func(c *model.Chunk) error {
			select {
			case st.chunks <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		// The error must be buffered before the channel closes so Recv
		// observes it immediately after the last chunk.
		st.done <- err
		close(st.chunks)
	}()
	return st, nil
}

// chainStreamer adapts the push-style handler chain to model.Streamer.
// Recv and Close follow the single-goroutine Streamer contract.
type chainStreamer struct {
	chunks chan *model.Chunk
	done   chan error
	cancel context.CancelFunc
	err    error
}

func (s *chainStreamer) Recv() (*model.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	c, ok := <-s.chunks
	if ok {
		return c, nil
	}
	s.err = <-s.done
	if s.err == nil {
		s.err = io.EOF
	}
	return nil, s.err
}

func (s *chainStreamer) Close() error {
	s.cancel()
	if s.err == nil {
		// Unblock the producer and wait for the chain to exit.
		for range s.chunks {
		}
		s.err = <-s.done
		if s.err == nil {
			s.err = io.EOF
		}
	}
	return nil
}

// RemoteClient implements model.Client from two caller-supplied functions
// operating on the runtime model types, keeping transport bindings
// (HTTP, gRPC, in-process) out of this package.
type RemoteClient struct {
	doComplete func(ctx context.Context, req *model.Request) (*model.Response, error)
	doStream   func(ctx context.Context, req *model.Request) (model.Streamer, error)
}

// NewRemoteClient constructs a model.Client from the given call functions.
func NewRemoteClient(
	complete func(ctx context.Context, req *model.Request) (*model.Response, error),
	stream func(ctx context.Context, req *model.Request) (model.Streamer, error),
) *RemoteClient {
	return &RemoteClient{doComplete: complete, doStream: stream}
}

// Complete invokes the unary call function.
func (c *RemoteClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return c.doComplete(ctx, req)
}

// Stream invokes the streaming call function.
func (c *RemoteClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return c.doStream(ctx, req)
}
