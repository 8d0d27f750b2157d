package gateway

import (
	"context"
	"errors"
	"io"

	"goa.design/relay/runtime/model"
)

// ErrProviderRequired indicates that a provider model.Client must be supplied.
var ErrProviderRequired = errors.New("model gateway: provider is required")

type (
	// Server runs model completions through middleware chains ending at a
	// provider client. Both chains are fixed at construction; the zero
	// value is not usable.
	Server struct {
		provider model.Client
		unary    UnaryHandler
		stream   StreamHandler
	}

	// UnaryHandler completes one request. The base handler calls the
	// provider; middleware wrap it.
	UnaryHandler func(ctx context.Context, req *model.Request) (*model.Response, error)

	// StreamHandler completes one request chunk by chunk, calling send
	// sequentially for every chunk. An error from send aborts the stream
	// and becomes the handler's return value.
	StreamHandler func(ctx context.Context, req *model.Request, send func(*model.Chunk) error) error

	// UnaryMiddleware wraps a UnaryHandler.
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// StreamMiddleware wraps a StreamHandler. Implementations must keep
	// send calls sequential.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// Option configures NewServer.
	Option func(*config)

	config struct {
		provider model.Client
		unaryMW  []UnaryMiddleware
		streamMW []StreamMiddleware
	}
)

// WithProvider sets the provider client terminating both chains. Required.
func WithProvider(p model.Client) Option {
	return func(c *config) { c.provider = p }
}

// WithUnary appends middleware to the unary chain. Across all WithUnary
// calls the first registered middleware is outermost.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *config) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStream appends middleware to the stream chain, outermost first, as
// with WithUnary.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *config) { c.streamMW = append(c.streamMW, mw...) }
}

// NewServer builds the middleware chains around the configured provider.
// The server itself carries no policy; everything beyond provider dispatch
// comes from the registered middleware.
func NewServer(opts ...Option) (*Server, error) {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		return nil, ErrProviderRequired
	}

	unary := UnaryHandler(cfg.provider.Complete)
	for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
		unary = cfg.unaryMW[i](unary)
	}

	stream := baseStream(cfg.provider)
	for i := len(cfg.streamMW) - 1; i >= 0; i-- {
		stream = cfg.streamMW[i](stream)
	}

	return &Server{provider: cfg.provider, unary: unary, stream: stream}, nil
}

// baseStream pumps the provider's pull-style Streamer into the chain's
// push-style send until EOF.
func baseStream(provider model.Client) StreamHandler {
	return func(ctx context.Context, req *model.Request, send func(*model.Chunk) error) error {
		st, err := provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		for {
			ch, err := st.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := send(ch); err != nil {
				return err
			}
		}
	}
}

// Complete runs req through the unary chain.
func (s *Server) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return s.unary(ctx, req)
}

// Stream runs req through the stream chain, calling send for every chunk.
func (s *Server) Stream(ctx context.Context, req *model.Request, send func(*model.Chunk) error) error {
	return s.stream(ctx, req, send)
}
