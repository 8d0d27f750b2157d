// Package model defines the provider-agnostic contract for language model
// invocation. It normalizes chat completion requests, responses, usage
// accounting, and provider failures so the rest of the runtime never couples
// to a specific SDK. Adapters under features/model translate these types to
// and from provider wire formats.
package model

import (
	"context"
	"errors"
)

// Conversation roles used in Request messages.
const (
	// RoleSystem marks instruction/context messages.
	RoleSystem = "system"
	// RoleUser marks end-user input.
	RoleUser = "user"
	// RoleAssistant marks prior model output.
	RoleAssistant = "assistant"
)

// ErrStreamingUnsupported is returned by Stream when the underlying provider
// has no streaming surface.
var ErrStreamingUnsupported = errors.New("model: streaming not supported by provider")

type (
	// Client is the contract the runtime uses to invoke language models.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Failures are reported as *ProviderError whenever the
		// provider supplied enough information to classify them.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a chat completion request and returns a Streamer
		// yielding incremental chunks. The returned Streamer must be closed
		// by the caller. Providers without a streaming surface return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Recv is single-goroutine; Close releases
	// underlying resources and is safe to call more than once.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (*Chunk, error)
		// Close closes the stream.
		Close() error
	}

	// Request captures the normalized parameters of one model invocation.
	Request struct {
		// Provider identifies the provider the caller resolved for this
		// call (e.g. "anthropic", "openai", "bedrock"). Adapters may use it
		// for labeling; routing happens upstream.
		Provider string

		// Model is the provider-specific model identifier.
		Model string

		// System is the system prompt, when any.
		System string

		// Messages is the ordered conversation history.
		Messages []*Message

		// Temperature controls sampling temperature. Zero means greedy
		// decoding.
		Temperature float32

		// MaxTokens caps completion tokens. Zero selects the provider
		// default.
		MaxTokens int

		// Metadata carries request-scoped labels (run, session, phase) that
		// adapters may attach to provider requests for tracing.
		Metadata map[string]string
	}

	// Message is one turn of the conversation.
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant.
		Role string
		// Content is the message text.
		Content string
	}

	// Response wraps the generated content of a completed call.
	Response struct {
		// Text is the assistant output.
		Text string

		// Usage reports token consumption for the call. Providers that do
		// not report usage leave the zero value.
		Usage Usage

		// StopReason explains why generation stopped. Values are
		// provider-specific ("end_turn", "max_tokens", ...) and may be
		// empty.
		StopReason string

		// ProviderRequestID is the provider-side identifier of this call
		// when available.
		ProviderRequestID string
	}

	// Usage reports token consumption and, when the provider supplies it,
	// the billed cost of a call.
	Usage struct {
		// InputTokens counts prompt-side tokens.
		InputTokens int
		// OutputTokens counts completion-side tokens.
		OutputTokens int
		// TotalTokens is the provider-reported total; zero means derive
		// from input+output.
		TotalTokens int
		// CostUSD is the provider-reported cost of the call. Nil when the
		// provider does not report cost; pricing resolution then falls
		// through to gateway metadata or the static registry.
		CostUSD *float64
		// Raw carries provider metadata attached to usage reporting, such
		// as proxy-calculated cost fields.
		Raw map[string]any
	}

	// Chunk is one increment of streamed model output.
	Chunk struct {
		// Text is the text delta carried by this chunk, possibly empty.
		Text string
		// Usage carries cumulative usage when the provider reports it on
		// this chunk, typically the final one.
		Usage *Usage
		// StopReason is set on the final chunk when known.
		StopReason string
		// Final marks the last chunk of the stream.
		Final bool
	}
)

// Total returns the total token count, deriving input+output when the
// provider did not report a total.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// Add accumulates other into u, summing token counts and keeping the most
// recent cost and raw metadata. Streaming adapters use it to fold usage
// deltas into a final figure.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	if other.CostUSD != nil {
		c := *other.CostUSD
		u.CostUSD = &c
	}
	if other.Raw != nil {
		u.Raw = other.Raw
	}
}
