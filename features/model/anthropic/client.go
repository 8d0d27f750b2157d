// Package anthropic implements model.Client on the Anthropic Claude
// Messages API. It translates normalized requests into anthropic.Message
// calls using github.com/anthropics/anthropic-sdk-go and maps responses,
// usage and failures back into the provider-agnostic types.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/relay/runtime/model"
)

// ProviderName labels this adapter in requests and errors.
const ProviderName = "anthropic"

// DefaultMaxTokens caps completions when neither the request nor the
// options specify a limit. The Messages API requires an explicit cap.
const DefaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the adapter. It is satisfied by *sdk.MessageService so callers can
	// pass either a real client or a fake in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures optional adapter behavior.
	Options struct {
		// MaxTokens sets the completion cap used when a request does not
		// specify MaxTokens. Defaults to DefaultMaxTokens.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
		maxTok int
		temp   float64
	}
)

// New builds an Anthropic-backed model client from the provided Messages
// client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxTokens
	}
	return &Client{msg: msg, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// transport.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, wrapError("complete", req.Model, err)
	}
	if msg == nil {
		return nil, model.NewProviderError(model.CodeInternalError, ProviderName, req.Model,
			"empty response from messages API", nil).SetOperation("complete")
	}
	resp := &model.Response{
		Text:              collectText(msg),
		StopReason:        string(msg.StopReason),
		ProviderRequestID: msg.ID,
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = model.Usage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
		}
	}
	return resp, nil
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// model chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapError("stream", req.Model, err)
	}
	return &streamer{stream: stream, model: req.Model}, nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}

	system := make([]sdk.TextBlockParam, 0, 1)
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(req.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func collectText(msg *sdk.Message) string {
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

// wrapError classifies an SDK failure into the provider error taxonomy.
func wrapError(op, modelID string, err error) error {
	status := 0
	message := ""
	requestID := ""
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		status = apierr.StatusCode
		message = apierr.Error()
		if apierr.Response != nil {
			requestID = apierr.Response.Header.Get("request-id")
		}
	}
	pe := model.NewProviderError(codeForStatus(status), ProviderName, modelID, message, err).
		SetOperation(op)
	if status > 0 {
		pe.SetHTTPStatus(status)
	}
	if requestID != "" {
		pe.SetRequestID(requestID)
	}
	return pe
}

func codeForStatus(status int) model.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.CodeAuthFailed
	case status == http.StatusTooManyRequests:
		return model.CodeRateLimited
	case status == http.StatusNotFound:
		return model.CodeInvalidProviderSelection
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return model.CodeValidationError
	case status >= http.StatusInternalServerError:
		return model.CodeProviderUnavailable
	default:
		return model.CodeInternalError
	}
}
