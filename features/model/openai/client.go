// Package openai implements model.Client on the OpenAI Chat Completions
// API via github.com/sashabaranov/go-openai. It translates normalized
// requests into ChatCompletion calls and maps responses, usage and
// failures back into the provider-agnostic types.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/relay/runtime/model"
)

// ProviderName labels this adapter in requests and errors.
const ProviderName = "openai"

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter. It is satisfied by *openai.Client.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	}

	// Options configures optional adapter behavior.
	Options struct {
		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat ChatClient
		temp float32
	}
)

// New builds an OpenAI-backed model client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	return &Client{chat: chat, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP
// transport.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(openai.NewClient(apiKey), opts)
}

// Complete renders a chat completion using the configured client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	request, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, *request)
	if err != nil {
		return nil, wrapError("complete", req.Model, err)
	}
	return translateResponse(response), nil
}

// Stream renders a chat completion incrementally.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	request, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := c.chat.CreateChatCompletionStream(ctx, *request)
	if err != nil {
		return nil, wrapError("stream", req.Model, err)
	}
	return &streamer{stream: stream, model: req.Model}, nil
}

func (c *Client) prepareRequest(req *model.Request) (*openai.ChatCompletionRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem, model.RoleUser, model.RoleAssistant:
			messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return nil, errors.New("openai: at least one non-empty message is required")
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	return &openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: temp,
		MaxTokens:   req.MaxTokens,
	}, nil
}

func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		ProviderRequestID: resp.ID,
		Usage: model.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, choice := range resp.Choices {
		out.Text += choice.Message.Content
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

// streamer adapts a go-openai completion stream to model.Streamer.
type streamer struct {
	stream *openai.ChatCompletionStream
	model  string

	usage model.Usage
	stop  string
	done  bool
}

func (s *streamer) Recv() (*model.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			usage := s.usage
			return &model.Chunk{Usage: &usage, StopReason: s.stop, Final: true}, nil
		}
		if err != nil {
			s.done = true
			return nil, wrapError("stream", s.model, err)
		}
		if resp.Usage != nil {
			s.usage = model.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			s.stop = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			return &model.Chunk{Text: choice.Delta.Content}, nil
		}
	}
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

// wrapError classifies a go-openai failure into the provider error
// taxonomy.
func wrapError(op, modelID string, err error) error {
	status := 0
	message := ""
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
		message = apiErr.Message
	}
	var reqErr *openai.RequestError
	if status == 0 && errors.As(err, &reqErr) {
		status = reqErr.HTTPStatusCode
	}
	pe := model.NewProviderError(codeForStatus(status), ProviderName, modelID, message, err).
		SetOperation(op)
	if status > 0 {
		pe.SetHTTPStatus(status)
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
