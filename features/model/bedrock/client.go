// Package bedrock implements model.Client on the AWS Bedrock Converse
// API. It splits system vs. conversational messages into Bedrock's block
// structure and translates Converse responses, usage and failures back
// into the provider-agnostic types.
package bedrock

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/relay/runtime/model"
)

// ProviderName labels this adapter in requests and errors.
const ProviderName = "bedrock"

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a fake in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures optional adapter behavior.
	Options struct {
		// MaxTokens sets the completion cap used when a request does not
		// specify MaxTokens. When zero, MaxTokens is omitted and Bedrock
		// applies its own default.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime RuntimeClient
		maxTok  int
		temp    float32
	}

	requestParts struct {
		modelID  string
		system   []brtypes.SystemContentBlock
		messages []brtypes.Message
	}
)

// New builds a Bedrock-backed model client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return &Client{runtime: runtime, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// Complete issues a chat completion request through the Converse API.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapError("converse", req.Model, err)
	}
	return translateResponse(output)
}

// Stream invokes the ConverseStream API and adapts incremental events
// into model chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapError("converse_stream", req.Model, err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return &streamer{stream: stream, model: req.Model}, nil
}

func (c *Client) prepareRequest(req *model.Request) (*requestParts, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	parts := &requestParts{modelID: req.Model}
	if req.System != "" {
		parts.system = append(parts.system, &brtypes.SystemContentBlockMemberText{Value: req.System})
	}
	for _, m := range req.Messages {
		if m == nil || m.Content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case model.RoleSystem:
			parts.system = append(parts.system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		case model.RoleUser:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, errors.New("bedrock: unsupported message role " + m.Role)
		}
		parts.messages = append(parts.messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if len(parts.messages) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return parts, nil
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				resp.Text += text.Value
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.Usage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
	}
	return resp, nil
}

func ptrValue(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

// wrapError classifies an AWS failure into the provider error taxonomy.
// Bedrock reports semantics through API error codes; HTTP status fills the
// gaps for transport-level failures.
func wrapError(op, modelID string, err error) error {
	var (
		status  int
		message string
		code    model.Code
	)
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.ErrorMessage()
		code = codeForAPIError(apiErr.ErrorCode())
	}
	if code == "" {
		code = codeForStatus(status)
	}
	pe := model.NewProviderError(code, ProviderName, modelID, message, err).SetOperation(op)
	if status > 0 {
		pe.SetHTTPStatus(status)
	}
	return pe
}

func codeForAPIError(code string) model.Code {
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		return model.CodeRateLimited
	case "AccessDeniedException", "UnauthorizedException":
		return model.CodeAuthFailed
	case "ResourceNotFoundException":
		return model.CodeInvalidProviderSelection
	case "ValidationException":
		return model.CodeValidationError
	case "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException", "ModelNotReadyException":
		return model.CodeProviderUnavailable
	default:
		return ""
	}
}

func codeForStatus(status int) model.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.CodeAuthFailed
	case status == http.StatusTooManyRequests:
		return model.CodeRateLimited
	case status == http.StatusNotFound:
		return model.CodeInvalidProviderSelection
	case status == http.StatusBadRequest:
		return model.CodeValidationError
	case status >= http.StatusInternalServerError:
		return model.CodeProviderUnavailable
	default:
		return model.CodeInternalError
	}
}
