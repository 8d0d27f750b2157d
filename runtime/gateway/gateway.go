// Package gateway is the single choke point for language model invocation.
// Every call is capability-gated, budget-checked before the provider is
// touched, and cost-accounted in the ledger once usage is known. Nothing
// else in the runtime talks to a model.Client directly.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/relay/runtime/budget"
	"goa.design/relay/runtime/cost"
	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/pricing"
	"goa.design/relay/runtime/telemetry"
	"goa.design/relay/runtime/token"
)

type (
	// CapabilityResolver reports what a provider can do and which models it
	// may serve. The gateway refuses calls the resolver does not clear.
	CapabilityResolver interface {
		// Capabilities returns the provider's capability set, or an error
		// when the provider is unknown or not connected.
		Capabilities(ctx context.Context, providerID string) (*Capabilities, error)
		// IsModelAllowed reports whether the provider may serve the model.
		IsModelAllowed(ctx context.Context, providerID, modelID string) (bool, error)
	}

	// Capabilities describes what a provider supports.
	Capabilities struct {
		// Streaming reports incremental output support.
		Streaming bool
		// StructuredOutput reports schema-constrained output support.
		StructuredOutput bool
	}

	// Selection names the provider/model pair a request should use.
	Selection struct {
		// Provider is the provider identifier.
		Provider string
		// Model is the provider-specific model identifier.
		Model string
	}

	// Request is one gateway invocation. Provider/model resolution walks
	// Selection (caller-supplied), AgentDefault, then the gateway default;
	// an empty result fails closed with INVALID_PROVIDER_SELECTION.
	Request struct {
		// RunID and SessionID scope budget checks and ledger entries.
		// Both required.
		RunID     string
		SessionID string

		// TaskID is set for task-phase calls.
		TaskID string

		// AgentType labels the calling agent strategy in the ledger.
		AgentType string

		// Phase is the run stage making the call. Required.
		Phase cost.Phase

		// Selection is the caller-supplied provider/model override.
		Selection Selection

		// AgentDefault is the calling agent's default provider/model.
		AgentDefault Selection

		// System is the system prompt, when any.
		System string

		// Messages is the ordered conversation.
		Messages []*model.Message

		// Temperature and MaxTokens pass through to the provider.
		Temperature float32
		MaxTokens   int

		// Attempt distinguishes retries of the same logical call in the
		// ledger idempotency key. Zero for first attempts.
		Attempt int
	}

	// Result is the outcome of a completed text or structured call.
	Result struct {
		// Text is the assistant output (raw JSON for structured calls).
		Text string
		// Usage is the provider-reported consumption.
		Usage model.Usage
		// CostUSD is the resolved cost appended to the ledger.
		CostUSD float64
		// ProviderRequestID identifies the provider-side call when known.
		ProviderRequestID string
	}

	// Options configures a Gateway.
	Options struct {
		// Client is the provider adapter. Required.
		Client model.Client
		// Capabilities gates provider/model selection. Required.
		Capabilities CapabilityResolver
		// Budget enforces spend limits. Required.
		Budget *budget.Policy
		// Ledger records per-call cost. Required.
		Ledger *cost.Ledger
		// Resolver prices completed calls. Required.
		Resolver *pricing.Resolver
		// Estimator sizes preflight projections. Required.
		Estimator *token.Estimator
		// Default is the gateway-wide provider/model fallback. Optional;
		// leaving it empty means every request must resolve its own pair.
		Default Selection
		// Logger and Metrics default to no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Gateway wraps a model.Client with gating, budgeting and accounting.
	// Safe for concurrent use.
	Gateway struct {
		client       model.Client
		capabilities CapabilityResolver
		budget       *budget.Policy
		ledger       *cost.Ledger
		resolver     *pricing.Resolver
		estimator    *token.Estimator
		fallback     Selection
		logger       telemetry.Logger
		metrics      telemetry.Metrics
	}
)

// New constructs a Gateway from options.
func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Client == nil:
		return nil, fmt.Errorf("gateway: client is required")
	case opts.Capabilities == nil:
		return nil, fmt.Errorf("gateway: capability resolver is required")
	case opts.Budget == nil:
		return nil, fmt.Errorf("gateway: budget policy is required")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("gateway: cost ledger is required")
	case opts.Resolver == nil:
		return nil, fmt.Errorf("gateway: pricing resolver is required")
	case opts.Estimator == nil:
		return nil, fmt.Errorf("gateway: token estimator is required")
	}
	g := &Gateway{
		client:       opts.Client,
		capabilities: opts.Capabilities,
		budget:       opts.Budget,
		ledger:       opts.Ledger,
		resolver:     opts.Resolver,
		estimator:    opts.Estimator,
		fallback:     opts.Default,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	if g.logger == nil {
		g.logger = telemetry.NewNoopLogger()
	}
	if g.metrics == nil {
		g.metrics = telemetry.NewNoopMetrics()
	}
	return g, nil
}

// GenerateText runs a gated, budgeted, cost-accounted completion.
func (g *Gateway) GenerateText(ctx context.Context, req *Request) (*Result, error) {
	sel, err := g.admit(ctx, req, "generate_text")
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Complete(ctx, g.modelRequest(req, sel))
	if err != nil {
		return nil, g.classify(err, sel, "complete")
	}
	res := &Result{Text: resp.Text, Usage: resp.Usage, ProviderRequestID: resp.ProviderRequestID}
	res.CostUSD = g.commit(ctx, req, sel, resp.Usage, "text")
	return res, nil
}

// GenerateStructured runs a completion whose output must satisfy the given
// JSON Schema, then decodes it into out. Schema violations and malformed
// JSON fail with VALIDATION_ERROR; the call is still cost-accounted since
// the provider did complete it.
func (g *Gateway) GenerateStructured(ctx context.Context, req *Request, schema []byte, out any) (*Result, error) {
	compiled, err := CompileSchema(schema)
	if err != nil {
		return nil, model.NewProviderError(model.CodeValidationError,
			req.Selection.Provider, req.Selection.Model, "invalid output schema", err)
	}
	res, err := g.GenerateText(ctx, req)
	if err != nil {
		return nil, err
	}
	raw := ExtractJSON(res.Text)
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return res, model.NewProviderError(model.CodeValidationError,
			req.Selection.Provider, req.Selection.Model, "model output is not valid JSON", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return res, model.NewProviderError(model.CodeValidationError,
			req.Selection.Provider, req.Selection.Model, "model output violates schema", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return res, model.NewProviderError(model.CodeValidationError,
			req.Selection.Provider, req.Selection.Model, "decode model output", err)
	}
	res.Text = raw
	return res, nil
}

// GenerateStream runs a gated, budgeted streaming completion. Cost commits
// once the stream reports final usage or is exhausted; closing a
// half-consumed stream commits whatever usage was observed.
func (g *Gateway) GenerateStream(ctx context.Context, req *Request) (model.Streamer, error) {
	sel, err := g.admit(ctx, req, "generate_stream")
	if err != nil {
		return nil, err
	}
	caps, err := g.capabilities.Capabilities(ctx, sel.Provider)
	if err == nil && !caps.Streaming {
		return nil, model.NewProviderError(model.CodeInvalidProviderSelection,
			sel.Provider, sel.Model, "provider does not support streaming", nil)
	}
	st, err := g.client.Stream(ctx, g.modelRequest(req, sel))
	if err != nil {
		return nil, g.classify(err, sel, "stream")
	}
	return &committingStreamer{
		inner: st,
		commit: func(usage model.Usage) {
			g.commit(ctx, req, sel, usage, "stream")
		},
	}, nil
}

// modelRequest maps the admitted gateway request plus the resolved
// provider/model selection into the provider-facing request.
func (g *Gateway) modelRequest(req *Request, sel Selection) *model.Request {
	return &model.Request{
		Provider:    sel.Provider,
		Model:       sel.Model,
		System:      req.System,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// admit resolves the provider/model pair, checks capabilities and model
// policy, refuses unpriceable calls in block mode, and runs the budget
// preflight. The provider client is never touched when admit fails.
func (g *Gateway) admit(ctx context.Context, req *Request, op string) (Selection, error) {
	var zero Selection
	if req.RunID == "" || req.SessionID == "" {
		return zero, model.NewProviderError(model.CodeValidationError, "", "",
			"request requires runID and sessionID", nil)
	}
	sel, err := g.resolveSelection(req)
	if err != nil {
		return zero, err
	}
	if _, err := g.capabilities.Capabilities(ctx, sel.Provider); err != nil {
		return zero, model.NewProviderError(model.CodeInvalidProviderSelection,
			sel.Provider, sel.Model, "provider capabilities unavailable", err)
	}
	allowed, err := g.capabilities.IsModelAllowed(ctx, sel.Provider, sel.Model)
	if err != nil {
		return zero, model.NewProviderError(model.CodeInvalidProviderSelection,
			sel.Provider, sel.Model, "model policy check failed", err)
	}
	if !allowed {
		g.metrics.IncCounter("gateway_denials", 1, "reason", "model_not_allowed")
		return zero, model.NewProviderError(model.CodeModelNotAllowed,
			sel.Provider, sel.Model, "model not allowed for provider", nil)
	}

	planned := g.plannedUsage(req)
	if res := g.resolver.Resolve(sel.Provider, sel.Model, planned); res.ShouldBlock {
		g.metrics.IncCounter("gateway_denials", 1, "reason", "unknown_pricing")
		return zero, model.NewProviderError(model.CodeValidationError,
			sel.Provider, sel.Model, "pricing unknown and unknown-pricing mode is block", nil)
	}
	if _, err := g.budget.Preflight(ctx, req.RunID, req.SessionID, sel.Provider, sel.Model, planned); err != nil {
		g.metrics.IncCounter("gateway_denials", 1, "reason", "budget")
		return zero, err
	}
	g.logger.Debug(ctx, "gateway call admitted",
		"op", op, "run_id", req.RunID, "provider", sel.Provider, "model", sel.Model)
	return sel, nil
}

// resolveSelection walks caller override, agent default, gateway default.
// Partial pairs fail closed rather than mixing sources.
func (g *Gateway) resolveSelection(req *Request) (Selection, error) {
	for _, sel := range []Selection{req.Selection, req.AgentDefault, g.fallback} {
		if sel.Provider != "" && sel.Model != "" {
			return sel, nil
		}
		if sel.Provider != "" || sel.Model != "" {
			return Selection{}, model.NewProviderError(model.CodeInvalidProviderSelection,
				sel.Provider, sel.Model, "provider and model must be selected together", nil)
		}
	}
	return Selection{}, model.NewProviderError(model.CodeInvalidProviderSelection, "", "",
		"no provider/model selection resolved", nil)
}

// plannedUsage sizes the preflight projection from the prompt text plus the
// completion cap.
func (g *Gateway) plannedUsage(req *Request) model.Usage {
	texts := make([]string, 0, len(req.Messages)+1)
	if req.System != "" {
		texts = append(texts, req.System)
	}
	for _, m := range req.Messages {
		texts = append(texts, m.Content)
	}
	in := g.estimator.EstimateBatch(texts)
	out := req.MaxTokens
	return model.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

// commit prices the realized usage, appends the ledger event and notifies
// the budget policy. Accounting failures are logged, never propagated: the
// model output is already in hand.
func (g *Gateway) commit(ctx context.Context, req *Request, sel Selection, usage model.Usage, op string) float64 {
	res := g.resolver.Resolve(sel.Provider, sel.Model, usage)
	if res.Source == pricing.SourceUnknown {
		g.logger.Warn(ctx, "completed call has unknown pricing",
			"run_id", req.RunID, "provider", sel.Provider, "model", sel.Model)
	}
	ev := &cost.Event{
		RunID:             req.RunID,
		SessionID:         req.SessionID,
		TaskID:            req.TaskID,
		AgentType:         req.AgentType,
		Phase:             req.Phase,
		Provider:          sel.Provider,
		Model:             sel.Model,
		PromptTokens:      usage.InputTokens,
		CompletionTokens:  usage.OutputTokens,
		TotalTokens:       usage.Total(),
		ProviderCostUSD:   usage.CostUSD,
		CalculatedCostUSD: res.CalculatedCostUSD,
		PricingSource:     res.Source,
		IdempotencyKey:    idempotencyKey(req, op),
	}
	if _, err := g.ledger.Append(ctx, ev); err != nil {
		g.logger.Error(ctx, "cost ledger append failed",
			"run_id", req.RunID, "phase", string(req.Phase), "err", err)
	}
	g.budget.PostCommit(ctx, req.RunID, req.SessionID)
	g.metrics.IncCounter("gateway_calls", 1, "provider", sel.Provider, "phase", string(req.Phase))
	return res.CalculatedCostUSD
}

// idempotencyKey derives the ledger dedup key from the logical call
// identity so a replayed commit of the same attempt lands once.
func idempotencyKey(req *Request, op string) string {
	scope := req.TaskID
	if scope == "" {
		scope = "run"
	}
	return fmt.Sprintf("%s:%s:%s:%d", req.Phase, scope, op, req.Attempt)
}

// classify wraps provider failures that are not already classified.
func (g *Gateway) classify(err error, sel Selection, op string) error {
	if pe, ok := model.AsProviderError(err); ok {
		return pe
	}
	code := model.CodeInternalError
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = model.CodeProviderUnavailable
	}
	return model.NewProviderError(code, sel.Provider, sel.Model, "", err).SetOperation(op)
}

// CompileSchema compiles raw JSON Schema bytes for validation.
func CompileSchema(raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("gateway: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("gateway: add schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("gateway: compile schema: %w", err)
	}
	return s, nil
}

// ExtractJSON strips markdown code fences models habitually wrap JSON in
// and returns the innermost JSON document text.
func ExtractJSON(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		if i := strings.LastIndex(t, "```"); i >= 0 {
			t = t[:i]
		}
		t = strings.TrimSpace(t)
	}
	return t
}
