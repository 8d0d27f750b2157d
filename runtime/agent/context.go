package agent

import (
	"errors"
	"fmt"
	"strings"

	"goa.design/relay/runtime/memory"
	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/token"
)

const defaultSystemPrompt = "You are a task-planning and execution agent. " +
	"Work from the provided context, state assumptions explicitly, and keep answers concise."

type (
	// BuildInput is what a ContextBuilder assembles prompts from.
	BuildInput struct {
		// AgentType names the strategy requesting the context.
		AgentType string
		// Prompt is the client request text.
		Prompt string
		// History is prior conversation, oldest first.
		History []*model.Message
		// Memory is the retrieved memory bundle, when any.
		Memory *memory.ContextBundle
	}

	// ContextBlock is one named section of assembled context.
	ContextBlock struct {
		Name    string
		Content string
	}

	// TokenReport breaks down the assembled context's token footprint.
	TokenReport struct {
		System int
		User   int
		Blocks int
		Total  int
	}

	// BuildOutput is the assembled prompt material.
	BuildOutput struct {
		SystemPrompt string
		UserPrompt   string
		Blocks       []ContextBlock
		Report       TokenReport
	}

	// ContextBuilder assembles prompt material deterministically: same
	// input, same output, no I/O.
	ContextBuilder interface {
		Build(in BuildInput) (*BuildOutput, error)
	}

	// StaticBuilder is the default ContextBuilder: a fixed system prompt,
	// the raw user prompt, and one block per context source (memory,
	// history).
	StaticBuilder struct {
		system    string
		estimator *token.Estimator
	}
)

// NewStaticBuilder constructs the default builder. An empty system prompt
// selects the built-in one.
func NewStaticBuilder(systemPrompt string, estimator *token.Estimator) (*StaticBuilder, error) {
	if estimator == nil {
		return nil, errors.New("agent: context builder requires a token estimator")
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &StaticBuilder{system: systemPrompt, estimator: estimator}, nil
}

// Build assembles prompt material from the input. Deterministic; block
// order is memory then history.
func (b *StaticBuilder) Build(in BuildInput) (*BuildOutput, error) {
	if in.Prompt == "" {
		return nil, errors.New("agent: context builder requires a prompt")
	}
	out := &BuildOutput{
		SystemPrompt: b.system,
		UserPrompt:   in.Prompt,
	}
	if in.Memory != nil && len(in.Memory.Events) > 0 {
		var sb strings.Builder
		for _, ev := range in.Memory.Events {
			fmt.Fprintf(&sb, "- [%s] %s\n", ev.Kind, ev.Content)
		}
		out.Blocks = append(out.Blocks, ContextBlock{Name: "memory", Content: sb.String()})
	}
	if len(in.History) > 0 {
		var sb strings.Builder
		for _, msg := range in.History {
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
		}
		out.Blocks = append(out.Blocks, ContextBlock{Name: "history", Content: sb.String()})
	}

	out.Report.System = b.estimator.Estimate(out.SystemPrompt)
	out.Report.User = b.estimator.Estimate(out.UserPrompt)
	for _, blk := range out.Blocks {
		out.Report.Blocks += b.estimator.Estimate(blk.Content)
	}
	out.Report.Total = out.Report.System + out.Report.User + out.Report.Blocks
	return out, nil
}
