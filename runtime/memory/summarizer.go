package memory

import (
	"context"
	"fmt"
	"strings"

	"goa.design/relay/runtime/cost"
	"goa.design/relay/runtime/gateway"
	"goa.design/relay/runtime/model"
)

// summaryPrompt instructs the compaction call. The output feeds back into
// future prompts, so it asks for dense prose, not markup.
const summaryPrompt = "Condense the following memory records into a single " +
	"plain-text summary. Preserve every decision, constraint, and open todo; " +
	"merge duplicate facts; drop conversational filler. Respond with the " +
	"summary only."

// GatewaySummarizer drives memory compaction through the LLM gateway with
// phase=memory, so compaction spend lands in the ledger and respects
// budgets like any other call.
type GatewaySummarizer struct {
	gw        *gateway.Gateway
	selection gateway.Selection
	maxTokens int
}

// NewGatewaySummarizer constructs a Summarizer over the gateway. selection
// may be empty to use the gateway default; maxTokens caps the summary
// length (zero selects 1024).
func NewGatewaySummarizer(gw *gateway.Gateway, selection gateway.Selection, maxTokens int) (*GatewaySummarizer, error) {
	if gw == nil {
		return nil, fmt.Errorf("memory: summarizer requires a gateway")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &GatewaySummarizer{gw: gw, selection: selection, maxTokens: maxTokens}, nil
}

// Summarize condenses contents into one summary via the gateway.
func (s *GatewaySummarizer) Summarize(ctx context.Context, runID, sessionID string, contents []string) (string, error) {
	res, err := s.gw.GenerateText(ctx, &gateway.Request{
		RunID:     runID,
		SessionID: sessionID,
		Phase:     cost.PhaseMemory,
		Selection: s.selection,
		System:    summaryPrompt,
		Messages: []*model.Message{{
			Role:    model.RoleUser,
			Content: strings.Join(contents, "\n"),
		}},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
