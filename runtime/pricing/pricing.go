// Package pricing resolves the USD cost of model calls. Resolution prefers
// provider-reported cost, then proxy metadata attached to usage, then the
// static per-token registry; calls whose pricing cannot be determined are
// marked unknown and, depending on configuration, flagged to block.
package pricing

import (
	"encoding/json"
	"fmt"
	"math"

	"goa.design/relay/runtime/model"
)

// Source identifies where a resolved cost figure came from.
type Source string

const (
	// SourceProvider marks costs reported directly by the provider.
	SourceProvider Source = "provider"
	// SourceLiteLLM marks costs carried in proxy usage metadata.
	SourceLiteLLM Source = "litellm"
	// SourceRegistry marks costs computed from the static rate registry.
	SourceRegistry Source = "registry"
	// SourceUnknown marks calls whose pricing could not be determined.
	SourceUnknown Source = "unknown"
)

// Mode selects how the resolver treats calls with unknown pricing.
type Mode string

const (
	// ModeWarn resolves unknown pricing to zero cost and leaves blocking to
	// the caller's judgment.
	ModeWarn Mode = "warn"
	// ModeBlock marks unknown pricing so the gateway refuses the call.
	ModeBlock Mode = "block"
)

// rawCostKey is the usage metadata key proxies such as LiteLLM use to attach
// their calculated response cost.
const rawCostKey = "response_cost"

type (
	// Rate prices one model in USD per million tokens, input and output
	// sides priced separately.
	Rate struct {
		// InputPerMTok is the USD price of one million prompt tokens.
		InputPerMTok float64 `yaml:"input_per_mtok"`
		// OutputPerMTok is the USD price of one million completion tokens.
		OutputPerMTok float64 `yaml:"output_per_mtok"`
	}

	// Resolution is the outcome of pricing one call.
	Resolution struct {
		// CalculatedCostUSD is the resolved cost, rounded to six decimal
		// places. Zero when the source is unknown.
		CalculatedCostUSD float64
		// Source identifies the resolution path taken.
		Source Source
		// ShouldBlock is set when pricing is unknown and the resolver runs
		// in ModeBlock.
		ShouldBlock bool
	}

	// Options configures a Resolver.
	Options struct {
		// Registry maps "provider:model" to per-token rates. Optional;
		// resolution falls through to unknown when a pair is absent.
		Registry map[string]Rate
		// UnknownMode selects the unknown-pricing behavior. Defaults to
		// ModeWarn.
		UnknownMode Mode
	}

	// Resolver prices model calls. Resolvers are immutable after
	// construction and safe for concurrent use.
	Resolver struct {
		registry map[string]Rate
		mode     Mode
	}
)

// NewResolver constructs a Resolver from options.
func NewResolver(opts Options) (*Resolver, error) {
	mode := opts.UnknownMode
	if mode == "" {
		mode = ModeWarn
	}
	if mode != ModeWarn && mode != ModeBlock {
		return nil, fmt.Errorf("pricing: invalid unknown-pricing mode %q", mode)
	}
	registry := make(map[string]Rate, len(opts.Registry))
	for key, rate := range opts.Registry {
		if key == "" {
			return nil, fmt.Errorf("pricing: empty registry key")
		}
		if rate.InputPerMTok < 0 || rate.OutputPerMTok < 0 {
			return nil, fmt.Errorf("pricing: negative rate for %q", key)
		}
		registry[key] = rate
	}
	return &Resolver{registry: registry, mode: mode}, nil
}

// RegistryKey builds the registry lookup key for a provider/model pair.
func RegistryKey(provider, model string) string {
	return provider + ":" + model
}

// Resolve prices a completed call. Priority: provider-reported cost, proxy
// metadata cost, static registry, unknown. The returned cost is rounded to
// six decimal places.
func (r *Resolver) Resolve(provider, modelID string, usage model.Usage) Resolution {
	if usage.CostUSD != nil {
		return Resolution{CalculatedCostUSD: RoundUSD(*usage.CostUSD), Source: SourceProvider}
	}
	if cost, ok := rawCost(usage.Raw); ok {
		return Resolution{CalculatedCostUSD: RoundUSD(cost), Source: SourceLiteLLM}
	}
	if rate, ok := r.registry[RegistryKey(provider, modelID)]; ok {
		cost := float64(usage.InputTokens)*rate.InputPerMTok/1e6 +
			float64(usage.OutputTokens)*rate.OutputPerMTok/1e6
		return Resolution{CalculatedCostUSD: RoundUSD(cost), Source: SourceRegistry}
	}
	return Resolution{Source: SourceUnknown, ShouldBlock: r.mode == ModeBlock}
}

// RoundUSD rounds a USD amount to six decimal places, the precision carried
// by the cost ledger.
func RoundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// rawCost extracts a numeric proxy cost from usage metadata. Only numeric
// shapes are accepted; anything else resolves as absent rather than being
// coerced.
func rawCost(raw map[string]any) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	v, ok := raw[rawCostKey]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
