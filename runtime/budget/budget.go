// Package budget enforces per-run and per-session USD spending limits.
// Enforcement happens in two phases: Preflight blocks a model call whose
// projected cost would exceed a limit, PostCommit records the realized cost
// outcome once the call completed. Current spend is always derived from the
// cost ledger; the policy holds no state of its own.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"

	"goa.design/relay/runtime/cost"
	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/pricing"
	"goa.design/relay/runtime/telemetry"
)

// Bucket identifies which spending scope a limit applies to.
type Bucket string

const (
	// BucketRun scopes a limit to a single run.
	BucketRun Bucket = "run"
	// BucketSession scopes a limit to all runs of a session.
	BucketSession Bucket = "session"
)

// DefaultWarningThreshold is the spend fraction past which Preflight flags
// a soft warning.
const DefaultWarningThreshold = 0.8

// ExceededError reports a denied preflight: the projected spend for Bucket
// would exceed Limit.
type ExceededError struct {
	// Bucket is the scope whose limit would be exceeded.
	Bucket Bucket
	// Limit is the configured USD cap.
	Limit float64
	// Actual is the projected spend (current + planned).
	Actual float64
}

// Error returns the denial reason. The bucket name leads so callers can
// match "run budget limit exceeded" / "session budget limit exceeded".
func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s budget limit exceeded: projected $%.6f over limit $%.6f",
		e.Bucket, e.Actual, e.Limit)
}

// IsExceeded returns the ExceededError in err's chain, if any.
func IsExceeded(err error) (*ExceededError, bool) {
	var ee *ExceededError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

type (
	// SpendReader supplies current spend per scope. *cost.Ledger satisfies
	// it.
	SpendReader interface {
		Aggregate(ctx context.Context, runID string) (*cost.Summary, error)
		SessionAggregate(ctx context.Context, sessionID string) (*cost.Summary, error)
	}

	// Limits caps spending per scope. A zero cap means unlimited.
	Limits struct {
		// MaxCostPerRun caps USD spend within one run.
		MaxCostPerRun float64 `yaml:"max_cost_per_run"`
		// MaxCostPerSession caps USD spend across all runs of a session.
		MaxCostPerSession float64 `yaml:"max_cost_per_session"`
		// WarningThreshold is the spend fraction past which decisions carry
		// a soft warning. Zero selects DefaultWarningThreshold.
		WarningThreshold float64 `yaml:"warning_threshold"`
	}

	// Decision is the outcome of a preflight check.
	Decision struct {
		// Allowed reports whether the call may proceed.
		Allowed bool
		// ProjectedCostUSD is the estimated cost of the planned call.
		ProjectedCostUSD float64
		// RunRemainingUSD is the run budget left after the planned call.
		// +Inf when the run cap is unlimited.
		RunRemainingUSD float64
		// SessionRemainingUSD is the session budget left after the planned
		// call. +Inf when the session cap is unlimited.
		SessionRemainingUSD float64
		// Warning is set when spend crossed the warning threshold in either
		// scope. Soft signal only; never blocks.
		Warning bool
	}

	// Options configures a Policy.
	Options struct {
		// Limits are the enforced caps. Required (may be all-zero for a
		// fully unlimited policy).
		Limits Limits
		// Ledger supplies current spend. Required.
		Ledger SpendReader
		// Resolver prices planned usage for preflight projection. Required.
		Resolver *pricing.Resolver
		// Logger receives warning-threshold diagnostics. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics counts denials and warnings. Defaults to no-op.
		Metrics telemetry.Metrics
	}

	// Policy enforces the configured limits. Safe for concurrent use.
	Policy struct {
		limits   Limits
		ledger   SpendReader
		resolver *pricing.Resolver
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}
)

// NewPolicy constructs a Policy from options.
func NewPolicy(opts Options) (*Policy, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("budget: policy requires a ledger")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("budget: policy requires a pricing resolver")
	}
	l := opts.Limits
	if l.MaxCostPerRun < 0 || l.MaxCostPerSession < 0 {
		return nil, fmt.Errorf("budget: limits must be non-negative")
	}
	if l.WarningThreshold < 0 || l.WarningThreshold > 1 {
		return nil, fmt.Errorf("budget: warning threshold must be in [0,1], got %v", l.WarningThreshold)
	}
	if l.WarningThreshold == 0 {
		l.WarningThreshold = DefaultWarningThreshold
	}
	p := &Policy{
		limits:   l,
		ledger:   opts.Ledger,
		resolver: opts.Resolver,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewNoopMetrics()
	}
	return p, nil
}

// Preflight projects the cost of planned usage against both scopes and
// fails with *ExceededError when either cap would be exceeded. No ledger
// event is written on denial; the caller must not invoke the provider.
func (p *Policy) Preflight(ctx context.Context, runID, sessionID, provider, modelID string, planned model.Usage) (*Decision, error) {
	projected := p.resolver.Resolve(provider, modelID, planned).CalculatedCostUSD

	runSpend, err := p.ledger.Aggregate(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("budget: read run spend: %w", err)
	}
	sessSpend, err := p.ledger.SessionAggregate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("budget: read session spend: %w", err)
	}

	d := &Decision{Allowed: true, ProjectedCostUSD: projected}
	d.RunRemainingUSD = remaining(p.limits.MaxCostPerRun, runSpend.TotalCostUSD+projected)
	d.SessionRemainingUSD = remaining(p.limits.MaxCostPerSession, sessSpend.TotalCostUSD+projected)

	if p.limits.MaxCostPerRun > 0 && runSpend.TotalCostUSD+projected > p.limits.MaxCostPerRun {
		p.metrics.IncCounter("budget_denials", 1, "bucket", string(BucketRun))
		return nil, &ExceededError{
			Bucket: BucketRun,
			Limit:  p.limits.MaxCostPerRun,
			Actual: pricing.RoundUSD(runSpend.TotalCostUSD + projected),
		}
	}
	if p.limits.MaxCostPerSession > 0 && sessSpend.TotalCostUSD+projected > p.limits.MaxCostPerSession {
		p.metrics.IncCounter("budget_denials", 1, "bucket", string(BucketSession))
		return nil, &ExceededError{
			Bucket: BucketSession,
			Limit:  p.limits.MaxCostPerSession,
			Actual: pricing.RoundUSD(sessSpend.TotalCostUSD + projected),
		}
	}

	d.Warning = p.warned(ctx, runID, BucketRun, p.limits.MaxCostPerRun, runSpend.TotalCostUSD+projected) ||
		p.warned(ctx, sessionID, BucketSession, p.limits.MaxCostPerSession, sessSpend.TotalCostUSD+projected)
	return d, nil
}

// PostCommit records the realized outcome of a completed call: it re-reads
// spend so threshold warnings reflect the ledger entry the gateway just
// appended. It never blocks and never fails the originating call.
func (p *Policy) PostCommit(ctx context.Context, runID, sessionID string) {
	runSpend, err := p.ledger.Aggregate(ctx, runID)
	if err != nil {
		p.logger.Warn(ctx, "budget post-commit run spend read failed", "run_id", runID, "err", err)
		return
	}
	sessSpend, err := p.ledger.SessionAggregate(ctx, sessionID)
	if err != nil {
		p.logger.Warn(ctx, "budget post-commit session spend read failed", "session_id", sessionID, "err", err)
		return
	}
	p.warned(ctx, runID, BucketRun, p.limits.MaxCostPerRun, runSpend.TotalCostUSD)
	p.warned(ctx, sessionID, BucketSession, p.limits.MaxCostPerSession, sessSpend.TotalCostUSD)
	p.metrics.RecordGauge("budget_run_spend_usd", runSpend.TotalCostUSD, "run_id", runID)
}

// warned logs and counts a threshold crossing. Returns true when spend is at
// or past the warning fraction of a non-zero limit.
func (p *Policy) warned(ctx context.Context, id string, bucket Bucket, limit, spend float64) bool {
	if limit <= 0 || spend < limit*p.limits.WarningThreshold {
		return false
	}
	p.metrics.IncCounter("budget_warnings", 1, "bucket", string(bucket))
	p.logger.Warn(ctx, "budget warning threshold crossed",
		"bucket", string(bucket), "id", id, "spend_usd", spend, "limit_usd", limit)
	return true
}

// remaining computes the budget left under a cap. Zero caps are unlimited.
func remaining(limit, spend float64) float64 {
	if limit <= 0 {
		return math.Inf(1)
	}
	return pricing.RoundUSD(limit - spend)
}
