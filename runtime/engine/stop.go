package engine

import (
	"time"

	"goa.design/relay/runtime/run"
)

// Stop reasons, highest priority first. Hard reasons terminate the run
// regardless of progress; soft reasons report why a finished run stopped.
const (
	StopExternalAbort    = "external_abort"
	StopTimeout          = "timeout_reached"
	StopErrorThreshold   = "error_threshold_exceeded"
	StopGoalSatisfied    = "goal_satisfied"
	StopArtifactProduced = "artifact_produced"
	StopMaxSteps         = "max_steps_reached"
)

type (
	// Limits bounds a run. Zero values mean unlimited.
	Limits struct {
		// MaxDuration caps wall-clock time from run start.
		MaxDuration time.Duration
		// MaxErrors caps permanently failed tasks.
		MaxErrors int
		// MaxSteps caps task dispatches.
		MaxSteps int
	}

	// TokenUsage accumulates run-level token consumption.
	TokenUsage struct {
		Input  int `json:"input"`
		Output int `json:"output"`
		Total  int `json:"total"`
	}

	// ExecutionState is the engine's transient view of a run, persisted
	// as a snapshot on the run record at every phase boundary so runs can
	// be inspected post-mortem and resumed after restarts.
	ExecutionState struct {
		CurrentStepIndex int        `json:"currentStepIndex"`
		IterationCount   int        `json:"iterationCount"`
		TokenUsage       TokenUsage `json:"tokenUsage"`
		ErrorCount       int        `json:"errorCount"`
		Status           run.Status `json:"status"`
		StopReason       string     `json:"stopReason,omitempty"`
		WasAborted       bool       `json:"wasAborted"`
		GoalSatisfied    bool       `json:"goalSatisfied"`
		ArtifactProduced bool       `json:"artifactProduced"`
		StartTime        time.Time  `json:"startTime"`
		EndTime          *time.Time `json:"endTime,omitempty"`
	}

	// StopDecision is the outcome of evaluating the stop policy.
	StopDecision struct {
		// Stop reports whether the run must stop now.
		Stop bool
		// Reason is the winning stop reason.
		Reason string
		// Hard marks limit-driven stops that terminate the run as failed
		// or aborted rather than completed.
		Hard bool
	}
)

// EvaluateStop applies the stop policy to the execution state. Pure: the
// same state, limits and clock reading always produce the same decision.
// Hard limits (abort, timeout, error threshold) always win over progress
// outcomes.
func EvaluateStop(st *ExecutionState, lim Limits, now time.Time) StopDecision {
	if st.WasAborted {
		return StopDecision{Stop: true, Reason: StopExternalAbort, Hard: true}
	}
	if lim.MaxDuration > 0 && !st.StartTime.IsZero() && now.Sub(st.StartTime) >= lim.MaxDuration {
		return StopDecision{Stop: true, Reason: StopTimeout, Hard: true}
	}
	if lim.MaxErrors > 0 && st.ErrorCount >= lim.MaxErrors {
		return StopDecision{Stop: true, Reason: StopErrorThreshold, Hard: true}
	}
	if st.GoalSatisfied {
		return StopDecision{Stop: true, Reason: StopGoalSatisfied}
	}
	if st.ArtifactProduced {
		return StopDecision{Stop: true, Reason: StopArtifactProduced}
	}
	if lim.MaxSteps > 0 && st.IterationCount >= lim.MaxSteps {
		return StopDecision{Stop: true, Reason: StopMaxSteps, Hard: true}
	}
	return StopDecision{}
}
