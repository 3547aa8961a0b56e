package agent

// ResultKind classifies how a task ended.
type ResultKind string

const (
	// ResultSubmitted means the model called the submit tool.
	ResultSubmitted ResultKind = "submitted"

	// ResultBudgetExceeded means cumulative token spend crossed the
	// configured ceiling before the task finished.
	ResultBudgetExceeded ResultKind = "budget_exceeded"

	// ResultIterationsExceeded means the model looped without
	// converging within the iteration ceiling.
	ResultIterationsExceeded ResultKind = "iterations_exceeded"

	// ResultInfraFailure means the execution runtime failed repeatedly
	// and the task was abandoned.
	ResultInfraFailure ResultKind = "infrastructure_failure"
)

// Result is the single terminal outcome of a task. It is set exactly
// once; callers decide whether a non-submitted result warrants a retry.
type Result struct {
	Kind       ResultKind `json:"kind"`
	Artifact   string     `json:"artifact,omitempty"` // submit payload, set only when Kind == ResultSubmitted
	Cause      string     `json:"cause,omitempty"`    // human-readable failure description
	Iterations int        `json:"iterations"`
	TokensUsed int        `json:"tokens_used"`
}

// Submitted reports whether the task produced a final artifact.
func (r *Result) Submitted() bool {
	return r != nil && r.Kind == ResultSubmitted
}
