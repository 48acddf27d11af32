package types

// EventKind identifies a canonical trigger kind.
type EventKind string

// Canonical event kinds produced by the source adapter.
const (
	EventPROpened       EventKind = "pr_opened"
	EventPRUpdated      EventKind = "pr_updated"
	EventIssuesReported EventKind = "issues_reported"
	EventManualInvoke   EventKind = "manual_invoke"
	EventPRApproved     EventKind = "pr_approved"
)

// CanonicalEvent is the normalized form of an external trigger.
type CanonicalEvent struct {
	ID         string                 `json:"id"`
	Kind       EventKind              `json:"kind"`
	Subject    string                 `json:"subject"` // opaque reference owned by the host, e.g. a PR id
	Payload    map[string]interface{} `json:"payload,omitempty"`
	ReceivedAt int64                  `json:"received_at"`
}

// WorkflowDefinition describes a named workflow. Definitions are loaded
// once at startup and never mutated afterwards.
type WorkflowDefinition struct {
	Name            string    `json:"name"`
	Trigger         EventKind `json:"trigger"`
	Steps           []Step    `json:"steps"`
	Checklist       string    `json:"checklist,omitempty"`        // gate that must pass before the run may succeed
	ExitCondition   string    `json:"exit_condition,omitempty"`   // checked before each step; true ends the run as exited
	RepeatCondition string    `json:"repeat_condition,omitempty"` // checked after completion; true starts a fresh run
	MaxRepeats      int       `json:"max_repeats,omitempty"`
}

// Step is one ordered unit of a workflow definition.
type Step struct {
	Name          string       `json:"name"`
	Action        string       `json:"action"`
	Guard         string       `json:"guard,omitempty"` // false skips the step
	Outcome       OutcomeKind  `json:"outcome,omitempty"`
	TimeoutSec    int          `json:"timeout_sec,omitempty"`
	BestEffort    bool         `json:"best_effort,omitempty"` // timeout becomes a warning instead of a failure
	MaxRetries    int          `json:"max_retries,omitempty"`
	RetryDelaySec int          `json:"retry_delay_sec,omitempty"`
	Remediation   *Remediation `json:"remediation,omitempty"`
}

// OutcomeKind is the externally visible effect a step is expected to produce.
type OutcomeKind string

const (
	OutcomeComment OutcomeKind = "comment"
	OutcomeCommit  OutcomeKind = "commit"
	OutcomePush    OutcomeKind = "push"
	OutcomeMerge   OutcomeKind = "merge"
	OutcomeNone    OutcomeKind = "none"
)

// Remediation configures the bounded fix/verify/commit sub-loop for a step.
// Each iteration fixes one outstanding issue; the loop re-lists issues and
// exits when the exit condition holds or the iteration cap is reached.
type Remediation struct {
	MaxIterations int    `json:"max_iterations"`
	ExitCondition string `json:"exit_condition,omitempty"` // defaults to "issues == 0"
}

// ItemResult is the tri-state outcome of a checklist predicate.
type ItemResult string

const (
	ResultUnknown ItemResult = "unknown"
	ResultPass    ItemResult = "pass"
	ResultFail    ItemResult = "fail"
)

// ChecklistItem is one named boolean condition of a gate.
type ChecklistItem struct {
	Name      string     `json:"name"`
	Predicate string     `json:"predicate"`
	Result    ItemResult `json:"result"`
}

// GateResult is the aggregate of one checklist evaluation.
// Pass is true only when every item resolved to pass.
type GateResult struct {
	Pass        bool            `json:"pass"`
	Items       []ChecklistItem `json:"items"`
	EvaluatedAt int64           `json:"evaluated_at"`
}

// StepStatus classifies one recorded step outcome.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepTimeout StepStatus = "timeout"
	StepSkipped StepStatus = "skipped"
	StepWarning StepStatus = "warning" // best-effort step that timed out
)

// StepRecord is one append-only entry in a run's step log.
type StepRecord struct {
	Step       string     `json:"step"`
	Status     StepStatus `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  int64      `json:"started_at"`
	FinishedAt int64      `json:"finished_at"`
}

// Run states. A run in a terminal state is never written again.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
	StateExited    = "exited"
)

// IsTerminalState reports whether a run state is terminal.
func IsTerminalState(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateCancelled, StateExited:
		return true
	}
	return false
}

// WorkflowRun is one execution instance of a definition bound to a
// triggering event. The step index only moves forward and the log is
// append-only; repeat restarts create a new run instead of reusing one.
type WorkflowRun struct {
	ID        uint64                 `json:"id"`
	Workflow  string                 `json:"workflow"`
	EventID   string                 `json:"event_id"`
	Subject   string                 `json:"subject"`
	State     string                 `json:"state"`
	StepIndex int                    `json:"step_index"`
	Log       []StepRecord           `json:"log"`
	Reason    string                 `json:"reason,omitempty"` // failure kind for failed runs
	Context   map[string]interface{} `json:"context,omitempty"`
	Attempt   int                    `json:"attempt"` // 1-based position in a repeat chain
	CreatedAt int64                  `json:"created_at"`
	UpdatedAt int64                  `json:"updated_at"`
}

// Issue is one outstanding finding reported by the analysis source.
type Issue struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}
