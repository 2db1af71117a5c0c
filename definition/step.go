package definition

import "time"

// Kind discriminates the three step variants.
type Kind string

const (
	// KindSingleJob dispatches exactly one job.
	KindSingleJob Kind = "single_job"
	// KindFanOut dispatches one job per item produced by an ItemSource.
	KindFanOut Kind = "fan_out"
	// KindPolling dispatches a probe job repeatedly until it reports
	// completion or the polling budget is exhausted.
	KindPolling Kind = "polling"
)

// FailurePolicy selects what happens when a step run fails terminally.
type FailurePolicy string

const (
	// FailWorkflow fails the whole workflow.
	FailWorkflow FailurePolicy = "fail_workflow"
	// PauseWorkflow pauses the workflow for operator intervention.
	PauseWorkflow FailurePolicy = "pause_workflow"
	// RetryStep supersedes the failed run and dispatches a fresh attempt,
	// bounded by the step's RetryConfig. Exhausted retries fall through to
	// FailWorkflow.
	RetryStep FailurePolicy = "retry_step"
	// SkipStep marks the run skipped and advances as if it succeeded.
	SkipStep FailurePolicy = "skip_step"
	// ContinueWithPartial (fan-out only) treats the run as succeeded
	// despite job failures, proceeding with whatever output was produced.
	ContinueWithPartial FailurePolicy = "continue_with_partial"
)

// RetryScope selects which jobs a RetryStep attempt re-dispatches.
type RetryScope string

const (
	// RetryAllJobs re-dispatches every job of the step.
	RetryAllJobs RetryScope = "all_jobs"
	// RetryFailedOnly re-dispatches only the jobs that failed.
	RetryFailedOnly RetryScope = "failed_only"
)

// RetryConfig bounds RetryStep behavior. Delays grow geometrically:
// delay(n) = min(Delay * BackoffMultiplier^(n-1), MaxDelay).
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	Delay             time.Duration `json:"delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty"`
	MaxDelay          time.Duration `json:"max_delay,omitempty"`
	Scope             RetryScope    `json:"scope,omitempty"`
}

// CriteriaMode discriminates fan-out success criteria.
type CriteriaMode string

const (
	// CriteriaAll requires every job to succeed.
	CriteriaAll CriteriaMode = "all"
	// CriteriaMajority requires strictly more than half to succeed.
	CriteriaMajority CriteriaMode = "majority"
	// CriteriaBestEffort requires at least one success.
	CriteriaBestEffort CriteriaMode = "best_effort"
	// CriteriaAtLeast requires at least N successes.
	CriteriaAtLeast CriteriaMode = "at_least"
)

// SuccessCriteria decides whether a fan-out step succeeded given its
// terminal job counts. Evaluation happens only after every job reached a
// terminal state; the criteria affect the success threshold, not early
// termination.
type SuccessCriteria struct {
	Mode CriteriaMode `json:"mode"`
	N    int          `json:"n,omitempty"`
}

// All requires every job to succeed.
func All() SuccessCriteria { return SuccessCriteria{Mode: CriteriaAll} }

// Majority requires strictly more than half of the jobs to succeed.
func Majority() SuccessCriteria { return SuccessCriteria{Mode: CriteriaMajority} }

// BestEffort requires at least one job to succeed.
func BestEffort() SuccessCriteria { return SuccessCriteria{Mode: CriteriaBestEffort} }

// AtLeast requires at least n jobs to succeed.
func AtLeast(n int) SuccessCriteria { return SuccessCriteria{Mode: CriteriaAtLeast, N: n} }

// Evaluate reports whether succeeded out of total satisfies the criteria.
// A total of zero is vacuously successful for every mode.
func (c SuccessCriteria) Evaluate(succeeded, total int) bool {
	if total == 0 {
		return true
	}

	switch c.Mode {
	case CriteriaAll:
		return succeeded == total
	case CriteriaMajority:
		return succeeded > total/2
	case CriteriaBestEffort:
		return succeeded > 0
	case CriteriaAtLeast:
		return succeeded >= c.N
	default:
		// Unset criteria on a fan-out step behave like All.
		return succeeded == total
	}
}

// PollTimeoutPolicy selects what happens when a polling step exhausts its
// budget without the probe reporting completion.
type PollTimeoutPolicy string

const (
	// PollTimeoutFail fails the workflow.
	PollTimeoutFail PollTimeoutPolicy = "fail_workflow"
	// PollTimeoutPause pauses the workflow.
	PollTimeoutPause PollTimeoutPolicy = "pause_workflow"
	// PollTimeoutContinue marks the step timed out but advances the
	// workflow, producing the configured default output if any.
	PollTimeoutContinue PollTimeoutPolicy = "continue_with_default"
)

// PollingConfig bounds a polling step. Poll intervals grow geometrically:
// interval(n) = min(Interval * BackoffMultiplier^(n-1), MaxInterval).
// The budget is exhausted when either MaxAttempts polls have completed or
// MaxDuration has elapsed since the first poll.
type PollingConfig struct {
	Interval          time.Duration     `json:"interval"`
	MaxAttempts       int               `json:"max_attempts,omitempty"`
	MaxDuration       time.Duration     `json:"max_duration,omitempty"`
	BackoffMultiplier float64           `json:"backoff_multiplier,omitempty"`
	MaxInterval       time.Duration     `json:"max_interval,omitempty"`
	TimeoutPolicy     PollTimeoutPolicy `json:"timeout_policy,omitempty"`
	// DefaultOutput is produced under PollTimeoutContinue, keyed by the
	// step's first declared Produces entry.
	DefaultOutput []byte `json:"default_output,omitempty"`
}

// TriggerTimeoutPolicy selects what happens when a workflow paused
// awaiting an external trigger passes its deadline.
type TriggerTimeoutPolicy string

const (
	// TriggerTimeoutFail fails the workflow.
	TriggerTimeoutFail TriggerTimeoutPolicy = "fail_workflow"
	// TriggerTimeoutRemind emits a reminder event and keeps waiting.
	TriggerTimeoutRemind TriggerTimeoutPolicy = "remind"
	// TriggerTimeoutAutoResume resumes the workflow with an empty payload.
	TriggerTimeoutAutoResume TriggerTimeoutPolicy = "auto_resume"
	// TriggerTimeoutExtend pushes the deadline out by Extension.
	TriggerTimeoutExtend TriggerTimeoutPolicy = "extend"
)

// TriggerConfig parks the workflow paused before dispatching the step,
// until an external payload arrives for Key or Timeout elapses.
type TriggerConfig struct {
	Key           string               `json:"key"`
	Timeout       time.Duration        `json:"timeout,omitempty"`
	TimeoutPolicy TriggerTimeoutPolicy `json:"timeout_policy,omitempty"`
	Extension     time.Duration        `json:"extension,omitempty"`
}

// CompensationConfig declares the rollback job for a step. Steps without
// one are skipped during compensation.
type CompensationConfig struct {
	JobClass    string `json:"job_class"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// Step is one entry in a Definition's ordered step list. Exactly one
// variant-specific field group applies depending on Kind.
type Step struct {
	Key      string        `json:"key"`
	Kind     Kind          `json:"kind"`
	JobClass string        `json:"job_class"`
	Queue    string        `json:"queue,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	// Output dependencies.
	Requires []string `json:"requires,omitempty"`
	Produces []string `json:"produces,omitempty"`

	// Failure handling.
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
	Retry         *RetryConfig  `json:"retry,omitempty"`

	// Fan-out.
	ItemSource      string          `json:"item_source,omitempty"`
	ArgumentBuilder string          `json:"argument_builder,omitempty"`
	Parallelism     int             `json:"parallelism,omitempty"`
	Criteria        SuccessCriteria `json:"criteria,omitempty"`

	// Polling.
	Polling *PollingConfig `json:"polling,omitempty"`

	// Conditions by resolver name.
	EntryCondition       string `json:"entry_condition,omitempty"`
	TerminationCondition string `json:"termination_condition,omitempty"`
	BranchCondition      string `json:"branch_condition,omitempty"`
	// BranchKey assigns this step to a branch; steps whose key does not
	// match the active branch decision are skipped.
	BranchKey string `json:"branch_key,omitempty"`

	// Rollback.
	Compensation *CompensationConfig `json:"compensation,omitempty"`

	// External trigger gate.
	Trigger *TriggerConfig `json:"trigger,omitempty"`
}

// EffectivePolicy returns the step's failure policy, defaulting to
// FailWorkflow when unset.
func (s *Step) EffectivePolicy() FailurePolicy {
	if s.FailurePolicy == "" {
		return FailWorkflow
	}
	return s.FailurePolicy
}

// EffectiveQueue returns the step's queue, defaulting to "default".
func (s *Step) EffectiveQueue() string {
	if s.Queue == "" {
		return "default"
	}
	return s.Queue
}

// Compensable reports whether the step declares a compensation job.
func (s *Step) Compensable() bool {
	return s.Compensation != nil && s.Compensation.JobClass != ""
}
