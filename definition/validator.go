package definition

import (
	"fmt"

	"github.com/noatudor/maestro"
)

// Validation issue codes.
const (
	IssueEmptyKey               = "empty_key"
	IssueEmptySteps             = "empty_steps"
	IssueDuplicateStepKey       = "duplicate_step_key"
	IssueMissingJobClass        = "missing_job_class"
	IssueUnsatisfiedRequirement = "unsatisfied_requirement"
	IssueUnknownHandler         = "unknown_handler"
	IssueUnknownCondition       = "unknown_condition"
	IssueUnknownItemSource      = "unknown_item_source"
	IssueInvalidCriteria        = "invalid_criteria"
	IssueInvalidPolling         = "invalid_polling"
	IssueInvalidRetry           = "invalid_retry"
	IssueInvalidTrigger         = "invalid_trigger"
	IssueInvalidPolicy          = "invalid_policy"
)

// HandlerIndex answers whether a job class has a registered handler or
// poll probe. Implemented by the job registry; a nil index skips handler
// existence checks so definitions can be built before workers register.
type HandlerIndex interface {
	HasHandler(jobClass string) bool
	HasProbe(jobClass string) bool
}

// Validate checks a definition for structural errors. It is not
// fail-fast: every issue found is collected into a single
// *maestro.ValidationError. The handlers index and resolver are each
// optional; when nil, the corresponding existence checks are skipped.
//
// Ordering matters for requirement checks: a step may only require
// outputs produced by steps that appear earlier in the list.
func Validate(def *Definition, handlers HandlerIndex, resolver *Resolver) error {
	var issues []maestro.ValidationIssue

	add := func(code, stepKey, format string, args ...any) {
		issues = append(issues, maestro.ValidationIssue{
			Code:    code,
			StepKey: stepKey,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if def.Key == "" {
		add(IssueEmptyKey, "", "definition key is empty")
	}
	if len(def.Steps) == 0 {
		add(IssueEmptySteps, "", "definition declares no steps")
	}

	seen := make(map[string]bool, len(def.Steps))
	produced := make(map[string]bool)

	for i := range def.Steps {
		step := &def.Steps[i]

		if step.Key == "" {
			add(IssueEmptyKey, "", "step %d has an empty key", i)
			continue
		}
		if seen[step.Key] {
			add(IssueDuplicateStepKey, step.Key, "step key declared more than once")
		}
		seen[step.Key] = true

		validateStep(step, handlers, resolver, add)

		for _, req := range step.Requires {
			if !produced[req] {
				add(IssueUnsatisfiedRequirement, step.Key,
					"requires %q, which no earlier step produces", req)
			}
		}
		for _, out := range step.Produces {
			produced[out] = true
		}
	}

	if len(issues) == 0 {
		return nil
	}
	return &maestro.ValidationError{DefinitionKey: def.Key, Issues: issues}
}

func validateStep(step *Step, handlers HandlerIndex, resolver *Resolver, add func(code, stepKey, format string, args ...any)) {
	switch step.Kind {
	case KindSingleJob, KindFanOut, KindPolling:
	default:
		add(IssueInvalidPolicy, step.Key, "unknown step kind %q", step.Kind)
	}

	if step.JobClass == "" {
		add(IssueMissingJobClass, step.Key, "no job class declared")
	} else if handlers != nil {
		if step.Kind == KindPolling {
			if !handlers.HasProbe(step.JobClass) {
				add(IssueUnknownHandler, step.Key, "no poll probe registered for %q", step.JobClass)
			}
		} else if !handlers.HasHandler(step.JobClass) {
			add(IssueUnknownHandler, step.Key, "no handler registered for %q", step.JobClass)
		}
	}

	if step.Kind == KindFanOut {
		if step.ItemSource == "" {
			add(IssueUnknownItemSource, step.Key, "fan-out step declares no item source")
		} else if resolver != nil {
			if _, ok := resolver.ItemSource(step.ItemSource); !ok {
				add(IssueUnknownItemSource, step.Key, "item source %q not registered", step.ItemSource)
			}
		}
		if step.ArgumentBuilder != "" && resolver != nil {
			if _, ok := resolver.ArgumentBuilder(step.ArgumentBuilder); !ok {
				add(IssueUnknownItemSource, step.Key, "argument builder %q not registered", step.ArgumentBuilder)
			}
		}
		validateCriteria(step, add)
	} else {
		if step.ItemSource != "" || step.ArgumentBuilder != "" {
			add(IssueInvalidCriteria, step.Key, "item source applies only to fan-out steps")
		}
		if step.Criteria.Mode != "" {
			add(IssueInvalidCriteria, step.Key, "success criteria apply only to fan-out steps")
		}
		if step.FailurePolicy == ContinueWithPartial {
			add(IssueInvalidPolicy, step.Key, "continue_with_partial applies only to fan-out steps")
		}
	}

	if step.Kind == KindPolling {
		validatePolling(step, add)
	} else if step.Polling != nil {
		add(IssueInvalidPolling, step.Key, "polling config applies only to polling steps")
	}

	if step.FailurePolicy == RetryStep {
		if step.Retry == nil {
			add(IssueInvalidRetry, step.Key, "retry_step policy requires a retry config")
		} else if step.Retry.MaxAttempts < 1 {
			add(IssueInvalidRetry, step.Key, "retry max attempts must be at least 1")
		}
	}

	if resolver != nil {
		checkCondition := func(name, role string) {
			if name == "" {
				return
			}
			var ok bool
			switch role {
			case "entry":
				_, ok = resolver.Condition(name)
			case "branch":
				_, ok = resolver.Branch(name)
			case "termination":
				_, ok = resolver.Termination(name)
			}
			if !ok {
				add(IssueUnknownCondition, step.Key, "%s condition %q not registered", role, name)
			}
		}
		checkCondition(step.EntryCondition, "entry")
		checkCondition(step.BranchCondition, "branch")
		checkCondition(step.TerminationCondition, "termination")
	}

	if step.Trigger != nil {
		if step.Trigger.Key == "" {
			add(IssueInvalidTrigger, step.Key, "trigger declares no key")
		}
		if step.Trigger.TimeoutPolicy == TriggerTimeoutExtend && step.Trigger.Extension <= 0 {
			add(IssueInvalidTrigger, step.Key, "extend policy requires a positive extension")
		}
		if step.Trigger.TimeoutPolicy != "" && step.Trigger.Timeout <= 0 {
			add(IssueInvalidTrigger, step.Key, "timeout policy without a timeout")
		}
	}
}

func validateCriteria(step *Step, add func(code, stepKey, format string, args ...any)) {
	switch step.Criteria.Mode {
	case "", CriteriaAll, CriteriaMajority, CriteriaBestEffort:
		if step.Criteria.N != 0 {
			add(IssueInvalidCriteria, step.Key, "threshold n applies only to at_least criteria")
		}
	case CriteriaAtLeast:
		if step.Criteria.N < 1 {
			add(IssueInvalidCriteria, step.Key, "at_least criteria require n >= 1")
		}
	default:
		add(IssueInvalidCriteria, step.Key, "unknown criteria mode %q", step.Criteria.Mode)
	}

	if step.Parallelism < 0 {
		add(IssueInvalidCriteria, step.Key, "parallelism must not be negative")
	}
}

func validatePolling(step *Step, add func(code, stepKey, format string, args ...any)) {
	p := step.Polling
	if p == nil {
		add(IssueInvalidPolling, step.Key, "polling step declares no polling config")
		return
	}
	if p.Interval <= 0 {
		add(IssueInvalidPolling, step.Key, "poll interval must be positive")
	}
	if p.MaxAttempts <= 0 && p.MaxDuration <= 0 {
		add(IssueInvalidPolling, step.Key, "polling budget requires max attempts or max duration")
	}
	if p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1 {
		add(IssueInvalidPolling, step.Key, "poll backoff multiplier must be at least 1")
	}
	switch p.TimeoutPolicy {
	case "", PollTimeoutFail, PollTimeoutPause, PollTimeoutContinue:
	default:
		add(IssueInvalidPolling, step.Key, "unknown poll timeout policy %q", p.TimeoutPolicy)
	}
}
