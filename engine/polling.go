package engine

import (
	"context"
	"time"

	"github.com/noatudor/maestro/backoff"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/workflow"
)

// advancePolling settles a polling run between probes: success when the
// latest observation reported completion, the next future-dated probe
// while budget remains, the timeout policy when it runs out. A probe
// that failed outright still consumes an attempt.
func (a *Advancer) advancePolling(ctx context.Context, w *workflow.Instance, def *definition.Definition, step *definition.Step, run *workflow.StepRun) (Outcome, []event.Event, error) {
	probes, err := a.stepRecords(ctx, run, job.PurposePoll)
	if err != nil {
		return OutcomeNone, nil, err
	}
	for _, rec := range probes {
		if !rec.State.Terminal() {
			return OutcomeNone, nil, nil
		}
	}
	attempts := len(probes)
	if attempts == 0 {
		return OutcomeNone, nil, nil
	}

	att, err := a.workflows.LatestPollAttempt(ctx, run.ID)
	if err != nil {
		return OutcomeNone, nil, err
	}

	if att != nil && att.Complete {
		if len(step.Produces) > 0 && att.Output != nil {
			for _, name := range step.Produces {
				if err := a.outputs.Write(ctx, w.ID, step.Key, name, att.Output); err != nil {
					return OutcomeNone, nil, err
				}
			}
		}
		run.PollCount = attempts
		run.JobsSucceeded = 1
		if err := run.Succeed(); err != nil {
			return OutcomeNone, nil, err
		}
		if err := a.workflows.UpdateStepRun(ctx, run); err != nil {
			return OutcomeNone, nil, err
		}
		ev := event.New(event.StepSucceeded, w.ID).WithStep(step.Key).
			WithDetail("poll_count", attempts)
		return a.afterStepSuccess(ctx, w, def, step, []event.Event{ev})
	}

	cfg := step.Polling
	if pollExhausted(cfg, attempts, run.StartedAt) {
		run.PollCount = attempts
		if err := run.TimeOut(); err != nil {
			return OutcomeNone, nil, err
		}
		if err := a.workflows.UpdateStepRun(ctx, run); err != nil {
			return OutcomeNone, nil, err
		}
		evs := []event.Event{event.New(event.StepTimedOut, w.ID).WithStep(step.Key).
			WithDetail("poll_count", attempts)}
		return a.applyPollTimeoutPolicy(ctx, w, def, step, evs)
	}

	delay := pollInterval(cfg, attempts)
	rec := job.NewRecord(w.ID, run.ID, step.JobClass, job.PurposePoll, step.EffectiveQueue(), nil)
	rec.Timeout = step.Timeout
	rec.RunAt = time.Now().UTC().Add(delay)
	if err := a.jobs.CreateRecord(ctx, rec); err != nil {
		return OutcomeNone, nil, err
	}
	run.PollCount = attempts
	if err := a.workflows.UpdateStepRun(ctx, run); err != nil {
		return OutcomeNone, nil, err
	}

	ev := event.New(event.PollAttempted, w.ID).WithStep(step.Key).
		WithDetail("poll_count", attempts).
		WithDetail("next_in", delay.String())
	return OutcomePollScheduled, []event.Event{ev}, nil
}

// applyPollTimeoutPolicy reacts to an exhausted polling budget.
func (a *Advancer) applyPollTimeoutPolicy(ctx context.Context, w *workflow.Instance, def *definition.Definition, step *definition.Step, evs []event.Event) (Outcome, []event.Event, error) {
	policy := definition.PollTimeoutFail
	if step.Polling != nil && step.Polling.TimeoutPolicy != "" {
		policy = step.Polling.TimeoutPolicy
	}

	switch policy {
	case definition.PollTimeoutPause:
		reason := "polling budget exhausted at step " + step.Key
		if err := w.Pause(reason); err != nil {
			return OutcomeNone, nil, err
		}
		evs = append(evs, event.New(event.WorkflowPaused, w.ID).WithStep(step.Key).
			WithDetail("reason", reason))
		return OutcomeWorkflowPaused, evs, nil

	case definition.PollTimeoutContinue:
		if len(step.Produces) > 0 && step.Polling != nil && step.Polling.DefaultOutput != nil {
			for _, name := range step.Produces {
				if err := a.outputs.Write(ctx, w.ID, step.Key, name, step.Polling.DefaultOutput); err != nil {
					return OutcomeNone, nil, err
				}
			}
		}
		outcome, evs, err := a.advancePosition(ctx, w, def, step, evs)
		if err != nil {
			return OutcomeNone, nil, err
		}
		if outcome == OutcomeStepSucceeded {
			outcome = OutcomeStepTimedOut
		}
		return outcome, evs, nil

	default:
		msg := "polling budget exhausted at step " + step.Key
		if err := w.Fail(step.Key, msg); err != nil {
			return OutcomeNone, nil, err
		}
		evs = append(evs, event.New(event.WorkflowFailed, w.ID).WithStep(step.Key).
			WithDetail("message", msg))
		return OutcomeWorkflowFailed, evs, nil
	}
}

// pollExhausted reports whether the polling budget is spent: attempt
// count reached, or wall time elapsed since the run started.
func pollExhausted(cfg *definition.PollingConfig, attempts int, startedAt *time.Time) bool {
	if cfg == nil {
		return true
	}
	if cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts {
		return true
	}
	if cfg.MaxDuration > 0 && startedAt != nil && time.Since(*startedAt) >= cfg.MaxDuration {
		return true
	}
	return false
}

// pollInterval is the delay before the next probe after n completed
// attempts, growing geometrically when a backoff multiplier is set.
func pollInterval(cfg *definition.PollingConfig, attempts int) time.Duration {
	factor := cfg.BackoffMultiplier
	if factor < 1 {
		factor = 1
	}
	return backoff.NewMultiplier(cfg.Interval, factor, cfg.MaxInterval).Delay(attempts)
}
