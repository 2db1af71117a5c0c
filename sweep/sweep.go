// Package sweep reconciles state that normal execution can leave
// behind: running jobs whose worker died, dispatched jobs nothing ever
// claimed, workflows stuck past a trigger deadline, and failed
// workflows due for automatic retry. Sweeps run on cron schedules and
// serialize across nodes through named locks.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/workflow"
)

// Failure classes stamped on records the sweeps fail.
const (
	FailureZombie        = "maestro.zombie"
	FailureStaleDispatch = "maestro.stale_dispatch"
)

// Advancer re-evaluates a workflow after a sweep changes its records.
// Implemented by engine.Advancer.
type Advancer interface {
	Run(ctx context.Context, workflowID id.WorkflowID) error
}

// RetryFunc retries a failed workflow from a step. The engine provides
// the implementation; the function type breaks the import cycle.
type RetryFunc func(ctx context.Context, workflowID id.WorkflowID, stepKey string) error

// Sweep is one reconciliation pass. Run must be safe to invoke
// repeatedly and concurrently with normal execution.
type Sweep interface {
	Name() string
	Run(ctx context.Context) error
}

// ZombieSweep fails running records whose heartbeat went quiet, then
// re-evaluates their workflows so normal failure handling applies.
type ZombieSweep struct {
	jobs      job.Store
	advancer  Advancer
	threshold time.Duration
	logger    *slog.Logger
}

// NewZombieSweep creates a zombie sweep with the given heartbeat
// threshold.
func NewZombieSweep(jobs job.Store, advancer Advancer, threshold time.Duration, logger *slog.Logger) *ZombieSweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZombieSweep{jobs: jobs, advancer: advancer, threshold: threshold, logger: logger}
}

// Name implements Sweep.
func (s *ZombieSweep) Name() string { return "zombie" }

// Run implements Sweep.
func (s *ZombieSweep) Run(ctx context.Context) error {
	recs, err := s.jobs.ListZombieRecords(ctx, s.threshold)
	if err != nil {
		return fmt.Errorf("list zombie records: %w", err)
	}

	for _, rec := range recs {
		msg := fmt.Sprintf("no heartbeat for over %s", s.threshold)
		if failErr := rec.Fail(FailureZombie, msg, ""); failErr != nil {
			s.logger.Warn("zombie sweep: cannot fail record",
				slog.String("job_id", rec.ID.String()),
				slog.String("error", failErr.Error()),
			)
			continue
		}
		if updateErr := s.jobs.UpdateRecord(ctx, rec); updateErr != nil {
			s.logger.Error("zombie sweep: update failed",
				slog.String("job_id", rec.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			continue
		}
		s.logger.Info("zombie job failed by sweep",
			slog.String("job_id", rec.ID.String()),
			slog.String("job_class", rec.JobClass),
			slog.String("workflow_id", rec.WorkflowID.String()),
		)
		if advErr := s.advancer.Run(ctx, rec.WorkflowID); advErr != nil {
			s.logger.Warn("zombie sweep: advancement failed",
				slog.String("workflow_id", rec.WorkflowID.String()),
				slog.String("error", advErr.Error()),
			)
		}
	}
	return nil
}

// StaleDispatchSweep fails dispatched records that sat unclaimed past
// their RunAt for too long, indicating dead workers or a stuck queue.
type StaleDispatchSweep struct {
	jobs      job.Store
	advancer  Advancer
	threshold time.Duration
	logger    *slog.Logger
}

// NewStaleDispatchSweep creates a stale-dispatch sweep.
func NewStaleDispatchSweep(jobs job.Store, advancer Advancer, threshold time.Duration, logger *slog.Logger) *StaleDispatchSweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaleDispatchSweep{jobs: jobs, advancer: advancer, threshold: threshold, logger: logger}
}

// Name implements Sweep.
func (s *StaleDispatchSweep) Name() string { return "stale-dispatch" }

// Run implements Sweep.
func (s *StaleDispatchSweep) Run(ctx context.Context) error {
	recs, err := s.jobs.ListStaleDispatched(ctx, s.threshold)
	if err != nil {
		return fmt.Errorf("list stale dispatched records: %w", err)
	}

	for _, rec := range recs {
		msg := fmt.Sprintf("unclaimed for over %s past run_at", s.threshold)
		if failErr := rec.Fail(FailureStaleDispatch, msg, ""); failErr != nil {
			continue
		}
		if updateErr := s.jobs.UpdateRecord(ctx, rec); updateErr != nil {
			s.logger.Error("stale-dispatch sweep: update failed",
				slog.String("job_id", rec.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			continue
		}
		s.logger.Info("stale dispatched job failed by sweep",
			slog.String("job_id", rec.ID.String()),
			slog.String("queue", rec.Queue),
			slog.String("workflow_id", rec.WorkflowID.String()),
		)
		if advErr := s.advancer.Run(ctx, rec.WorkflowID); advErr != nil {
			s.logger.Warn("stale-dispatch sweep: advancement failed",
				slog.String("workflow_id", rec.WorkflowID.String()),
				slog.String("error", advErr.Error()),
			)
		}
	}
	return nil
}

// TriggerTimeoutSweep applies each step's trigger timeout policy to
// workflows still paused past their trigger deadline.
type TriggerTimeoutSweep struct {
	workflows   workflow.Store
	definitions *definition.Registry
	advancer    Advancer
	emitter     event.Emitter
	logger      *slog.Logger
}

// NewTriggerTimeoutSweep creates a trigger-timeout sweep.
func NewTriggerTimeoutSweep(workflows workflow.Store, definitions *definition.Registry, advancer Advancer, emitter event.Emitter, logger *slog.Logger) *TriggerTimeoutSweep {
	if emitter == nil {
		emitter = event.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerTimeoutSweep{
		workflows:   workflows,
		definitions: definitions,
		advancer:    advancer,
		emitter:     emitter,
		logger:      logger,
	}
}

// Name implements Sweep.
func (s *TriggerTimeoutSweep) Name() string { return "trigger-timeout" }

// Run implements Sweep.
func (s *TriggerTimeoutSweep) Run(ctx context.Context) error {
	expired, err := s.workflows.ListAwaitingTriggerPastDeadline(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("list expired trigger waits: %w", err)
	}

	for _, w := range expired {
		if sweepErr := s.sweepOne(ctx, w.ID); sweepErr != nil {
			s.logger.Warn("trigger-timeout sweep failed for workflow",
				slog.String("workflow_id", w.ID.String()),
				slog.String("error", sweepErr.Error()),
			)
		}
	}
	return nil
}

func (s *TriggerTimeoutSweep) sweepOne(ctx context.Context, workflowID id.WorkflowID) error {
	var (
		resume  bool
		pending []event.Event
	)
	err := s.workflows.WithLockedInstance(ctx, workflowID, func(ctx context.Context, w *workflow.Instance) error {
		resume = false
		pending = nil

		// Someone may have delivered the trigger since listing.
		if w.AwaitingTrigger == "" || w.TriggerDeadline == nil || w.TriggerDeadline.After(time.Now().UTC()) {
			return nil
		}

		def, err := s.definitions.Get(w.DefinitionKey, w.DefinitionVersion)
		if err != nil {
			return err
		}
		step, ok := def.StepByKey(w.CurrentStepKey)
		if !ok || step.Trigger == nil {
			return fmt.Errorf("awaiting trigger at step %q with no trigger config", w.CurrentStepKey)
		}

		policy := step.Trigger.TimeoutPolicy
		if policy == "" {
			policy = definition.TriggerTimeoutFail
		}

		switch policy {
		case definition.TriggerTimeoutRemind:
			// Push the deadline one timeout period out so each period
			// yields a single reminder.
			next := w.TriggerDeadline.Add(step.Trigger.Timeout)
			w.TriggerDeadline = &next
			pending = append(pending, event.New(event.TriggerReminder, w.ID).
				WithStep(step.Key).
				WithDetail("trigger_key", w.AwaitingTrigger))
			return nil

		case definition.TriggerTimeoutAutoResume:
			empty := workflow.NewTriggerPayload(w.ID, w.AwaitingTrigger, nil)
			if err := s.workflows.AppendTriggerPayload(ctx, empty); err != nil {
				return err
			}
			if err := w.Resume(); err != nil {
				return err
			}
			resume = true
			pending = append(pending, event.New(event.TriggerDelivered, w.ID).
				WithStep(step.Key).
				WithDetail("trigger_key", step.Trigger.Key).
				WithDetail("auto_resumed", true))
			return nil

		case definition.TriggerTimeoutExtend:
			next := w.TriggerDeadline.Add(step.Trigger.Extension)
			w.TriggerDeadline = &next
			return nil

		default:
			msg := fmt.Sprintf("trigger %q deadline passed", w.AwaitingTrigger)
			if err := w.Fail(step.Key, msg); err != nil {
				return err
			}
			pending = append(pending, event.New(event.WorkflowFailed, w.ID).
				WithStep(step.Key).
				WithDetail("message", msg))
			return nil
		}
	})
	if err != nil {
		return err
	}

	for _, ev := range pending {
		s.emitter.Emit(ev)
	}
	if resume {
		return s.advancer.Run(ctx, workflowID)
	}
	return nil
}

// AutoRetrySweep retries failed workflows whose definitions opt in to
// automatic retry, once the configured delay has elapsed.
type AutoRetrySweep struct {
	workflows   workflow.Store
	definitions *definition.Registry
	retry       RetryFunc
	logger      *slog.Logger
}

// NewAutoRetrySweep creates an auto-retry sweep.
func NewAutoRetrySweep(workflows workflow.Store, definitions *definition.Registry, retry RetryFunc, logger *slog.Logger) *AutoRetrySweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoRetrySweep{workflows: workflows, definitions: definitions, retry: retry, logger: logger}
}

// Name implements Sweep.
func (s *AutoRetrySweep) Name() string { return "auto-retry" }

// Run implements Sweep.
func (s *AutoRetrySweep) Run(ctx context.Context) error {
	failed, err := s.workflows.ListInstances(ctx, workflow.ListOpts{State: workflow.StateFailed})
	if err != nil {
		return fmt.Errorf("list failed instances: %w", err)
	}

	for _, w := range failed {
		def, defErr := s.definitions.Get(w.DefinitionKey, w.DefinitionVersion)
		if defErr != nil {
			s.logger.Warn("auto-retry sweep: definition missing",
				slog.String("workflow_id", w.ID.String()),
				slog.String("definition_key", w.DefinitionKey),
			)
			continue
		}
		cfg := def.AutoRetry
		if cfg == nil || w.FailedStepKey == "" {
			continue
		}
		if w.AutoRetryCount >= cfg.MaxAttempts {
			continue
		}
		if time.Since(w.UpdatedAt) < cfg.Delay {
			continue
		}

		if retryErr := s.retryOne(ctx, w.ID, cfg.MaxAttempts); retryErr != nil {
			s.logger.Warn("auto-retry sweep: retry failed",
				slog.String("workflow_id", w.ID.String()),
				slog.String("error", retryErr.Error()),
			)
		}
	}
	return nil
}

// retryOne consumes one auto-retry attempt under the row lock, then
// retries from the failed step. The re-check guards against an operator
// resolving the workflow between listing and locking.
func (s *AutoRetrySweep) retryOne(ctx context.Context, workflowID id.WorkflowID, maxAttempts int) error {
	var stepKey string
	err := s.workflows.WithLockedInstance(ctx, workflowID, func(_ context.Context, w *workflow.Instance) error {
		if w.State != workflow.StateFailed || w.AutoRetryCount >= maxAttempts {
			stepKey = ""
			return nil
		}
		stepKey = w.FailedStepKey
		w.AutoRetryCount++
		return nil
	})
	if err != nil {
		return err
	}
	if stepKey == "" {
		return nil
	}

	s.logger.Info("auto-retrying failed workflow",
		slog.String("workflow_id", workflowID.String()),
		slog.String("step_key", stepKey),
	)
	return s.retry(ctx, workflowID, stepKey)
}

// LockJanitor removes expired named locks. The memory locker implements
// it; the Redis locker expires keys natively and needs no sweep.
type LockJanitor interface {
	RemoveExpired(ctx context.Context) (int, error)
}

// LockSweep clears expired named locks on backends that cannot expire
// them natively.
type LockSweep struct {
	janitor LockJanitor
	logger  *slog.Logger
}

// NewLockSweep creates a lock sweep.
func NewLockSweep(janitor LockJanitor, logger *slog.Logger) *LockSweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockSweep{janitor: janitor, logger: logger}
}

// Name implements Sweep.
func (s *LockSweep) Name() string { return "expired-locks" }

// Run implements Sweep.
func (s *LockSweep) Run(ctx context.Context) error {
	n, err := s.janitor.RemoveExpired(ctx)
	if err != nil {
		return fmt.Errorf("remove expired locks: %w", err)
	}
	if n > 0 {
		s.logger.Debug("expired locks removed", slog.Int("count", n))
	}
	return nil
}
