package engine

import (
	"context"
	"log/slog"

	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/lock"
	"github.com/noatudor/maestro/sweep"
)

// WithSweepLocker enables the built-in sweeps, serialized across nodes
// through the given locker. Without it the engine runs no sweeps and
// deployments are expected to run them out of band.
func WithSweepLocker(locker lock.Locker) Option {
	return func(e *Engine) {
		e.sweepLocker = locker
	}
}

// buildSweeper assembles the standard sweep set on one schedule:
// zombies, stale dispatches, trigger timeouts, auto-retries, and, when
// the locker supports it, expired lock cleanup.
func (e *Engine) buildSweeper() (*sweep.Scheduler, error) {
	sched := sweep.NewScheduler(e.sweepLocker, e.logger,
		sweep.WithSweepLockTTL(e.cfg.LockTTL),
	)

	retry := func(ctx context.Context, workflowID id.WorkflowID, stepKey string) error {
		return e.RetryFrom(ctx, workflowID, stepKey, RetryOnly)
	}

	sweeps := []sweep.Sweep{
		sweep.NewZombieSweep(e.jobs, e.advancer, e.cfg.ZombieRunningThreshold, e.logger),
		sweep.NewStaleDispatchSweep(e.jobs, e.advancer, e.cfg.StaleDispatchThreshold, e.logger),
		sweep.NewTriggerTimeoutSweep(e.workflows, e.definitions, e.advancer, e.emitter, e.logger),
		sweep.NewAutoRetrySweep(e.workflows, e.definitions, retry, e.logger),
	}
	if janitor, ok := e.sweepLocker.(sweep.LockJanitor); ok {
		sweeps = append(sweeps, sweep.NewLockSweep(janitor, e.logger))
	}

	for _, sw := range sweeps {
		if err := sched.Register(e.cfg.SweepSchedule, sw); err != nil {
			return nil, err
		}
		e.logger.Debug("sweep registered",
			slog.String("sweep", sw.Name()),
			slog.String("schedule", e.cfg.SweepSchedule),
		)
	}
	return sched, nil
}
