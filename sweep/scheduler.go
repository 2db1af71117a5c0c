package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/lock"
)

// cronParser accepts standard five-field cron expressions plus
// descriptors like "@every 1m" and "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// lockPrefix namespaces sweep locks away from application locks.
const lockPrefix = "maestro.sweep."

// Scheduler runs registered sweeps on cron schedules. Each run is gated
// by a named lock so a sweep fires on at most one node per schedule
// slot; losing the lock race counts as a completed run.
type Scheduler struct {
	locker       lock.Locker
	logger       *slog.Logger
	tickInterval time.Duration
	lockTTL      time.Duration

	mu      sync.Mutex
	entries []*entry
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	sweep     Sweep
	schedule  cronlib.Schedule
	nextRunAt time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due sweeps.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithSweepLockTTL sets the TTL on the per-sweep named lock. It should
// comfortably exceed the longest expected sweep run.
func WithSweepLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(locker lock.Locker, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		locker:       locker,
		logger:       logger,
		tickInterval: time.Second,
		lockTTL:      5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a sweep on the given cron schedule. The first run is
// the schedule's next fire time, not now.
func (s *Scheduler) Register(expr string, sw Sweep) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("parse schedule %q for sweep %s: %w", expr, sw.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		sweep:     sw,
		schedule:  sched,
		nextRunAt: sched.Next(time.Now()),
	})
	return nil
}

// Start launches the tick loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.tickLoop(ctx)
	s.logger.Info("sweep scheduler started",
		slog.Int("sweeps", len(s.entries)),
		slog.Duration("tick_interval", s.tickInterval),
	)
}

// Stop halts the tick loop and waits for any in-flight sweep run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.nextRunAt.After(now) {
			due = append(due, e)
			e.nextRunAt = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	// Sweeps touch disjoint state and each run is lock-gated, so due
	// sweeps run concurrently.
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range due {
		sw := e.sweep
		g.Go(func() error {
			s.runOne(gctx, sw)
			return nil
		})
	}
	_ = g.Wait()
}

// runOne executes a single sweep behind its named lock. RunNow exposes
// the same path for tests and operator tooling.
func (s *Scheduler) runOne(ctx context.Context, sw Sweep) {
	handle, err := s.locker.Acquire(ctx, lockPrefix+sw.Name(), s.lockTTL)
	if err != nil {
		if !errors.Is(err, maestro.ErrLockHeld) {
			s.logger.Warn("sweep lock acquire failed",
				slog.String("sweep", sw.Name()),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	defer func() {
		if releaseErr := handle.Release(ctx); releaseErr != nil {
			s.logger.Warn("sweep lock release failed",
				slog.String("sweep", sw.Name()),
				slog.String("error", releaseErr.Error()),
			)
		}
	}()

	started := time.Now()
	if runErr := sw.Run(ctx); runErr != nil {
		s.logger.Error("sweep run failed",
			slog.String("sweep", sw.Name()),
			slog.String("error", runErr.Error()),
		)
		return
	}
	s.logger.Debug("sweep run complete",
		slog.String("sweep", sw.Name()),
		slog.Duration("elapsed", time.Since(started)),
	)
}

// RunNow runs a registered sweep immediately, outside its schedule,
// still gated by the named lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target Sweep
	for _, e := range s.entries {
		if e.sweep.Name() == name {
			target = e.sweep
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return fmt.Errorf("sweep %q is not registered", name)
	}
	s.runOne(ctx, target)
	return nil
}
