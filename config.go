package maestro

import "time"

// Config holds tunables shared by the engine, worker pool, and sweeps.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently
	// by the local worker pool.
	Concurrency int

	// Queues is the list of queues the local worker pool will poll.
	Queues []string

	// PollInterval is how often workers poll the ledger for due jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// AdvanceRetryAttempts is how many times a job completion hook retries
	// Advancer evaluation when the workflow row lock is contended.
	AdvanceRetryAttempts int

	// AdvanceRetryDelay is the base delay between advancement retries.
	AdvanceRetryDelay time.Duration

	// ZombieRunningThreshold is how long a job may sit in running state
	// without finishing before the sweep marks it failed.
	ZombieRunningThreshold time.Duration

	// StaleDispatchThreshold is how long a job may sit in dispatched state
	// without being picked up before the sweep marks it failed.
	StaleDispatchThreshold time.Duration

	// LockTTL is the time-to-live for application-level named locks.
	LockTTL time.Duration

	// SweepSchedule is the cron expression the built-in sweeps run on.
	SweepSchedule string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:            10,
		Queues:                 []string{"default"},
		PollInterval:           time.Second,
		ShutdownTimeout:        30 * time.Second,
		AdvanceRetryAttempts:   5,
		AdvanceRetryDelay:      50 * time.Millisecond,
		ZombieRunningThreshold: 10 * time.Minute,
		StaleDispatchThreshold: 15 * time.Minute,
		LockTTL:                5 * time.Minute,
		SweepSchedule:          "@every 1m",
	}
}
