// Package queue applies per-queue and per-definition rate limits and
// concurrency caps to job execution. Steps route their jobs to named
// queues; the worker pool consults the Manager before running each
// claimed record.
package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-queue behaviour.
type Config struct {
	// Name is the queue identifier (must match the step's queue).
	Name string

	// MaxConcurrency limits how many jobs from this queue may run
	// simultaneously across the local worker pool. Zero means no
	// queue-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second that may start
	// from this queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// queueState tracks runtime state for a single queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// stepState tracks in-flight jobs for one fan-out step run.
type stepState struct {
	limit  int
	active int
}

// Manager controls per-queue and per-definition rate limiting and
// concurrency. It is safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	queues      map[string]*queueState
	definitions map[string]*definitionState
	steps       map[string]*stepState
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues:      make(map[string]*queueState, len(configs)),
		definitions: make(map[string]*definitionState),
		steps:       make(map[string]*stepState),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Acquire checks rate limits and concurrency for the given queue and
// definition key. If the job may proceed it increments the active
// counters and returns true. The caller MUST call Release when the job
// completes.
func (m *Manager) Acquire(queue, definitionKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	var ds *definitionState
	if definitionKey != "" {
		ds = m.definitions[defKey(queue, definitionKey)]
	}

	// Concurrency checks consume nothing, so they run before the rate
	// limiters. A rejection here must not burn a rate token.
	if qs != nil && qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return false
	}
	if ds != nil && ds.maxConcurrency > 0 && ds.active >= ds.maxConcurrency {
		return false
	}

	var qres *rate.Reservation
	if qs != nil && qs.limiter != nil {
		qres = qs.limiter.Reserve()
		if !qres.OK() || qres.Delay() > 0 {
			qres.Cancel()
			return false
		}
	}
	if ds != nil && ds.limiter != nil && !ds.limiter.Allow() {
		// Return the queue token so the definition throttle does not
		// starve other definitions on the same queue.
		if qres != nil {
			qres.Cancel()
		}
		return false
	}

	if ds != nil {
		ds.active++
	}
	if qs != nil {
		qs.active++
	}
	return true
}

// Release decrements the active job count for the queue and definition.
func (m *Manager) Release(queue, definitionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
	if definitionKey != "" {
		if ds := m.definitions[defKey(queue, definitionKey)]; ds != nil && ds.active > 0 {
			ds.active--
		}
	}
}

// AcquireStep reserves an execution slot for a fan-out step run whose
// step caps parallelism. A limit of zero or less means the step is
// uncapped and the call always succeeds. The caller MUST call
// ReleaseStep when the job completes.
func (m *Manager) AcquireStep(stepRunID string, limit int) bool {
	if limit <= 0 || stepRunID == "" {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := m.steps[stepRunID]
	if ss == nil {
		ss = &stepState{limit: limit}
		m.steps[stepRunID] = ss
	}
	if ss.active >= ss.limit {
		return false
	}
	ss.active++
	return true
}

// ReleaseStep returns a slot taken by AcquireStep. The step's state is
// dropped once its last in-flight job releases.
func (m *Manager) ReleaseStep(stepRunID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := m.steps[stepRunID]
	if ss == nil {
		return
	}
	if ss.active > 0 {
		ss.active--
	}
	if ss.active == 0 {
		delete(m.steps, stepRunID)
	}
}

// Active returns the number of currently running jobs for a queue.
func (m *Manager) Active(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
