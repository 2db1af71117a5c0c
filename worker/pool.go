package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
)

// QueueManager gates execution of dequeued records by queue and
// workflow definition. The pool calls Acquire before running a record
// and Release after it completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue and
	// definition. Returns true if the record may run now.
	Acquire(queue, definitionKey string) bool
	// Release decrements the active count for the queue and definition.
	Release(queue, definitionKey string)
	// AcquireStep reserves one of at most limit concurrent execution
	// slots for a fan-out step run. A limit of zero or less always
	// succeeds.
	AcquireStep(stepRunID string, limit int) bool
	// ReleaseStep returns a slot taken by AcquireStep.
	ReleaseStep(stepRunID string)
}

// Pool runs a set of worker goroutines that claim due ledger records
// and execute them. Claims are scoped to this pool's worker ID so
// heartbeats and zombie detection can attribute records to their owner.
type Pool struct {
	jobs     job.Store
	executor *Executor
	logger   *slog.Logger

	concurrency       int
	queues            []string
	pollInterval      time.Duration
	shutdownTimeout   time.Duration
	heartbeatInterval time.Duration
	workerID          id.WorkerID
	queueManager      QueueManager

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will poll.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often idle workers poll the ledger.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithShutdownTimeout sets how long Stop waits for in-flight records
// before cancelling them.
func WithShutdownTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.shutdownTimeout = d }
}

// WithHeartbeatInterval sets how often the pool refreshes the liveness
// timestamps of its in-flight records.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithQueueManager sets the queue limit gate.
func WithQueueManager(qm QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = qm }
}

// NewPool creates a worker pool. It does not start processing until
// Start is called.
func NewPool(jobs job.Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		jobs:              jobs,
		executor:          executor,
		logger:            logger,
		concurrency:       10,
		queues:            []string{"default"},
		pollInterval:      time.Second,
		shutdownTimeout:   30 * time.Second,
		heartbeatInterval: 15 * time.Second,
		workerID:          id.NewWorkerID(),
		stopCh:            make(chan struct{}),
		active:            make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's claim identity.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines and the heartbeat loop. It
// returns immediately; processing continues until Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	return nil
}

// Stop drains the pool. Workers stop claiming new records; in-flight
// records get until the earlier of ctx and the shutdown timeout before
// their contexts are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	if p.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.shutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling in-flight jobs")
		p.cancelActive()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		recs, err := p.jobs.DequeueRecords(context.Background(), p.queues, 1, p.workerID)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if len(recs) == 0 {
			p.sleep()
			continue
		}

		p.run(recs[0])
	}
}

// run executes a single claimed record, honouring queue limits.
func (p *Pool) run(rec *job.Record) {
	if p.queueManager != nil {
		// The step gate consumes no rate tokens, so it runs first. A
		// record over its step's parallelism cap must not burn a queue
		// token on the way to a requeue.
		stepKey := rec.StepRunID.String()
		if !p.queueManager.AcquireStep(stepKey, rec.Parallelism) {
			p.requeue(rec)
			p.sleep()
			return
		}
		defer p.queueManager.ReleaseStep(stepKey)

		defKey := p.definitionKey(rec)
		if !p.queueManager.Acquire(rec.Queue, defKey) {
			p.requeue(rec)
			p.sleep()
			return
		}
		defer p.queueManager.Release(rec.Queue, defKey)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.track(rec.ID.String(), cancel)
	defer func() {
		p.untrack(rec.ID.String())
		cancel()
	}()

	if err := p.executor.Execute(ctx, rec); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", rec.ID.String()),
			slog.String("job_class", rec.JobClass),
			slog.String("error", err.Error()),
		)
	}
}

// definitionKey resolves the owning workflow's definition for queue
// limit scoping. Lookup failures degrade to queue-level limits only.
func (p *Pool) definitionKey(rec *job.Record) string {
	w, err := p.executor.workflows.GetInstance(context.Background(), rec.WorkflowID)
	if err != nil {
		p.logger.Warn("queue limits: workflow lookup failed",
			slog.String("workflow_id", rec.WorkflowID.String()),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return w.DefinitionKey
}

// requeue returns a rate-limited record to the ledger with a small
// delay so another pass can pick it up once limits allow.
func (p *Pool) requeue(rec *job.Record) {
	rec.Requeue(time.Now().UTC().Add(p.pollInterval))
	if err := p.jobs.UpdateRecord(context.Background(), rec); err != nil {
		p.logger.Error("failed to requeue rate-limited job",
			slog.String("job_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop refreshes liveness timestamps for in-flight records so
// the zombie sweep does not reclaim them from a healthy worker.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	jobIDs := make([]string, 0, len(p.active))
	for jobID := range p.active {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobIDStr := range jobIDs {
		jobID, parseErr := id.ParseJobID(jobIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid job id", slog.String("job_id", jobIDStr))
			continue
		}
		if err := p.jobs.HeartbeatRecord(context.Background(), jobID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID string) {
	p.activeMu.Lock()
	delete(p.active, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.active {
		p.logger.Warn("cancelling in-flight job", slog.String("job_id", jobID))
		cancel()
	}
}
