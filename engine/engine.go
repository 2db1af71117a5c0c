package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/backoff"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/lock"
	mw "github.com/noatudor/maestro/middleware"
	"github.com/noatudor/maestro/output"
	"github.com/noatudor/maestro/queue"
	"github.com/noatudor/maestro/store"
	"github.com/noatudor/maestro/sweep"
	"github.com/noatudor/maestro/worker"
	"github.com/noatudor/maestro/workflow"
)

// startStepKey labels outputs seeded at workflow start, before any step
// has run.
const startStepKey = "$start"

// Engine owns the orchestration subsystems: the definition registry,
// job handler registry, resolver, middleware chain, worker pool, and
// the advancer everything funnels through. Use New to create one.
type Engine struct {
	cfg    maestro.Config
	logger *slog.Logger

	workflows workflow.Store
	jobs      job.Store
	outputs   *output.Service

	definitions *definition.Registry
	registry    *job.Registry
	resolver    *definition.Resolver

	advancer *Advancer
	pool     *worker.Pool
	emitter  event.Emitter
	bo       backoff.Strategy
	mws      []mw.Middleware

	queueConfigs []queue.Config
	queueManager *queue.Manager

	sweepLocker lock.Locker
	sweeper     *sweep.Scheduler

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default engine configuration.
func WithConfig(cfg maestro.Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEmitter sets the lifecycle event emitter. Defaults to an
// in-process bus.
func WithEmitter(em event.Emitter) Option {
	return func(e *Engine) {
		e.emitter = em
	}
}

// WithMiddleware appends middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) {
		e.mws = append(e.mws, m)
	}
}

// WithBackoff sets the backoff strategy used for advancement retries
// under lock contention and compensation re-attempts. If not set,
// backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) {
		e.bo = b
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(e *Engine) {
		e.queueConfigs = append(e.queueConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// New creates an Engine on top of an aggregate store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, maestro.ErrNoStore
	}

	e := &Engine{
		cfg:         maestro.DefaultConfig(),
		logger:      slog.Default(),
		workflows:   st,
		jobs:        st,
		outputs:     output.NewService(st),
		definitions: definition.NewRegistry(),
		registry:    job.NewRegistry(),
		resolver:    definition.NewResolver(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}
	if e.emitter == nil {
		e.emitter = event.NewBus()
	}

	e.advancer = NewAdvancer(e.workflows, e.jobs, e.outputs, e.definitions, e.resolver,
		e.emitter, e.logger, e.bo, e.cfg.AdvanceRetryAttempts)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/noatudor/maestro"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/noatudor/maestro"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → workflow
	// context → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.WorkflowContext(),
		mw.Timeout(e.logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(e.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, e.mws...)

	executor := worker.NewExecutor(e.registry, e.jobs, e.workflows, e.advancer,
		e.emitter, e.logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(e.cfg.Concurrency),
		worker.WithPoolQueues(e.cfg.Queues),
		worker.WithPollInterval(e.cfg.PollInterval),
		worker.WithShutdownTimeout(e.cfg.ShutdownTimeout),
	}
	// The manager is wired even without queue configs: step parallelism
	// caps go through it too.
	e.queueManager = queue.NewManager(e.queueConfigs...)
	poolOpts = append(poolOpts, worker.WithQueueManager(e.queueManager))
	e.pool = worker.NewPool(e.jobs, executor, e.logger, poolOpts...)

	if e.sweepLocker != nil {
		sweeper, err := e.buildSweeper()
		if err != nil {
			return nil, err
		}
		e.sweeper = sweeper
	}

	return e, nil
}

// RegisterDefinition validates the definition against the registered
// handlers and resolver entries, then stores it.
func (e *Engine) RegisterDefinition(def *definition.Definition) error {
	if err := definition.Validate(def, e.registry, e.resolver); err != nil {
		return err
	}
	return e.definitions.Register(def)
}

// Start begins processing by starting the local worker pool and, when
// a sweep locker is configured, the sweep scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	if e.sweeper != nil {
		e.sweeper.Start(ctx)
	}
	return nil
}

// Stop gracefully shuts down the sweep scheduler and the worker pool,
// waiting for in-flight jobs up to the configured shutdown timeout.
func (e *Engine) Stop(ctx context.Context) error {
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	return e.pool.Stop(ctx)
}

// Advancer returns the workflow advancer. Sweeps and tests drive it
// directly.
func (e *Engine) Advancer() *Advancer { return e.advancer }

// Definitions returns the definition registry.
func (e *Engine) Definitions() *definition.Registry { return e.definitions }

// Registry returns the job handler registry.
func (e *Engine) Registry() *job.Registry { return e.registry }

// Resolver returns the condition and iteration resolver.
func (e *Engine) Resolver() *definition.Resolver { return e.resolver }

// Outputs returns the step output service.
func (e *Engine) Outputs() *output.Service { return e.outputs }

// Workflows returns the workflow store.
func (e *Engine) Workflows() workflow.Store { return e.workflows }

// Jobs returns the dispatch ledger store.
func (e *Engine) Jobs() job.Store { return e.jobs }

// Emitter returns the lifecycle event emitter.
func (e *Engine) Emitter() event.Emitter { return e.emitter }

// Config returns the engine configuration.
func (e *Engine) Config() maestro.Config { return e.cfg }

// QueueManager returns the queue manager gating job execution.
func (e *Engine) QueueManager() *queue.Manager { return e.queueManager }

// Pool returns the local worker pool.
func (e *Engine) Pool() *worker.Pool { return e.pool }

// Sweeper returns the sweep scheduler, or nil when no sweep locker was
// configured.
func (e *Engine) Sweeper() *sweep.Scheduler { return e.sweeper }

// RegisterJob registers a typed job handler with the engine.
func RegisterJob[T any](e *Engine, jobClass string, fn func(ctx context.Context, args T, inv *job.Invocation) ([]byte, error)) {
	job.Register(e.registry, jobClass, fn)
}

// RegisterProbe registers a typed polling probe with the engine.
func RegisterProbe[T any](e *Engine, jobClass string, fn func(ctx context.Context, args T, inv *job.Invocation) (*job.ProbeResult, error)) {
	job.RegisterProbe(e.registry, jobClass, fn)
}

// StartWorkflow creates an instance of the definition's latest version,
// seeds the input as an output named "input", and advances it. The
// zero value of T seeds nothing.
func StartWorkflow[T any](ctx context.Context, e *Engine, definitionKey string, input T) (*workflow.Instance, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("maestro: marshal input for workflow %q: %w", definitionKey, err)
	}
	return e.StartWorkflowRaw(ctx, definitionKey, map[string][]byte{"input": data})
}

// StartWorkflowRaw creates an instance of the definition's latest
// version, seeds the given outputs, and advances it until it cannot
// progress without worker involvement.
func (e *Engine) StartWorkflowRaw(ctx context.Context, definitionKey string, seed map[string][]byte) (*workflow.Instance, error) {
	def, err := e.definitions.Latest(definitionKey)
	if err != nil {
		return nil, err
	}

	w := workflow.NewInstance(def)
	if err := e.workflows.CreateInstance(ctx, w); err != nil {
		return nil, err
	}
	for name, value := range seed {
		if err := e.outputs.Write(ctx, w.ID, startStepKey, name, value); err != nil {
			return nil, err
		}
	}

	if err := e.advancer.Run(ctx, w.ID); err != nil {
		return nil, err
	}
	return e.workflows.GetInstance(ctx, w.ID)
}

// Get returns the current state of a workflow instance.
func (e *Engine) Get(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	return e.workflows.GetInstance(ctx, workflowID)
}

// List returns workflow instances matching the options.
func (e *Engine) List(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	return e.workflows.ListInstances(ctx, opts)
}

// StepRuns returns a workflow's full step run history, superseded runs
// included.
func (e *Engine) StepRuns(ctx context.Context, workflowID id.WorkflowID) ([]*workflow.StepRun, error) {
	return e.workflows.ListStepRuns(ctx, workflowID)
}
