package definition

import (
	"fmt"
	"time"
)

// StepOption configures a step added through the Builder.
type StepOption func(*Step)

// Requires declares outputs that must exist before the step dispatches.
func Requires(outputs ...string) StepOption {
	return func(s *Step) { s.Requires = append(s.Requires, outputs...) }
}

// Produces declares outputs the step writes on success.
func Produces(outputs ...string) StepOption {
	return func(s *Step) { s.Produces = append(s.Produces, outputs...) }
}

// OnFailure sets the step's failure policy.
func OnFailure(p FailurePolicy) StepOption {
	return func(s *Step) { s.FailurePolicy = p }
}

// WithRetry sets the step's retry configuration (used with RetryStep).
func WithRetry(cfg RetryConfig) StepOption {
	return func(s *Step) { s.Retry = &cfg }
}

// WithTimeout bounds each job's execution time.
func WithTimeout(d time.Duration) StepOption {
	return func(s *Step) { s.Timeout = d }
}

// OnQueue routes the step's jobs to a named queue.
func OnQueue(q string) StepOption {
	return func(s *Step) { s.Queue = q }
}

// WithEntryCondition gates dispatch on a named condition; a false result
// skips the step.
func WithEntryCondition(name string) StepOption {
	return func(s *Step) { s.EntryCondition = name }
}

// WithTerminationCondition names a condition evaluated after the step
// succeeds that may terminate the workflow early.
func WithTerminationCondition(name string) StepOption {
	return func(s *Step) { s.TerminationCondition = name }
}

// WithBranchCondition marks the step as a branch point: after it
// succeeds, the named condition picks the active branch key.
func WithBranchCondition(name string) StepOption {
	return func(s *Step) { s.BranchCondition = name }
}

// OnBranch assigns the step to a branch; it is skipped unless the active
// branch decision matches.
func OnBranch(key string) StepOption {
	return func(s *Step) { s.BranchKey = key }
}

// WithCompensation declares the step's rollback job.
func WithCompensation(jobClass string, maxAttempts int) StepOption {
	return func(s *Step) {
		s.Compensation = &CompensationConfig{JobClass: jobClass, MaxAttempts: maxAttempts}
	}
}

// AwaitTrigger parks the workflow paused before this step until an
// external payload arrives for the trigger key.
func AwaitTrigger(cfg TriggerConfig) StepOption {
	return func(s *Step) { s.Trigger = &cfg }
}

// WithParallelism caps concurrent fan-out job execution.
func WithParallelism(n int) StepOption {
	return func(s *Step) { s.Parallelism = n }
}

// WithCriteria sets the fan-out success criteria.
func WithCriteria(c SuccessCriteria) StepOption {
	return func(s *Step) { s.Criteria = c }
}

// WithArgumentBuilder names the per-item argument builder for a fan-out
// step. Without one, each item's raw payload is passed as job arguments.
func WithArgumentBuilder(name string) StepOption {
	return func(s *Step) { s.ArgumentBuilder = name }
}

// Builder assembles a Definition fluently. Terminate the chain with
// Build, which runs structural validation and returns every issue found.
type Builder struct {
	def        Definition
	versionErr error
}

// New starts a Builder for the given key and "major.minor.patch" version.
func New(key, version string) *Builder {
	b := &Builder{def: Definition{Key: key}}
	v, err := ParseVersion(version)
	if err != nil {
		b.versionErr = err
		return b
	}
	b.def.Version = v
	return b
}

// DisplayName sets the human-readable name.
func (b *Builder) DisplayName(name string) *Builder {
	b.def.DisplayName = name
	return b
}

// ContextLoader names the loader that builds the evaluation environment
// for conditions and argument builders.
func (b *Builder) ContextLoader(name string) *Builder {
	b.def.ContextLoader = name
	return b
}

// AutoRetry enables workflow-level automatic retry of failures.
func (b *Builder) AutoRetry(maxAttempts int, delay time.Duration) *Builder {
	b.def.AutoRetry = &AutoRetryConfig{MaxAttempts: maxAttempts, Delay: delay}
	return b
}

// SingleJob appends a step that dispatches exactly one job.
func (b *Builder) SingleJob(key, jobClass string, opts ...StepOption) *Builder {
	return b.append(Step{Key: key, Kind: KindSingleJob, JobClass: jobClass}, opts)
}

// FanOut appends a step that dispatches one job per item produced by the
// named item source.
func (b *Builder) FanOut(key, jobClass, itemSource string, opts ...StepOption) *Builder {
	return b.append(Step{Key: key, Kind: KindFanOut, JobClass: jobClass, ItemSource: itemSource}, opts)
}

// Polling appends a step that dispatches the probe job repeatedly per the
// polling configuration.
func (b *Builder) Polling(key, jobClass string, cfg PollingConfig, opts ...StepOption) *Builder {
	s := Step{Key: key, Kind: KindPolling, JobClass: jobClass}
	s.Polling = &cfg
	return b.append(s, opts)
}

func (b *Builder) append(s Step, opts []StepOption) *Builder {
	for _, opt := range opts {
		opt(&s)
	}
	b.def.Steps = append(b.def.Steps, s)
	return b
}

// Build finalizes the definition, running structural validation
// (uniqueness, dependency satisfiability). Existence of referenced
// handler and condition names is checked at registration time when a
// Resolver is supplied.
func (b *Builder) Build() (*Definition, error) {
	if b.versionErr != nil {
		return nil, fmt.Errorf("definition %q: %w", b.def.Key, b.versionErr)
	}

	def := b.def
	if err := Validate(&def, nil, nil); err != nil {
		return nil, err
	}
	return &def, nil
}

// MustBuild is like Build but panics on error. Use for definitions
// assembled from literals at startup.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
