package definition

import (
	"context"
	"sync"
)

// OutputReader is the read-only view of a workflow's step outputs exposed
// to conditions and argument builders. Implemented by the output service.
type OutputReader interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Has(ctx context.Context, name string) (bool, error)
}

// EvalContext is the environment handed to user-supplied condition and
// iteration logic. It is assembled by the engine per evaluation.
type EvalContext struct {
	// WorkflowID is the string form of the workflow instance id.
	WorkflowID string
	// DefinitionKey and DefinitionVersion identify the blueprint.
	DefinitionKey     string
	DefinitionVersion Version
	// StepKey is the step being evaluated, when applicable.
	StepKey string
	// Env holds values produced by the definition's ContextLoader.
	Env map[string]any
	// Outputs reads outputs produced by earlier steps.
	Outputs OutputReader
	// Trigger carries the externally delivered payload when the step was
	// gated on a trigger, nil otherwise.
	Trigger []byte
}

// Condition gates step dispatch. A false result skips the step.
type Condition interface {
	Evaluate(ctx context.Context, ec *EvalContext) (bool, error)
}

// BranchCondition picks the active branch key after a branch-point step
// succeeds. Steps carrying a different BranchKey are skipped.
type BranchCondition interface {
	Branch(ctx context.Context, ec *EvalContext) (string, error)
}

// TerminationDecision is the verdict of a TerminationCondition.
// When Terminate is true, Target must be "succeeded" or "failed"; the
// engine rejects any other value as an evaluation error.
type TerminationDecision struct {
	Terminate bool
	Target    string
}

// TerminationCondition may end the workflow early after a step succeeds.
type TerminationCondition interface {
	Decide(ctx context.Context, ec *EvalContext) (TerminationDecision, error)
}

// ItemSource materializes the items a fan-out step iterates over. Each
// item is an opaque serialized payload; one job is dispatched per item.
type ItemSource interface {
	Items(ctx context.Context, ec *EvalContext) ([][]byte, error)
}

// ArgumentBuilder transforms a fan-out item into the dispatched job's
// arguments. Without one, the raw item payload is used.
type ArgumentBuilder interface {
	Build(ctx context.Context, item []byte, ec *EvalContext) ([]byte, error)
}

// ContextLoader builds the Env map for an EvalContext, typically from
// application state keyed by the workflow id.
type ContextLoader interface {
	Load(ctx context.Context, ec *EvalContext) (map[string]any, error)
}

// Resolver maps names referenced by definitions to concrete condition,
// iteration, and loader instances. It replaces runtime class reflection
// with explicit registration at startup, and is safe for concurrent use.
type Resolver struct {
	mu             sync.RWMutex
	conditions     map[string]Condition
	branches       map[string]BranchCondition
	terminations   map[string]TerminationCondition
	itemSources    map[string]ItemSource
	argBuilders    map[string]ArgumentBuilder
	contextLoaders map[string]ContextLoader
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		conditions:     make(map[string]Condition),
		branches:       make(map[string]BranchCondition),
		terminations:   make(map[string]TerminationCondition),
		itemSources:    make(map[string]ItemSource),
		argBuilders:    make(map[string]ArgumentBuilder),
		contextLoaders: make(map[string]ContextLoader),
	}
}

// RegisterCondition registers an entry condition under a name.
func (r *Resolver) RegisterCondition(name string, c Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[name] = c
}

// RegisterBranch registers a branch condition under a name.
func (r *Resolver) RegisterBranch(name string, c BranchCondition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches[name] = c
}

// RegisterTermination registers a termination condition under a name.
func (r *Resolver) RegisterTermination(name string, c TerminationCondition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminations[name] = c
}

// RegisterItemSource registers a fan-out item source under a name.
func (r *Resolver) RegisterItemSource(name string, s ItemSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.itemSources[name] = s
}

// RegisterArgumentBuilder registers an argument builder under a name.
func (r *Resolver) RegisterArgumentBuilder(name string, b ArgumentBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.argBuilders[name] = b
}

// RegisterContextLoader registers a context loader under a name.
func (r *Resolver) RegisterContextLoader(name string, l ContextLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contextLoaders[name] = l
}

// Condition looks up an entry condition.
func (r *Resolver) Condition(name string) (Condition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conditions[name]
	return c, ok
}

// Branch looks up a branch condition.
func (r *Resolver) Branch(name string) (BranchCondition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.branches[name]
	return c, ok
}

// Termination looks up a termination condition.
func (r *Resolver) Termination(name string) (TerminationCondition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.terminations[name]
	return c, ok
}

// ItemSource looks up a fan-out item source.
func (r *Resolver) ItemSource(name string) (ItemSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.itemSources[name]
	return s, ok
}

// ArgumentBuilder looks up an argument builder.
func (r *Resolver) ArgumentBuilder(name string) (ArgumentBuilder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.argBuilders[name]
	return b, ok
}

// ContextLoader looks up a context loader.
func (r *Resolver) ContextLoader(name string) (ContextLoader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.contextLoaders[name]
	return l, ok
}

// ──────────────────────────────────────────────────
// Func adapters
// ──────────────────────────────────────────────────

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(ctx context.Context, ec *EvalContext) (bool, error)

// Evaluate implements Condition.
func (f ConditionFunc) Evaluate(ctx context.Context, ec *EvalContext) (bool, error) {
	return f(ctx, ec)
}

// BranchFunc adapts a function to the BranchCondition interface.
type BranchFunc func(ctx context.Context, ec *EvalContext) (string, error)

// Branch implements BranchCondition.
func (f BranchFunc) Branch(ctx context.Context, ec *EvalContext) (string, error) {
	return f(ctx, ec)
}

// TerminationFunc adapts a function to the TerminationCondition interface.
type TerminationFunc func(ctx context.Context, ec *EvalContext) (TerminationDecision, error)

// Decide implements TerminationCondition.
func (f TerminationFunc) Decide(ctx context.Context, ec *EvalContext) (TerminationDecision, error) {
	return f(ctx, ec)
}

// ItemSourceFunc adapts a function to the ItemSource interface.
type ItemSourceFunc func(ctx context.Context, ec *EvalContext) ([][]byte, error)

// Items implements ItemSource.
func (f ItemSourceFunc) Items(ctx context.Context, ec *EvalContext) ([][]byte, error) {
	return f(ctx, ec)
}

// ArgumentBuilderFunc adapts a function to the ArgumentBuilder interface.
type ArgumentBuilderFunc func(ctx context.Context, item []byte, ec *EvalContext) ([]byte, error)

// Build implements ArgumentBuilder.
func (f ArgumentBuilderFunc) Build(ctx context.Context, item []byte, ec *EvalContext) ([]byte, error) {
	return f(ctx, item, ec)
}

// ContextLoaderFunc adapts a function to the ContextLoader interface.
type ContextLoaderFunc func(ctx context.Context, ec *EvalContext) (map[string]any, error)

// Load implements ContextLoader.
func (f ContextLoaderFunc) Load(ctx context.Context, ec *EvalContext) (map[string]any, error) {
	return f(ctx, ec)
}
