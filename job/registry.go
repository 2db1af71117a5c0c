package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/noatudor/maestro/id"
)

// Invocation carries execution metadata into handlers and probes,
// alongside the typed arguments.
type Invocation struct {
	WorkflowID id.WorkflowID
	StepRunID  id.StepRunID
	JobID      id.JobID
	StepKey    string
	// ItemIndex positions fan-out invocations within their step.
	ItemIndex int
	// PollNumber counts probe invocations of the step run, from 1. Zero
	// for non-probe invocations.
	PollNumber int
}

// HandlerFunc is a type-erased job handler over raw JSON arguments. The
// returned bytes become the record's Result. Typed handlers are converted
// at registration time by closing over JSON unmarshal + the typed
// function.
type HandlerFunc func(ctx context.Context, args []byte, inv *Invocation) ([]byte, error)

// ProbeResult is a poll probe's observation.
type ProbeResult struct {
	// Complete reports whether the observed operation finished.
	Complete bool
	// Output is the operation's result payload, meaningful when
	// Complete.
	Output []byte
}

// ProbeFunc is a type-erased poll probe over raw JSON arguments.
type ProbeFunc func(ctx context.Context, args []byte, inv *Invocation) (*ProbeResult, error)

// Registry maps job classes to type-erased handlers and probes. It is
// safe for concurrent use and satisfies definition.HandlerIndex.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	probes   map[string]ProbeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		probes:   make(map[string]ProbeFunc),
	}
}

// Register registers a typed handler under a job class. The generic
// wrapper JSON-unmarshals arguments into T before calling fn.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T any](r *Registry, jobClass string, fn func(ctx context.Context, args T, inv *Invocation) ([]byte, error)) {
	handler := func(ctx context.Context, args []byte, inv *Invocation) ([]byte, error) {
		var t T
		if len(args) > 0 {
			if err := json.Unmarshal(args, &t); err != nil {
				return nil, fmt.Errorf("unmarshal args for job class %q: %w", jobClass, err)
			}
		}
		return fn(ctx, t, inv)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobClass] = handler
}

// RegisterProbe registers a typed poll probe under a job class.
func RegisterProbe[T any](r *Registry, jobClass string, fn func(ctx context.Context, args T, inv *Invocation) (*ProbeResult, error)) {
	probe := func(ctx context.Context, args []byte, inv *Invocation) (*ProbeResult, error) {
		var t T
		if len(args) > 0 {
			if err := json.Unmarshal(args, &t); err != nil {
				return nil, fmt.Errorf("unmarshal args for probe %q: %w", jobClass, err)
			}
		}
		return fn(ctx, t, inv)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[jobClass] = probe
}

// RegisterRaw registers an untyped handler.
func (r *Registry) RegisterRaw(jobClass string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobClass] = fn
}

// Handler returns the handler for a job class, false if unregistered.
func (r *Registry) Handler(jobClass string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobClass]
	return h, ok
}

// Probe returns the probe for a job class, false if unregistered.
func (r *Registry) Probe(jobClass string) (ProbeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[jobClass]
	return p, ok
}

// HasHandler reports whether a handler is registered for the class.
func (r *Registry) HasHandler(jobClass string) bool {
	_, ok := r.Handler(jobClass)
	return ok
}

// HasProbe reports whether a probe is registered for the class.
func (r *Registry) HasProbe(jobClass string) bool {
	_, ok := r.Probe(jobClass)
	return ok
}

// Classes returns all registered job classes, handlers and probes alike.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.handlers)+len(r.probes))
	for class := range r.handlers {
		classes = append(classes, class)
	}
	for class := range r.probes {
		classes = append(classes, class)
	}
	return classes
}
