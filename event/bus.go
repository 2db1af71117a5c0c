package event

import (
	"log/slog"
	"sync"
)

// Handler consumes events delivered through a Bus subscription.
type Handler func(e Event)

// Bus is an in-process emitter that fans events out to subscribers.
// Delivery is synchronous and in subscription order; handlers that need
// to do real work should hand off to their own goroutines. Safe for
// concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds a handler for every event emitted after the call.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit implements Emitter.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// LogEmitter logs every event through slog at debug level.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(e Event) {
	attrs := []any{
		slog.String("type", string(e.Type)),
		slog.String("workflow_id", e.WorkflowID.String()),
	}
	if e.StepKey != "" {
		attrs = append(attrs, slog.String("step_key", e.StepKey))
	}
	if !e.JobID.IsNil() {
		attrs = append(attrs, slog.String("job_id", e.JobID.String()))
	}
	for k, v := range e.Detail {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.Debug("workflow event", attrs...)
}

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}
