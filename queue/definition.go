package queue

import (
	"fmt"

	"golang.org/x/time/rate"
)

// DefinitionConfig defines rate limits and concurrency for jobs of a
// specific workflow definition on a specific queue, so one chatty
// definition cannot starve the rest of the queue.
type DefinitionConfig struct {
	// QueueName is the queue this config applies to.
	QueueName string

	// DefinitionKey is the workflow definition key.
	DefinitionKey string

	// RateLimit is the sustained jobs per second for this definition.
	RateLimit float64

	// RateBurst is the burst size for the definition's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous jobs for this definition on
	// this queue. Zero means no definition-specific concurrency limit.
	MaxConcurrency int
}

// definitionState tracks runtime state for a single queue+definition
// pair.
type definitionState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// defKey builds the map key for a queue+definition pair.
func defKey(queue, definitionKey string) string {
	return fmt.Sprintf("%s:%s", queue, definitionKey)
}

// ConfigureDefinition sets or replaces limits for a queue+definition
// pair.
func (m *Manager) ConfigureDefinition(cfg DefinitionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds := &definitionState{maxConcurrency: cfg.MaxConcurrency}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ds.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	m.definitions[defKey(cfg.QueueName, cfg.DefinitionKey)] = ds
}
