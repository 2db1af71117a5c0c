// Package store defines the aggregate persistence interface. Each
// subsystem (workflow, job, output) defines its own store interface; the
// composite Store composes them all. Backends: Postgres and Memory, plus
// a Redis-backed named lock.
package store

import (
	"context"

	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/output"
	"github.com/noatudor/maestro/workflow"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// implements all of them so workflow advancement, the dispatch ledger,
// and outputs live in one database and can move together.
type Store interface {
	workflow.Store
	job.Store
	output.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
