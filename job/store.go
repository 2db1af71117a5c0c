package job

import (
	"context"
	"time"

	"github.com/noatudor/maestro/id"
)

// ListOpts controls pagination and filtering for ledger list queries.
type ListOpts struct {
	// Limit is the maximum number of records to return. Zero means no
	// limit.
	Limit int
	// Offset is the number of records to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// CountOpts controls filtering for ledger count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by record state. Empty means all states.
	State State
}

// Store is the persistence contract for the dispatch ledger.
type Store interface {
	// CreateRecord persists a new ledger record. Creating a second
	// record with the same DispatchID is a no-op returning nil, which
	// makes dispatch idempotent under crash-and-retry.
	CreateRecord(ctx context.Context, r *Record) error

	// GetRecord retrieves a record by ID. Returns maestro.ErrJobNotFound
	// if absent.
	GetRecord(ctx context.Context, jobID id.JobID) (*Record, error)

	// GetRecordByDispatchID retrieves a record by its idempotency key.
	GetRecordByDispatchID(ctx context.Context, dispatchID id.DispatchID) (*Record, error)

	// UpdateRecord persists changes to an existing record.
	UpdateRecord(ctx context.Context, r *Record) error

	// DequeueRecords atomically claims up to limit dispatched records
	// whose RunAt has passed, from the given queues, moves them to
	// running under workerID, and returns them ordered by RunAt. Records
	// claimed by one caller are invisible to concurrent callers.
	DequeueRecords(ctx context.Context, queues []string, limit int, workerID id.WorkerID) ([]*Record, error)

	// ListRecordsForStepRun returns every record of a step run in
	// ItemIndex then creation order.
	ListRecordsForStepRun(ctx context.Context, stepRunID id.StepRunID) ([]*Record, error)

	// ListRecordsByState returns records in the given state.
	ListRecordsByState(ctx context.Context, state State, opts ListOpts) ([]*Record, error)

	// HeartbeatRecord refreshes the liveness timestamp of a running
	// record owned by workerID.
	HeartbeatRecord(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ListZombieRecords returns running records whose last heartbeat is
	// older than threshold. The zombie sweep fails these through normal
	// failure handling.
	ListZombieRecords(ctx context.Context, threshold time.Duration) ([]*Record, error)

	// ListStaleDispatched returns dispatched records that have sat
	// unclaimed past their RunAt for longer than threshold, indicating a
	// stuck queue or dead workers.
	ListStaleDispatched(ctx context.Context, threshold time.Duration) ([]*Record, error)

	// CountRecords returns the number of records matching the options.
	CountRecords(ctx context.Context, opts CountOpts) (int64, error)
}
