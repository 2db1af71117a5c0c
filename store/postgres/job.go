package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
)

const recordColumns = `
	id, dispatch_id, workflow_id, step_run_id, compensation_id,
	job_class, purpose, queue, state, args, item_index, parallelism, result,
	failure_class, failure_message, failure_trace,
	run_at, timeout, worker_id,
	heartbeat_at, started_at, completed_at, created_at, updated_at`

// CreateRecord persists a new ledger record. A second record with the
// same DispatchID is swallowed by ON CONFLICT DO NOTHING, making
// dispatch idempotent under crash-and-retry.
func (s *Store) CreateRecord(ctx context.Context, r *job.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maestro_jobs (
			id, dispatch_id, workflow_id, step_run_id, compensation_id,
			job_class, purpose, queue, state, args, item_index, parallelism, result,
			failure_class, failure_message, failure_trace,
			run_at, timeout, worker_id,
			heartbeat_at, started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24
		)
		ON CONFLICT (dispatch_id) DO NOTHING`,
		r.ID, r.DispatchID, r.WorkflowID, r.StepRunID, r.CompensationID,
		r.JobClass, string(r.Purpose), r.Queue, string(r.State), r.Args, r.ItemIndex, r.Parallelism, r.Result,
		r.FailureClass, r.FailureMessage, r.FailureTrace,
		r.RunAt, r.Timeout.Nanoseconds(), r.WorkerID,
		r.HeartbeatAt, r.StartedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: create record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+recordColumns+` FROM maestro_jobs WHERE id = $1`,
		jobID,
	)

	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrJobNotFound
		}
		return nil, fmt.Errorf("maestro/postgres: get record: %w", err)
	}
	return r, nil
}

// GetRecordByDispatchID retrieves a record by its idempotency key.
func (s *Store) GetRecordByDispatchID(ctx context.Context, dispatchID id.DispatchID) (*job.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+recordColumns+` FROM maestro_jobs WHERE dispatch_id = $1`,
		dispatchID,
	)

	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrJobNotFound
		}
		return nil, fmt.Errorf("maestro/postgres: get record by dispatch id: %w", err)
	}
	return r, nil
}

// UpdateRecord persists changes to an existing record.
func (s *Store) UpdateRecord(ctx context.Context, r *job.Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE maestro_jobs SET
			state = $2, args = $3, result = $4,
			failure_class = $5, failure_message = $6, failure_trace = $7,
			run_at = $8, timeout = $9, worker_id = $10,
			heartbeat_at = $11, started_at = $12, completed_at = $13,
			updated_at = NOW()
		WHERE id = $1`,
		r.ID, string(r.State), r.Args, r.Result,
		r.FailureClass, r.FailureMessage, r.FailureTrace,
		r.RunAt, r.Timeout.Nanoseconds(), r.WorkerID,
		r.HeartbeatAt, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.ErrJobNotFound
	}
	return nil
}

// DequeueRecords atomically claims up to limit due dispatched records
// from the given queues, moves them to running under workerID, and
// returns them ordered by RunAt. SKIP LOCKED keeps concurrent callers
// from claiming the same rows.
func (s *Store) DequeueRecords(ctx context.Context, queues []string, limit int, workerID id.WorkerID) ([]*job.Record, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE maestro_jobs
			SET state = 'running', worker_id = $3,
			    started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM maestro_jobs
				WHERE state = 'dispatched'
				  AND queue = ANY($1)
				  AND run_at <= NOW()
				ORDER BY run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING`+recordColumns+`
		)
		SELECT * FROM claimed ORDER BY run_at ASC`,
		queues, limit, workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: dequeue records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// ListRecordsForStepRun returns every record of a step run in ItemIndex
// then creation order.
func (s *Store) ListRecordsForStepRun(ctx context.Context, stepRunID id.StepRunID) ([]*job.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+recordColumns+` FROM maestro_jobs
		 WHERE step_run_id = $1
		 ORDER BY item_index ASC, created_at ASC`,
		stepRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list records for step run: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// ListRecordsByState returns records in the given state.
func (s *Store) ListRecordsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Record, error) {
	query := `SELECT` + recordColumns + ` FROM maestro_jobs WHERE state = $1`
	args := []any{string(state)}
	argIdx := 2

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list records by state: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// HeartbeatRecord refreshes the liveness timestamp of a running record
// owned by workerID.
func (s *Store) HeartbeatRecord(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE maestro_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND state = 'running'`,
		jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: heartbeat record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.ErrJobNotFound
	}
	return nil
}

// ListZombieRecords returns running records whose last heartbeat is older
// than threshold.
func (s *Store) ListZombieRecords(ctx context.Context, threshold time.Duration) ([]*job.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+recordColumns+` FROM maestro_jobs
		 WHERE state = 'running'
		   AND (heartbeat_at IS NULL OR heartbeat_at <= NOW() - make_interval(secs => $1))`,
		threshold.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list zombie records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// ListStaleDispatched returns dispatched records that sat unclaimed past
// their RunAt for longer than threshold.
func (s *Store) ListStaleDispatched(ctx context.Context, threshold time.Duration) ([]*job.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+recordColumns+` FROM maestro_jobs
		 WHERE state = 'dispatched'
		   AND run_at <= NOW() - make_interval(secs => $1)`,
		threshold.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list stale dispatched: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// CountRecords returns the number of records matching the options.
func (s *Store) CountRecords(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM maestro_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("maestro/postgres: count records: %w", err)
	}
	return count, nil
}

func scanRecord(row pgx.Row) (*job.Record, error) {
	var (
		r            job.Record
		compensation id.CompensationID
		purposeStr   string
		stateStr     string
		timeoutNs    int64
	)
	err := row.Scan(
		&r.ID, &r.DispatchID, &r.WorkflowID, &r.StepRunID, &compensation,
		&r.JobClass, &purposeStr, &r.Queue, &stateStr, &r.Args, &r.ItemIndex, &r.Parallelism, &r.Result,
		&r.FailureClass, &r.FailureMessage, &r.FailureTrace,
		&r.RunAt, &timeoutNs, &r.WorkerID,
		&r.HeartbeatAt, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Purpose = job.Purpose(purposeStr)
	r.State = job.State(stateStr)
	r.Timeout = time.Duration(timeoutNs)
	if !compensation.IsNil() {
		r.CompensationID = &compensation
	}
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]*job.Record, error) {
	var out []*job.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("maestro/postgres: scan record row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("maestro/postgres: iterate record rows: %w", err)
	}
	return out, nil
}
