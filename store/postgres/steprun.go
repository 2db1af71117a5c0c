package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/workflow"
)

const stepRunColumns = `
	id, workflow_id, step_key, state, attempt,
	jobs_total, jobs_succeeded, jobs_failed, poll_count,
	superseded_by, failure_message,
	started_at, completed_at, created_at, updated_at`

// CreateStepRun persists a new step run.
func (s *Store) CreateStepRun(ctx context.Context, r *workflow.StepRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maestro_step_runs (
			id, workflow_id, step_key, state, attempt,
			jobs_total, jobs_succeeded, jobs_failed, poll_count,
			superseded_by, failure_message,
			started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)`,
		r.ID, r.WorkflowID, r.StepKey, string(r.State), r.Attempt,
		r.JobsTotal, r.JobsSucceeded, r.JobsFailed, r.PollCount,
		r.SupersededBy, r.FailureMessage,
		r.StartedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: create step run: %w", err)
	}
	return nil
}

// GetStepRun retrieves a step run by ID.
func (s *Store) GetStepRun(ctx context.Context, stepRunID id.StepRunID) (*workflow.StepRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+stepRunColumns+` FROM maestro_step_runs WHERE id = $1`,
		stepRunID,
	)

	r, err := scanStepRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrStepRunNotFound
		}
		return nil, fmt.Errorf("maestro/postgres: get step run: %w", err)
	}
	return r, nil
}

// UpdateStepRun persists changes to an existing step run.
func (s *Store) UpdateStepRun(ctx context.Context, r *workflow.StepRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE maestro_step_runs SET
			state = $2, attempt = $3,
			jobs_total = $4, jobs_succeeded = $5, jobs_failed = $6,
			poll_count = $7, superseded_by = $8, failure_message = $9,
			started_at = $10, completed_at = $11, updated_at = NOW()
		WHERE id = $1`,
		r.ID, string(r.State), r.Attempt,
		r.JobsTotal, r.JobsSucceeded, r.JobsFailed,
		r.PollCount, r.SupersededBy, r.FailureMessage,
		r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: update step run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.ErrStepRunNotFound
	}
	return nil
}

// ActiveStepRun returns the newest non-superseded run for a step.
func (s *Store) ActiveStepRun(ctx context.Context, workflowID id.WorkflowID, stepKey string) (*workflow.StepRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+stepRunColumns+` FROM maestro_step_runs
		 WHERE workflow_id = $1 AND step_key = $2 AND state <> 'superseded'
		 ORDER BY created_at DESC, attempt DESC
		 LIMIT 1`,
		workflowID, stepKey,
	)

	r, err := scanStepRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrStepRunNotFound
		}
		return nil, fmt.Errorf("maestro/postgres: active step run: %w", err)
	}
	return r, nil
}

// ListStepRuns returns every run of the instance in creation order,
// superseded runs included.
func (s *Store) ListStepRuns(ctx context.Context, workflowID id.WorkflowID) ([]*workflow.StepRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+stepRunColumns+` FROM maestro_step_runs
		 WHERE workflow_id = $1
		 ORDER BY created_at ASC, attempt ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list step runs: %w", err)
	}
	defer rows.Close()

	var out []*workflow.StepRun
	for rows.Next() {
		r, scanErr := scanStepRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("maestro/postgres: scan step run row: %w", scanErr)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("maestro/postgres: iterate step run rows: %w", err)
	}
	return out, nil
}

func scanStepRun(row pgx.Row) (*workflow.StepRun, error) {
	var (
		r          workflow.StepRun
		stateStr   string
		superseded id.StepRunID
	)
	err := row.Scan(
		&r.ID, &r.WorkflowID, &r.StepKey, &stateStr, &r.Attempt,
		&r.JobsTotal, &r.JobsSucceeded, &r.JobsFailed, &r.PollCount,
		&superseded, &r.FailureMessage,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.State = workflow.StepState(stateStr)
	if !superseded.IsNil() {
		r.SupersededBy = &superseded
	}
	return &r, nil
}

const compensationColumns = `
	id, workflow_id, step_key, job_class, status,
	attempt, max_attempts, failure_message,
	completed_at, created_at, updated_at`

// CreateCompensationRun persists a new compensation run. The unique
// (workflow, step) index enforces at most one per step.
func (s *Store) CreateCompensationRun(ctx context.Context, c *workflow.CompensationRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maestro_compensation_runs (
			id, workflow_id, step_key, job_class, status,
			attempt, max_attempts, failure_message,
			completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`,
		c.ID, c.WorkflowID, c.StepKey, c.JobClass, string(c.Status),
		c.Attempt, c.MaxAttempts, c.FailureMessage,
		c.CompletedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return maestro.ErrDuplicateCompensation
		}
		return fmt.Errorf("maestro/postgres: create compensation run: %w", err)
	}
	return nil
}

// GetCompensationRun retrieves the compensation run for a step.
func (s *Store) GetCompensationRun(ctx context.Context, workflowID id.WorkflowID, stepKey string) (*workflow.CompensationRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+compensationColumns+` FROM maestro_compensation_runs
		 WHERE workflow_id = $1 AND step_key = $2`,
		workflowID, stepKey,
	)

	c, err := scanCompensationRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrCompensationNotFound
		}
		return nil, fmt.Errorf("maestro/postgres: get compensation run: %w", err)
	}
	return c, nil
}

// UpdateCompensationRun persists changes to a compensation run.
func (s *Store) UpdateCompensationRun(ctx context.Context, c *workflow.CompensationRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE maestro_compensation_runs SET
			status = $2, attempt = $3, max_attempts = $4,
			failure_message = $5, completed_at = $6, updated_at = NOW()
		WHERE id = $1`,
		c.ID, string(c.Status), c.Attempt, c.MaxAttempts,
		c.FailureMessage, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: update compensation run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.ErrCompensationNotFound
	}
	return nil
}

// ListCompensationRuns returns the instance's compensation runs in
// creation order.
func (s *Store) ListCompensationRuns(ctx context.Context, workflowID id.WorkflowID) ([]*workflow.CompensationRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+compensationColumns+` FROM maestro_compensation_runs
		 WHERE workflow_id = $1
		 ORDER BY created_at ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list compensation runs: %w", err)
	}
	defer rows.Close()

	var out []*workflow.CompensationRun
	for rows.Next() {
		c, scanErr := scanCompensationRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("maestro/postgres: scan compensation row: %w", scanErr)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("maestro/postgres: iterate compensation rows: %w", err)
	}
	return out, nil
}

func scanCompensationRun(row pgx.Row) (*workflow.CompensationRun, error) {
	var (
		c         workflow.CompensationRun
		statusStr string
	)
	err := row.Scan(
		&c.ID, &c.WorkflowID, &c.StepKey, &c.JobClass, &statusStr,
		&c.Attempt, &c.MaxAttempts, &c.FailureMessage,
		&c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = workflow.CompensationStatus(statusStr)
	return &c, nil
}
