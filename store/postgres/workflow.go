package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/workflow"
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx, so instance
// reads and writes can run inside or outside the row-lock transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const instanceColumns = `
	id, definition_key, definition_version, state,
	current_step_key, active_branch,
	awaiting_trigger, trigger_deadline, pause_reason,
	failed_step_key, failure_message,
	compensation_scope, compensation_steps, pending_retry_step,
	auto_retry_count, started_at, completed_at, created_at, updated_at`

// CreateInstance persists a new workflow instance.
func (s *Store) CreateInstance(ctx context.Context, w *workflow.Instance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maestro_workflows (
			id, definition_key, definition_version, state,
			current_step_key, active_branch,
			awaiting_trigger, trigger_deadline, pause_reason,
			failed_step_key, failure_message,
			compensation_scope, compensation_steps, pending_retry_step,
			auto_retry_count, started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19
		)`,
		w.ID, w.DefinitionKey, w.DefinitionVersion.String(), string(w.State),
		w.CurrentStepKey, w.ActiveBranch,
		w.AwaitingTrigger, w.TriggerDeadline, w.PauseReason,
		w.FailedStepKey, w.FailureMessage,
		string(w.CompensationScope), stringSlice(w.CompensationSteps), w.PendingRetryStep,
		w.AutoRetryCount, w.StartedAt, w.CompletedAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	return getInstance(ctx, s.pool, workflowID)
}

func getInstance(ctx context.Context, q querier, workflowID id.WorkflowID) (*workflow.Instance, error) {
	row := q.QueryRow(ctx,
		`SELECT`+instanceColumns+` FROM maestro_workflows WHERE id = $1`,
		workflowID,
	)

	w, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("maestro/postgres: get instance: %w", err)
	}
	return w, nil
}

// UpdateInstance persists changes to an existing instance.
func (s *Store) UpdateInstance(ctx context.Context, w *workflow.Instance) error {
	return updateInstance(ctx, s.pool, w)
}

func updateInstance(ctx context.Context, q querier, w *workflow.Instance) error {
	tag, err := q.Exec(ctx, `
		UPDATE maestro_workflows SET
			state = $2, current_step_key = $3, active_branch = $4,
			awaiting_trigger = $5, trigger_deadline = $6, pause_reason = $7,
			failed_step_key = $8, failure_message = $9,
			compensation_scope = $10, compensation_steps = $11,
			pending_retry_step = $12, auto_retry_count = $13,
			started_at = $14, completed_at = $15, updated_at = NOW()
		WHERE id = $1`,
		w.ID, string(w.State), w.CurrentStepKey, w.ActiveBranch,
		w.AwaitingTrigger, w.TriggerDeadline, w.PauseReason,
		w.FailedStepKey, w.FailureMessage,
		string(w.CompensationScope), stringSlice(w.CompensationSteps),
		w.PendingRetryStep, w.AutoRetryCount,
		w.StartedAt, w.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.ErrWorkflowNotFound
	}
	return nil
}

// ListInstances returns instances matching the options, ordered by
// creation time.
func (s *Store) ListInstances(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	query := `SELECT` + instanceColumns + ` FROM maestro_workflows WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.DefinitionKey != "" {
		query += fmt.Sprintf(" AND definition_key = $%d", argIdx)
		args = append(args, opts.DefinitionKey)
		argIdx++
	}
	if !opts.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(" AND updated_at < $%d", argIdx)
		args = append(args, opts.UpdatedBefore)
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
		return nil, fmt.Errorf("maestro/postgres: list instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

// WithLockedInstance runs fn while holding the instance's row lock. The
// lock is taken with NOWAIT: a held lock returns maestro.ErrWorkflowLocked
// immediately instead of queueing behind the holder.
func (s *Store) WithLockedInstance(ctx context.Context, workflowID id.WorkflowID, fn func(ctx context.Context, w *workflow.Instance) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("maestro/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT`+instanceColumns+` FROM maestro_workflows WHERE id = $1 FOR UPDATE NOWAIT`,
		workflowID,
	)
	w, err := scanInstance(row)
	if err != nil {
		switch {
		case isNoRows(err):
			return maestro.ErrWorkflowNotFound
		case isLockNotAvailable(err):
			return maestro.ErrWorkflowLocked
		}
		return fmt.Errorf("maestro/postgres: lock instance: %w", err)
	}

	if err := fn(ctx, w); err != nil {
		return err
	}
	if err := updateInstance(ctx, tx, w); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("maestro/postgres: commit locked instance: %w", err)
	}
	return nil
}

// ListAwaitingTriggerPastDeadline returns paused instances whose trigger
// deadline is at or before now.
func (s *Store) ListAwaitingTriggerPastDeadline(ctx context.Context, now time.Time) ([]*workflow.Instance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+instanceColumns+` FROM maestro_workflows
		 WHERE state = 'paused'
		   AND awaiting_trigger <> ''
		   AND trigger_deadline IS NOT NULL
		   AND trigger_deadline <= $1
		 ORDER BY trigger_deadline ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list expired trigger waits: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

func scanInstance(row pgx.Row) (*workflow.Instance, error) {
	var (
		w        workflow.Instance
		verStr   string
		stateStr string
		scopeStr string
		steps    []string
	)
	err := row.Scan(
		&w.ID, &w.DefinitionKey, &verStr, &stateStr,
		&w.CurrentStepKey, &w.ActiveBranch,
		&w.AwaitingTrigger, &w.TriggerDeadline, &w.PauseReason,
		&w.FailedStepKey, &w.FailureMessage,
		&scopeStr, &steps, &w.PendingRetryStep,
		&w.AutoRetryCount, &w.StartedAt, &w.CompletedAt,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.State = workflow.State(stateStr)
	w.CompensationScope = workflow.CompensationScope(scopeStr)
	if len(steps) > 0 {
		w.CompensationSteps = steps
	}

	ver, verErr := definition.ParseVersion(verStr)
	if verErr != nil {
		return nil, fmt.Errorf("maestro/postgres: parse version %q: %w", verStr, verErr)
	}
	w.DefinitionVersion = ver

	return &w, nil
}

func collectInstances(rows pgx.Rows) ([]*workflow.Instance, error) {
	var out []*workflow.Instance
	for rows.Next() {
		w, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("maestro/postgres: scan instance row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("maestro/postgres: iterate instance rows: %w", err)
	}
	return out, nil
}

// stringSlice normalizes nil to an empty array so TEXT[] columns never
// store NULL.
func stringSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
