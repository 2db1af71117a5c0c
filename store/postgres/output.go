package postgres

import (
	"context"
	"fmt"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/output"
)

// UpsertOutput writes a named output atomically. An existing row is
// locked with FOR UPDATE, merged, and rewritten; concurrent writers of
// the same output serialize on the row lock so no update is lost.
func (s *Store) UpsertOutput(ctx context.Context, rec *output.Record, merge output.MergeFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("maestro/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		existingID id.OutputID
		existing   []byte
	)
	row := tx.QueryRow(ctx, `
		SELECT id, value FROM maestro_outputs
		WHERE workflow_id = $1 AND name = $2
		FOR UPDATE`,
		rec.WorkflowID, rec.Name,
	)
	err = row.Scan(&existingID, &existing)
	switch {
	case err == nil:
		merged, mergeErr := merge(existing, rec.Value)
		if mergeErr != nil {
			return fmt.Errorf("maestro/postgres: merge output %q: %w", rec.Name, mergeErr)
		}
		_, err = tx.Exec(ctx, `
			UPDATE maestro_outputs
			SET value = $2, step_key = $3, updated_at = NOW()
			WHERE id = $1`,
			existingID, merged, rec.StepKey,
		)
		if err != nil {
			return fmt.Errorf("maestro/postgres: update output: %w", err)
		}

	case isNoRows(err):
		_, err = tx.Exec(ctx, `
			INSERT INTO maestro_outputs (
				id, workflow_id, name, step_key, value, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, rec.WorkflowID, rec.Name, rec.StepKey, rec.Value, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			if isDuplicateKey(err) {
				// Lost an insert race; the row exists now, retry as an
				// update on a fresh transaction.
				_ = tx.Rollback(ctx)
				return s.UpsertOutput(ctx, rec, merge)
			}
			return fmt.Errorf("maestro/postgres: insert output: %w", err)
		}

	default:
		return fmt.Errorf("maestro/postgres: lock output: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("maestro/postgres: commit output: %w", err)
	}
	return nil
}

// GetOutput retrieves an output by name.
func (s *Store) GetOutput(ctx context.Context, workflowID id.WorkflowID, name string) (*output.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, name, step_key, value, created_at, updated_at
		FROM maestro_outputs
		WHERE workflow_id = $1 AND name = $2`,
		workflowID, name,
	)

	var rec output.Record
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.Name, &rec.StepKey, &rec.Value, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrOutputMissing
		}
		return nil, fmt.Errorf("maestro/postgres: get output: %w", err)
	}
	return &rec, nil
}

// ListOutputs returns every output of the instance.
func (s *Store) ListOutputs(ctx context.Context, workflowID id.WorkflowID) ([]*output.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, name, step_key, value, created_at, updated_at
		FROM maestro_outputs
		WHERE workflow_id = $1
		ORDER BY name ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list outputs: %w", err)
	}
	defer rows.Close()

	var out []*output.Record
	for rows.Next() {
		var rec output.Record
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.Name, &rec.StepKey, &rec.Value, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("maestro/postgres: scan output row: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("maestro/postgres: iterate output rows: %w", err)
	}
	return out, nil
}

// DeleteOutput removes a named output. Deleting an absent output is a
// no-op.
func (s *Store) DeleteOutput(ctx context.Context, workflowID id.WorkflowID, name string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM maestro_outputs WHERE workflow_id = $1 AND name = $2`,
		workflowID, name,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: delete output: %w", err)
	}
	return nil
}
