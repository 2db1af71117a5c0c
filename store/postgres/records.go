package postgres

import (
	"context"
	"fmt"

	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/workflow"
)

// AppendBranchDecision records a branch pick.
func (s *Store) AppendBranchDecision(ctx context.Context, d *workflow.BranchDecision) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maestro_branch_decisions (
			id, workflow_id, step_key, branch_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.WorkflowID, d.StepKey, d.BranchKey, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: append branch decision: %w", err)
	}
	return nil
}

// ListBranchDecisions returns the instance's branch decisions in
// creation order.
func (s *Store) ListBranchDecisions(ctx context.Context, workflowID id.WorkflowID) ([]*workflow.BranchDecision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, step_key, branch_key, created_at, updated_at
		FROM maestro_branch_decisions
		WHERE workflow_id = $1
		ORDER BY created_at ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list branch decisions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.BranchDecision
	for rows.Next() {
		var d workflow.BranchDecision
		if err := rows.Scan(&d.ID, &d.WorkflowID, &d.StepKey, &d.BranchKey, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("maestro/postgres: scan branch decision: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("maestro/postgres: iterate branch decisions: %w", err)
	}
	return out, nil
}

// AppendPollAttempt records a probe execution.
func (s *Store) AppendPollAttempt(ctx context.Context, a *workflow.PollAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maestro_poll_attempts (
			id, workflow_id, step_run_id, number, complete, output, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.WorkflowID, a.StepRunID, a.Number, a.Complete, a.Output, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: append poll attempt: %w", err)
	}
	return nil
}

// LatestPollAttempt returns the newest attempt of a step run, or nil if
// the run has none.
func (s *Store) LatestPollAttempt(ctx context.Context, stepRunID id.StepRunID) (*workflow.PollAttempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, step_run_id, number, complete, output, created_at, updated_at
		FROM maestro_poll_attempts
		WHERE step_run_id = $1
		ORDER BY number DESC
		LIMIT 1`,
		stepRunID,
	)

	var a workflow.PollAttempt
	err := row.Scan(&a.ID, &a.WorkflowID, &a.StepRunID, &a.Number, &a.Complete, &a.Output, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("maestro/postgres: latest poll attempt: %w", err)
	}
	return &a, nil
}

// AppendResolution records an operator resolution.
func (s *Store) AppendResolution(ctx context.Context, d *workflow.ResolutionDecision) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maestro_resolutions (
			id, workflow_id, action, step_key, actor, note, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.WorkflowID, string(d.Action), d.StepKey, d.Actor, d.Note, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: append resolution: %w", err)
	}
	return nil
}

// ListResolutions returns the instance's resolutions in creation order.
func (s *Store) ListResolutions(ctx context.Context, workflowID id.WorkflowID) ([]*workflow.ResolutionDecision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, action, step_key, actor, note, created_at, updated_at
		FROM maestro_resolutions
		WHERE workflow_id = $1
		ORDER BY created_at ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("maestro/postgres: list resolutions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.ResolutionDecision
	for rows.Next() {
		var (
			d         workflow.ResolutionDecision
			actionStr string
		)
		if err := rows.Scan(&d.ID, &d.WorkflowID, &actionStr, &d.StepKey, &d.Actor, &d.Note, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("maestro/postgres: scan resolution: %w", err)
		}
		d.Action = workflow.ResolutionAction(actionStr)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("maestro/postgres: iterate resolutions: %w", err)
	}
	return out, nil
}

// AppendTriggerPayload records a delivered trigger payload.
func (s *Store) AppendTriggerPayload(ctx context.Context, p *workflow.TriggerPayload) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maestro_trigger_payloads (
			id, workflow_id, key, payload, received_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.WorkflowID, p.Key, p.Payload, p.ReceivedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("maestro/postgres: append trigger payload: %w", err)
	}
	return nil
}

// LatestTriggerPayload returns the newest payload delivered for a
// trigger key, or nil if none has arrived.
func (s *Store) LatestTriggerPayload(ctx context.Context, workflowID id.WorkflowID, key string) (*workflow.TriggerPayload, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, key, payload, received_at, created_at, updated_at
		FROM maestro_trigger_payloads
		WHERE workflow_id = $1 AND key = $2
		ORDER BY received_at DESC, created_at DESC
		LIMIT 1`,
		workflowID, key,
	)

	var p workflow.TriggerPayload
	err := row.Scan(&p.ID, &p.WorkflowID, &p.Key, &p.Payload, &p.ReceivedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("maestro/postgres: latest trigger payload: %w", err)
	}
	return &p, nil
}
