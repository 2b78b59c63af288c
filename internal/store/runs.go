package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-library/internal/library"
)

const runColumns = `id, workflow_id, task, status, agent_id, base_id, context_json, created_at_ms, updated_at_ms`

// PutRun inserts or updates a run record.
func (s *Store) PutRun(ctx context.Context, r library.Run) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id,
			task = EXCLUDED.task,
			status = EXCLUDED.status,
			agent_id = EXCLUDED.agent_id,
			base_id = EXCLUDED.base_id,
			context_json = EXCLUDED.context_json,
			updated_at_ms = EXCLUDED.updated_at_ms`,
		r.ID, r.WorkflowID, r.Task, r.Status, r.AgentID, r.BaseID, string(r.Context), r.CreatedAtMs, r.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("put run %s: %w", r.ID, err)
	}
	return nil
}

// PutStep inserts or updates a step, keyed by (run_id, step_id).
func (s *Store) PutStep(ctx context.Context, st library.Step) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO steps (id, run_id, step_id, agent_id, step_index, status, input_json, output_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			step_index = EXCLUDED.step_index,
			status = EXCLUDED.status,
			input_json = EXCLUDED.input_json,
			output_text = EXCLUDED.output_text`,
		st.ID, st.RunID, st.StepID, st.AgentID, st.StepIndex, st.Status, string(st.Input), st.Output)
	if err != nil {
		return fmt.Errorf("put step %s/%s: %w", st.RunID, st.StepID, err)
	}
	return nil
}

// GetRun returns library.ErrRunNotFound for unknown ids.
func (s *Store) GetRun(ctx context.Context, runID string) (*library.Run, error) {
	rows, err := s.db.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", library.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &r, nil
}

// ListRuns returns the runs of an agent, optionally narrowed to a base or run.
func (s *Store) ListRuns(ctx context.Context, f library.RunFilter) ([]library.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE agent_id = $1 AND ($2::text = '' OR base_id = $2) AND ($3::text = '' OR id = $3)
		ORDER BY id`,
		f.AgentID, f.BaseID, f.RunID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return out, nil
}

// ListSteps returns the steps of a run ordered by (step_index, step_id).
func (s *Store) ListSteps(ctx context.Context, runID string) ([]library.Step, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, step_id, agent_id, step_index, status, input_json, output_text
		FROM steps WHERE run_id = $1
		ORDER BY step_index, step_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (library.Step, error) {
		var st library.Step
		var input string
		if err := row.Scan(&st.ID, &st.RunID, &st.StepID, &st.AgentID, &st.StepIndex, &st.Status, &input, &st.Output); err != nil {
			return st, err
		}
		if input != "" {
			st.Input = json.RawMessage(input)
		}
		return st, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan steps: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.CollectableRow) (library.Run, error) {
	var r library.Run
	var ctxJSON string
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.Task, &r.Status, &r.AgentID, &r.BaseID, &ctxJSON, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
		return r, err
	}
	if ctxJSON != "" {
		r.Context = json.RawMessage(ctxJSON)
	}
	return r, nil
}
