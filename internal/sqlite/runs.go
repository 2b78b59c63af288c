package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-library/internal/library"
)

// PutRun inserts or updates a run record.
func (s *Store) PutRun(ctx context.Context, r library.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, task, status, agent_id, base_id, context_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			task = excluded.task,
			status = excluded.status,
			agent_id = excluded.agent_id,
			base_id = excluded.base_id,
			context_json = excluded.context_json,
			updated_at_ms = excluded.updated_at_ms`,
		r.ID, r.WorkflowID, r.Task, r.Status, r.AgentID, r.BaseID, string(r.Context), r.CreatedAtMs, r.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("put run %s: %w", r.ID, err)
	}
	return nil
}

// PutStep inserts or updates a step, keyed by (run_id, step_id).
func (s *Store) PutStep(ctx context.Context, st library.Step) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, step_id, agent_id, step_index, status, input_json, output_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			step_index = excluded.step_index,
			status = excluded.status,
			input_json = excluded.input_json,
			output_text = excluded.output_text`,
		st.ID, st.RunID, st.StepID, st.AgentID, st.StepIndex, st.Status, string(st.Input), st.Output)
	if err != nil {
		return fmt.Errorf("put step %s/%s: %w", st.RunID, st.StepID, err)
	}
	return nil
}

// GetRun returns library.ErrRunNotFound for unknown ids.
func (s *Store) GetRun(ctx context.Context, runID string) (*library.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, task, status, agent_id, base_id, context_json, created_at_ms, updated_at_ms
		FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if notFound(err) {
		return nil, fmt.Errorf("%w: %s", library.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns the runs of an agent, optionally narrowed to a base or run.
func (s *Store) ListRuns(ctx context.Context, f library.RunFilter) ([]library.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, task, status, agent_id, base_id, context_json, created_at_ms, updated_at_ms
		FROM runs
		WHERE agent_id = ? AND (? = '' OR base_id = ?) AND (? = '' OR id = ?)
		ORDER BY id`,
		f.AgentID, f.BaseID, f.BaseID, f.RunID, f.RunID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []library.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListSteps returns the steps of a run ordered by (step_index, step_id).
func (s *Store) ListSteps(ctx context.Context, runID string) ([]library.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, agent_id, step_index, status, input_json, output_text
		FROM steps WHERE run_id = ?
		ORDER BY step_index, step_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []library.Step
	for rows.Next() {
		var st library.Step
		var input string
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepID, &st.AgentID, &st.StepIndex, &st.Status, &input, &st.Output); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if input != "" {
			st.Input = json.RawMessage(input)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*library.Run, error) {
	var r library.Run
	var ctxJSON string
	if err := sc.Scan(&r.ID, &r.WorkflowID, &r.Task, &r.Status, &r.AgentID, &r.BaseID, &ctxJSON, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
		return nil, err
	}
	if ctxJSON != "" {
		r.Context = json.RawMessage(ctxJSON)
	}
	return &r, nil
}
