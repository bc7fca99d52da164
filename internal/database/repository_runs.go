package database

import (
	"context"
	"encoding/json"
	"fmt"

	"dhan-agent-bot/internal/agent"
)

// RunRepository persists decision-loop run history. It satisfies
// agent.RunStore.
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// SaveRun upserts the run row; called once when a run finishes
func (r *RunRepository) SaveRun(ctx context.Context, result *agent.RunResult) error {
	query := `
		INSERT INTO agent_runs (id, objective, status, steps_taken, summary, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, steps_taken = EXCLUDED.steps_taken,
		    summary = EXCLUDED.summary, error = EXCLUDED.error,
		    finished_at = EXCLUDED.finished_at
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		result.RunID, result.Objective, result.Status, result.StepsTaken,
		result.Summary, result.Error, result.StartedAt, result.FinishedAt,
	)
	return err
}

// SaveStep appends one step row. The run row may not exist yet while the run
// is in flight, so a placeholder is inserted first.
func (r *RunRepository) SaveStep(ctx context.Context, runID string, record agent.StepRecord) error {
	placeholder := `
		INSERT INTO agent_runs (id, objective, status, started_at)
		VALUES ($1, '', 'running', $2)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.Pool.Exec(ctx, placeholder, runID, record.RequestedAt); err != nil {
		return fmt.Errorf("ensure run row: %w", err)
	}

	args, err := json.Marshal(record.ToolCall.Args)
	if err != nil {
		return fmt.Errorf("encode step args: %w", err)
	}
	resultJSON, err := json.Marshal(record.Observation.Result)
	if err != nil {
		return fmt.Errorf("encode step result: %w", err)
	}

	query := `
		INSERT INTO agent_steps (run_id, step_no, thought, tool, args, ok, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.Pool.Exec(
		ctx, query,
		runID, record.Step, record.ToolCall.Thought, record.ToolCall.Tool,
		args, record.Observation.OK, resultJSON, record.RequestedAt,
	)
	return err
}

// ListRuns returns the most recent runs, newest first
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]*agent.RunResult, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, objective, status, steps_taken, COALESCE(summary, ''), COALESCE(error, ''), started_at, COALESCE(finished_at, started_at)
		FROM agent_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*agent.RunResult
	for rows.Next() {
		var run agent.RunResult
		if err := rows.Scan(
			&run.RunID, &run.Objective, &run.Status, &run.StepsTaken,
			&run.Summary, &run.Error, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, err
		}
		run.OK = run.Status != agent.RunStatusFailed
		out = append(out, &run)
	}
	return out, rows.Err()
}
