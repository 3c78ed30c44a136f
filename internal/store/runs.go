package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

const runColumns = `id, workflow_id, triggered_by, trigger_data, status, started_at, completed_at,
	duration_seconds, error, metadata`

func (s *SQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	triggerData, err := marshalMapOrDefault(run.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}
	metadata, err := marshalMapOrDefault(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	run.StartedAt = timeOrNow(run.StartedAt)

	_, err = s.exec(ctx,
		`INSERT INTO workflow_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.TriggeredBy, triggerData, string(run.Status), run.StartedAt,
		nullTime(run.CompletedAt), nullFloat(run.DurationSeconds), nullStr(run.Error), metadata,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert run").WithRun(run.ID).WithCause(err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	run, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound(schema.ErrCodeRunNotFound, "run", id)
	}
	if err != nil {
		return nil, err
	}
	if run.StepResults, err = s.listStepResults(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		marks, statusArgs := statusStrings(filter.Statuses)
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
		args = append(args, statusArgs...)
	}

	query := "SELECT " + runColumns + " FROM workflow_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var runs []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// libSQL is limited to one connection, so results are loaded after the
	// cursor is released.
	rows.Close()

	for _, run := range runs {
		if run.StepResults, err = s.listStepResults(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLStore) TransitionRun(ctx context.Context, id string, t RunTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, schema.NewError(schema.ErrCodeInvalidTransition, "transition requires at least one source status")
	}
	sets := []string{"status = ?"}
	args := []any{string(t.To)}
	if t.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, t.CompletedAt.UTC())
	}
	if t.DurationSeconds != nil {
		sets = append(sets, "duration_seconds = ?")
		args = append(args, *t.DurationSeconds)
	}
	if t.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*t.Error))
	}
	marks, fromArgs := statusStrings(t.From)
	args = append(args, id)
	args = append(args, fromArgs...)

	query := fmt.Sprintf("UPDATE workflow_runs SET %s WHERE id = ? AND status IN (%s)",
		strings.Join(sets, ", "), strings.Join(marks, ", "))
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeStore, "transition run").WithRun(id).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.queryRow(ctx, `SELECT 1 FROM workflow_runs WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, storeNotFound(schema.ErrCodeRunNotFound, "run", id)
	}
	return false, err
}

func (s *SQLStore) AppendStepResult(ctx context.Context, runID string, result schema.StepResult) error {
	output, err := json.Marshal(result.Outcome.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	if result.Outcome.Output == nil {
		output = nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM workflow_runs WHERE id = ?`), runID).Scan(&exists)
	if err == sql.ErrNoRows {
		return storeNotFound(schema.ErrCodeRunNotFound, "run", runID)
	}
	if err != nil {
		return err
	}

	var next int
	err = tx.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT COUNT(*) FROM run_step_results WHERE run_id = ?`), runID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("count step results: %w", err)
	}
	if result.StepIndex != next {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step result %d out of order, expected %d", result.StepIndex, next).WithRun(runID)
	}

	var outputArg any
	if output != nil {
		outputArg = string(output)
	}
	_, err = tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO run_step_results (run_id, step_index, step_kind, step_name, success, output, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		runID, result.StepIndex, string(result.StepKind), result.StepName, boolInt(result.Outcome.Success),
		outputArg, nullStr(result.Outcome.Error), timeOrNow(result.Timestamp),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert step result").WithRun(runID).WithStep(result.StepIndex).WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step result: %w", err)
	}
	return nil
}

func (s *SQLStore) listStepResults(ctx context.Context, runID string) ([]schema.StepResult, error) {
	rows, err := s.query(ctx,
		`SELECT step_index, step_kind, step_name, success, output, error, created_at
		 FROM run_step_results WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []schema.StepResult{}
	for rows.Next() {
		var (
			r         schema.StepResult
			kind      string
			success   int64
			output    sql.NullString
			errorText sql.NullString
		)
		if err := rows.Scan(&r.StepIndex, &kind, &r.StepName, &success, &output, &errorText, &r.Timestamp); err != nil {
			return nil, err
		}
		r.StepKind = schema.StepKind(kind)
		r.Timestamp = r.Timestamp.UTC()
		r.Outcome.Success = success != 0
		r.Outcome.Error = errorText.String
		if output.Valid && output.String != "" && output.String != "null" {
			if err := json.Unmarshal([]byte(output.String), &r.Outcome.Output); err != nil {
				return nil, fmt.Errorf("unmarshal step output: %w", err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var (
		status                string
		triggerData, metadata sql.NullString
		completedAt           sql.NullTime
		duration              sql.NullFloat64
		errorText             sql.NullString
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.TriggeredBy, &triggerData, &status, &run.StartedAt,
		&completedAt, &duration, &errorText, &metadata); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	run.CompletedAt = timePtr(completedAt)
	if duration.Valid {
		d := duration.Float64
		run.DurationSeconds = &d
	}
	run.Error = errorText.String

	var err error
	if run.TriggerData, err = unmarshalMap(triggerData); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_data: %w", err)
	}
	if run.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	run.StepResults = []schema.StepResult{}
	return run, nil
}
