package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

const workflowColumns = `id, name, description, trigger_def, steps, enabled, created_by, metadata,
	run_count, error_count, last_run, created_at, updated_at`

func (s *SQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	trigger, err := json.Marshal(wf.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	steps, err := json.Marshal(stepsOrEmpty(wf.Steps))
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	metadata, err := marshalMapOrDefault(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)

	_, err = s.exec(ctx,
		`INSERT INTO workflows (id, name, description, trigger_def, trigger_type, webhook_id, steps, enabled,
			created_by, metadata, run_count, error_count, last_run, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), string(trigger), string(wf.Trigger.Type),
		nullStr(wf.Trigger.WebhookID), string(steps), boolInt(wf.Enabled), nullStr(wf.CreatedBy),
		metadata, wf.RunCount, wf.ErrorCount, nullTime(wf.LastRun), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert workflow").WithCause(err)
	}
	return nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.queryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(schema.ErrCodeWorkflowNotFound, "workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *SQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Trigger != nil {
		trigger, err := json.Marshal(update.Trigger)
		if err != nil {
			return fmt.Errorf("marshal trigger: %w", err)
		}
		sets = append(sets, "trigger_def = ?", "trigger_type = ?", "webhook_id = ?")
		args = append(args, string(trigger), string(update.Trigger.Type), nullStr(update.Trigger.WebhookID))
	}
	if update.Steps != nil {
		steps, err := json.Marshal(stepsOrEmpty(*update.Steps))
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		sets = append(sets, "steps = ?")
		args = append(args, string(steps))
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.Metadata != nil {
		metadata, err := marshalMapOrDefault(*update.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update workflow").WithCause(err)
	}
	return checkRowsAffected(res, schema.ErrCodeWorkflowNotFound, "workflow", id)
}

func (s *SQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.TriggerType != nil {
		where = append(where, "trigger_type = ?")
		args = append(args, string(*filter.TriggerType))
	}
	if filter.WebhookID != "" {
		where = append(where, "webhook_id = ?")
		args = append(args, filter.WebhookID)
	}
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
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
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *SQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete workflow").WithCause(err)
	}
	return checkRowsAffected(res, schema.ErrCodeWorkflowNotFound, "workflow", id)
}

func (s *SQLStore) RecordWorkflowStats(ctx context.Context, id string, stats WorkflowStats) error {
	sets := []string{"run_count = run_count + ?", "error_count = error_count + ?"}
	args := []any{stats.Runs, stats.Errors}
	if stats.LastRun != nil {
		sets = append(sets, "last_run = ?")
		args = append(args, stats.LastRun.UTC())
	}
	args = append(args, id)

	res, err := s.exec(ctx, fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "record workflow stats").WithCause(err)
	}
	return checkRowsAffected(res, schema.ErrCodeWorkflowNotFound, "workflow", id)
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		description, createdBy, metadata sql.NullString
		triggerJSON, stepsJSON           string
		enabled                          int64
		lastRun                          sql.NullTime
	)
	if err := row.Scan(&wf.ID, &wf.Name, &description, &triggerJSON, &stepsJSON, &enabled, &createdBy,
		&metadata, &wf.RunCount, &wf.ErrorCount, &lastRun, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = description.String
	wf.CreatedBy = createdBy.String
	wf.Enabled = enabled != 0
	wf.LastRun = timePtr(lastRun)
	wf.CreatedAt = wf.CreatedAt.UTC()
	wf.UpdatedAt = wf.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(triggerJSON), &wf.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	m, err := unmarshalMap(metadata)
	if err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	wf.Metadata = m
	return wf, nil
}

func stepsOrEmpty(steps []schema.Step) []schema.Step {
	if steps == nil {
		return []schema.Step{}
	}
	return steps
}
