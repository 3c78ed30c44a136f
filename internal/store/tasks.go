package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

const taskColumns = `id, title, description, status, priority, assignee, due_date, workflow_id, run_id,
	created_at, updated_at`

func (s *SQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task.Status == "" {
		task.Status = "todo"
	}
	task.CreatedAt = timeOrNow(task.CreatedAt)
	task.UpdatedAt = timeOrNow(task.UpdatedAt)
	_, err := s.exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, nullStr(task.Description), task.Status, nullStr(task.Priority),
		nullStr(task.Assignee), nullTime(task.DueDate), nullStr(task.WorkflowID), nullStr(task.RunID),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert task").WithCause(err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound(schema.ErrCodeNotFound, "task", id)
	}
	return t, err
}

func (s *SQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var sets []string
	var args []any

	for _, f := range []struct {
		col string
		val *string
	}{
		{"title", update.Title},
		{"description", update.Description},
		{"status", update.Status},
		{"priority", update.Priority},
		{"assignee", update.Assignee},
	} {
		if f.val != nil {
			sets = append(sets, f.col+" = ?")
			args = append(args, *f.val)
		}
	}
	if update.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, update.DueDate.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.exec(ctx, fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update task").WithCause(err)
	}
	return checkRowsAffected(res, schema.ErrCodeNotFound, "task", id)
}

func (s *SQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var (
		description, priority, assignee, workflowID, runID sql.NullString
		dueDate                                            sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Title, &description, &t.Status, &priority, &assignee, &dueDate,
		&workflowID, &runID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Priority = priority.String
	t.Assignee = assignee.String
	t.WorkflowID = workflowID.String
	t.RunID = runID.String
	t.DueDate = timePtr(dueDate)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
