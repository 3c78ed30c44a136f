package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// MemoryStore is a process-local Store. Values are copied on the way in and
// on the way out, so callers never share state with the store. Nested maps
// are round-tripped through JSON, which gives the same shapes the SQL stores
// return (numbers decode as float64).
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*schema.Workflow
	runs      map[string]*schema.Run
	tasks     map[string]*Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*schema.Workflow),
		runs:      make(map[string]*schema.Run),
		tasks:     make(map[string]*Task),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeStore, "insert workflow: id %q already exists", wf.ID)
	}
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound(schema.ErrCodeWorkflowNotFound, "workflow", id)
	}
	return cloneWorkflow(wf), nil
}

func (m *MemoryStore) UpdateWorkflow(_ context.Context, id string, update WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return storeNotFound(schema.ErrCodeWorkflowNotFound, "workflow", id)
	}

	changed := false
	if update.Name != nil {
		wf.Name, changed = *update.Name, true
	}
	if update.Description != nil {
		wf.Description, changed = *update.Description, true
	}
	if update.Trigger != nil {
		wf.Trigger, changed = *update.Trigger, true
	}
	if update.Steps != nil {
		wf.Steps, changed = cloneSteps(stepsOrEmpty(*update.Steps)), true
	}
	if update.Enabled != nil {
		wf.Enabled, changed = *update.Enabled, true
	}
	if update.Metadata != nil {
		wf.Metadata, changed = cloneMap(*update.Metadata), true
	}
	if changed {
		wf.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.RLock()
	var out []*schema.Workflow
	for _, wf := range m.workflows {
		if filter.Enabled != nil && wf.Enabled != *filter.Enabled {
			continue
		}
		if filter.TriggerType != nil && wf.Trigger.Type != *filter.TriggerType {
			continue
		}
		if filter.WebhookID != "" && wf.Trigger.WebhookID != filter.WebhookID {
			continue
		}
		if filter.CreatedBy != "" && wf.CreatedBy != filter.CreatedBy {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return newerFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound(schema.ErrCodeWorkflowNotFound, "workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *MemoryStore) RecordWorkflowStats(_ context.Context, id string, stats WorkflowStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return storeNotFound(schema.ErrCodeWorkflowNotFound, "workflow", id)
	}
	wf.RunCount += stats.Runs
	wf.ErrorCount += stats.Errors
	if stats.LastRun != nil {
		t := stats.LastRun.UTC()
		wf.LastRun = &t
	}
	return nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *schema.Run) error {
	run.StartedAt = timeOrNow(run.StartedAt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return schema.NewError(schema.ErrCodeStore, "insert run: id already exists").WithRun(run.ID)
	}
	stored := cloneRun(run)
	stored.StepResults = nil
	m.runs[run.ID] = stored
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*schema.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound(schema.ErrCodeRunNotFound, "run", id)
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.Run, error) {
	m.mu.RLock()
	var out []*schema.Run
	for _, run := range m.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, run.Status) {
			continue
		}
		out = append(out, cloneRun(run))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return newerFirst(out[i].StartedAt, out[j].StartedAt, out[i].ID, out[j].ID)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) TransitionRun(_ context.Context, id string, t RunTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, schema.NewError(schema.ErrCodeInvalidTransition, "transition requires at least one source status")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, storeNotFound(schema.ErrCodeRunNotFound, "run", id)
	}
	if !slices.Contains(t.From, run.Status) {
		return false, nil
	}
	run.Status = t.To
	if t.CompletedAt != nil {
		c := t.CompletedAt.UTC()
		run.CompletedAt = &c
	}
	if t.DurationSeconds != nil {
		d := *t.DurationSeconds
		run.DurationSeconds = &d
	}
	if t.Error != nil {
		run.Error = *t.Error
	}
	return true, nil
}

func (m *MemoryStore) AppendStepResult(_ context.Context, runID string, result schema.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return storeNotFound(schema.ErrCodeRunNotFound, "run", runID)
	}
	if next := len(run.StepResults); result.StepIndex != next {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step result %d out of order, expected %d", result.StepIndex, next).WithRun(runID)
	}
	result.Timestamp = timeOrNow(result.Timestamp)
	result.Outcome.Output = cloneMap(result.Outcome.Output)
	run.StepResults = append(run.StepResults, result)
	return nil
}

// --- Tasks ---

func (m *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	if task.Status == "" {
		task.Status = "todo"
	}
	task.CreatedAt = timeOrNow(task.CreatedAt)
	task.UpdatedAt = timeOrNow(task.UpdatedAt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeStore, "insert task: id %q already exists", task.ID)
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, storeNotFound(schema.ErrCodeNotFound, "task", id)
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, id string, update TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return storeNotFound(schema.ErrCodeNotFound, "task", id)
	}
	changed := false
	for _, f := range []struct {
		dst *string
		val *string
	}{
		{&t.Title, update.Title},
		{&t.Description, update.Description},
		{&t.Status, update.Status},
		{&t.Priority, update.Priority},
		{&t.Assignee, update.Assignee},
	} {
		if f.val != nil {
			*f.dst, changed = *f.val, true
		}
	}
	if update.DueDate != nil {
		d := update.DueDate.UTC()
		t.DueDate, changed = &d, true
	}
	if changed {
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	m.mu.RLock()
	var out []*Task
	for _, t := range m.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && t.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return newerFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID)
	})
	return page(out, filter.Limit, 0), nil
}

// --- Helpers ---

func newerFirst(a, b time.Time, idA, idB string) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return strings.Compare(idA, idB) < 0
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		return items
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneWorkflow(wf *schema.Workflow) *schema.Workflow {
	c := *wf
	c.Steps = cloneSteps(wf.Steps)
	c.Metadata = cloneMap(wf.Metadata)
	if wf.LastRun != nil {
		t := *wf.LastRun
		c.LastRun = &t
	}
	return &c
}

func cloneSteps(steps []schema.Step) []schema.Step {
	if steps == nil {
		return []schema.Step{}
	}
	out := make([]schema.Step, len(steps))
	for i, s := range steps {
		s.Config = cloneMap(s.Config)
		out[i] = s
	}
	return out
}

func cloneRun(run *schema.Run) *schema.Run {
	c := *run
	c.TriggerData = cloneMap(run.TriggerData)
	c.Metadata = cloneMap(run.Metadata)
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		c.CompletedAt = &t
	}
	if run.DurationSeconds != nil {
		d := *run.DurationSeconds
		c.DurationSeconds = &d
	}
	c.StepResults = make([]schema.StepResult, len(run.StepResults))
	for i, r := range run.StepResults {
		r.Outcome.Output = cloneMap(r.Outcome.Output)
		c.StepResults[i] = r
	}
	return &c
}

func cloneTask(t *Task) *Task {
	c := *t
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	return &c
}

// cloneMap deep-copies a JSON-shaped map. Values that cannot be encoded are
// kept by reference.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err == nil {
		var out map[string]any
		if err = json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
