package store

import (
	"context"

	"github.com/rendis/autoflow/pkg/schema"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	RecordWorkflowStats(ctx context.Context, id string, stats WorkflowStats) error
}

// RunStore persists runs and their append-only step results.
type RunStore interface {
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// TransitionRun moves a run to t.To only if its current status is one of
	// t.From. It reports whether the transition was applied.
	TransitionRun(ctx context.Context, id string, t RunTransition) (bool, error)

	// AppendStepResult records the next step result of a run. The result's
	// StepIndex must equal the number of results already stored.
	AppendStepResult(ctx context.Context, runID string, result schema.StepResult) error
}

// TaskStore persists the tasks managed by task_operation steps.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
}

// Store is the full persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	RunStore
	TaskStore

	Migrate(ctx context.Context) error
	Close() error
}
