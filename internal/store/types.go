package store

import (
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Task is a unit of work created or updated by workflows.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	WorkflowID  string     `json:"workflowId,omitempty"`
	RunID       string     `json:"runId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Enabled     *bool
	TriggerType *schema.TriggerType
	WebhookID   string
	CreatedBy   string
	Limit       int
	Offset      int
}

// WorkflowUpdate specifies mutable fields of a workflow. Nil fields are left
// unchanged; Trigger and Steps replace the stored value wholesale.
type WorkflowUpdate struct {
	Name        *string
	Description *string
	Trigger     *schema.Trigger
	Steps       *[]schema.Step
	Enabled     *bool
	Metadata    *map[string]any
}

// WorkflowStats increments the counters of a workflow.
type WorkflowStats struct {
	Runs    int
	Errors  int
	LastRun *time.Time
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string
	Statuses   []schema.RunStatus
	Limit      int
	Offset     int
}

// RunTransition is a compare-and-set status change.
type RunTransition struct {
	From            []schema.RunStatus
	To              schema.RunStatus
	CompletedAt     *time.Time
	DurationSeconds *float64
	Error           *string
}

// TaskUpdate specifies mutable fields of a task.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	Assignee    *string
	DueDate     *time.Time
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status     string
	WorkflowID string
	Limit      int
}
