package schema

import "time"

// TriggerType enumerates the event sources that can start a run.
type TriggerType string

const (
	TriggerManual       TriggerType = "manual"
	TriggerSchedule     TriggerType = "schedule"
	TriggerWebhook      TriggerType = "webhook"
	TriggerFileChange   TriggerType = "file_change"
	TriggerTaskStatus   TriggerType = "task_status"
	TriggerEmail        TriggerType = "email"
	TriggerAPICall      TriggerType = "api_call"
	TriggerChatCommand  TriggerType = "chat_command"
	TriggerVoiceCommand TriggerType = "voice_command"
)

// TriggerTypes lists every recognized trigger type.
var TriggerTypes = []TriggerType{
	TriggerManual, TriggerSchedule, TriggerWebhook, TriggerFileChange, TriggerTaskStatus,
	TriggerEmail, TriggerAPICall, TriggerChatCommand, TriggerVoiceCommand,
}

// Valid reports whether t is a recognized trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Trigger describes what starts a workflow. CronExpression is only meaningful
// for schedule triggers and WebhookID only for webhook triggers.
type Trigger struct {
	Type           TriggerType `json:"type"`
	CronExpression string      `json:"cron,omitempty"`
	WebhookID      string      `json:"webhookId,omitempty"`
	Filter         string      `json:"filter,omitempty"` // CEL over data and headers
}

// StepKind enumerates the built-in step executors.
type StepKind string

const (
	StepCommand       StepKind = "command"
	StepAPICall       StepKind = "api_call"
	StepFileOperation StepKind = "file_operation"
	StepTaskOperation StepKind = "task_operation"
	StepEmail         StepKind = "email"
	StepSlack         StepKind = "slack"
	StepMakeCom       StepKind = "make_com"
	StepClickUp       StepKind = "clickup"
	StepNotion        StepKind = "notion"
	StepCondition     StepKind = "condition"
	StepDelay         StepKind = "delay"
	StepAIQuery       StepKind = "ai_query"
	StepWebhook       StepKind = "webhook"
)

// StepKinds lists every built-in step kind.
var StepKinds = []StepKind{
	StepCommand, StepAPICall, StepFileOperation, StepTaskOperation, StepEmail, StepSlack,
	StepMakeCom, StepClickUp, StepNotion, StepCondition, StepDelay, StepAIQuery, StepWebhook,
}

// Valid reports whether k is a built-in step kind.
func (k StepKind) Valid() bool {
	for _, known := range StepKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Step is one unit of work within a workflow. Steps are addressed by index.
type Step struct {
	Kind            StepKind       `json:"kind"`
	Name            string         `json:"name"`
	Config          map[string]any `json:"config,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
}

// Workflow is a stored automation definition.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Trigger     Trigger        `json:"trigger"`
	Steps       []Step         `json:"steps"`
	Enabled     bool           `json:"enabled"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	LastRun     *time.Time     `json:"lastRun,omitempty"`
	RunCount    int            `json:"runCount"`
	ErrorCount  int            `json:"errorCount"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StepOutcome is the result of executing one step.
type StepOutcome struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Succeeded builds a successful outcome.
func Succeeded(output map[string]any) StepOutcome {
	return StepOutcome{Success: true, Output: output}
}

// Failed builds a failed outcome.
func Failed(msg string) StepOutcome {
	return StepOutcome{Success: false, Error: msg}
}

// StepResult is the persisted record of one executed step.
type StepResult struct {
	StepIndex int         `json:"stepIndex"`
	StepKind  StepKind    `json:"stepKind"`
	StepName  string      `json:"stepName"`
	Outcome   StepOutcome `json:"outcome"`
	Timestamp time.Time   `json:"timestamp"`
}

// Run is one execution instance of a workflow.
type Run struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflowId"`
	TriggeredBy     string         `json:"triggeredBy"`
	TriggerData     map[string]any `json:"triggerData,omitempty"`
	Status          RunStatus      `json:"status"`
	StartedAt       time.Time      `json:"startedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	DurationSeconds *float64       `json:"durationSeconds,omitempty"`
	StepResults     []StepResult   `json:"stepResults"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// RunContext is the in-memory variable bag for one run. It is never persisted.
type RunContext struct {
	WorkflowID  string
	RunID       string
	TriggerData map[string]any
	Variables   map[string]any
}

// NewRunContext seeds the variable bag with the trigger data.
func NewRunContext(workflowID, runID string, triggerData map[string]any) *RunContext {
	vars := make(map[string]any, len(triggerData))
	for k, v := range triggerData {
		vars[k] = v
	}
	return &RunContext{
		WorkflowID:  workflowID,
		RunID:       runID,
		TriggerData: triggerData,
		Variables:   vars,
	}
}

// Merge applies a step's output to the variables. Later keys win.
func (rc *RunContext) Merge(output map[string]any) {
	for k, v := range output {
		rc.Variables[k] = v
	}
}
