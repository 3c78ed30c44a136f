package schema

// Event type constants published on the run event hub.
const (
	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// EventForStatus maps a terminal run status to its lifecycle event type.
func EventForStatus(s RunStatus) string {
	switch s {
	case RunStatusRunning:
		return EventRunStarted
	case RunStatusCompleted:
		return EventRunCompleted
	case RunStatusFailed:
		return EventRunFailed
	case RunStatusCancelled:
		return EventRunCancelled
	}
	return EventRunCreated
}
