package streaming

import (
	"context"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// RunEvent is a lifecycle notification for one run.
type RunEvent struct {
	Type       string           `json:"type"`
	WorkflowID string           `json:"workflowId"`
	RunID      string           `json:"runId"`
	Status     schema.RunStatus `json:"status,omitempty"`
	StepIndex  *int             `json:"stepIndex,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Terminal reports whether the event closes its run.
func (e RunEvent) Terminal() bool {
	switch e.Type {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled:
		return true
	}
	return false
}

// EventFilter narrows a subscription. Zero fields match everything.
type EventFilter struct {
	WorkflowID string   `json:"workflowId,omitempty"`
	RunID      string   `json:"runId,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e RunEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventHub fans run events out to subscribers. Publishing never blocks on
// slow subscribers; their events are dropped instead.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
	Close() error
}
