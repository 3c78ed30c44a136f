package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled, schema.RunStatusFailed},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// TransitionHook runs after a transition into a status has been stored.
type TransitionHook func(ctx context.Context, run RunRef, to schema.RunStatus) error

// RunRef identifies the run a transition applies to.
type RunRef struct {
	WorkflowID string
	RunID      string
}

// TransitionFields are the optional columns written together with a status.
type TransitionFields struct {
	CompletedAt     *time.Time
	DurationSeconds *float64
	Error           *string
}

// RunFSM applies run status transitions. Every transition is validated
// against ValidRunTransitions, stored as a compare-and-set and announced on
// the event hub.
type RunFSM struct {
	runs   store.RunStore
	hub    streaming.EventHub
	logger *slog.Logger

	mu    sync.RWMutex
	after map[schema.RunStatus][]TransitionHook
}

// NewRunFSM creates a RunFSM. hub may be nil.
func NewRunFSM(runs store.RunStore, hub streaming.EventHub, logger *slog.Logger) *RunFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunFSM{
		runs:   runs,
		hub:    hub,
		logger: logger,
		after:  make(map[schema.RunStatus][]TransitionHook),
	}
}

// OnEnter registers a hook called after a run enters status to.
func (f *RunFSM) OnEnter(to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition moves the run to status to if it is currently in one of from.
// It reports whether the transition was applied; false with a nil error means
// the run had already left every status in from.
func (f *RunFSM) Transition(ctx context.Context, ref RunRef, from []schema.RunStatus, to schema.RunStatus, fields TransitionFields) (bool, error) {
	for _, s := range from {
		if !IsValidRunTransition(s, to) {
			return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid run transition: %s -> %s", s, to).
				WithRun(ref.RunID).
				WithDetails(map[string]any{"workflow_id": ref.WorkflowID, "from": string(s), "to": string(to)})
		}
	}

	applied, err := f.runs.TransitionRun(ctx, ref.RunID, store.RunTransition{
		From:            from,
		To:              to,
		CompletedAt:     fields.CompletedAt,
		DurationSeconds: fields.DurationSeconds,
		Error:           fields.Error,
	})
	if err != nil || !applied {
		return false, err
	}

	payload := map[string]any{}
	if fields.Error != nil {
		payload["error"] = *fields.Error
	}
	if fields.DurationSeconds != nil {
		payload["durationSeconds"] = *fields.DurationSeconds
	}
	f.publish(ctx, streaming.RunEvent{
		Type:       schema.EventForStatus(to),
		WorkflowID: ref.WorkflowID,
		RunID:      ref.RunID,
		Status:     to,
		Payload:    payload,
	})

	f.mu.RLock()
	hooks := slices.Clone(f.after[to])
	f.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, ref, to); err != nil {
			logging.LogWith(ctx, f.logger).Warn("run transition hook failed",
				slog.String("status", string(to)), slog.String("error", err.Error()))
		}
	}
	return true, nil
}

func (f *RunFSM) publish(ctx context.Context, event streaming.RunEvent) {
	if f.hub == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := f.hub.Publish(ctx, event); err != nil {
		logging.LogWith(ctx, f.logger).Warn("publish run event",
			slog.String("type", event.Type), slog.String("error", err.Error()))
	}
}

// IsValidRunTransition reports whether from -> to is allowed.
func IsValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}
