package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// notificationSender is the part of *server.MCPServer the notifier uses.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// RunNotifier pushes a notifications/message to the session that started a
// run once the run ends.
type RunNotifier struct {
	sender   notificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewRunNotifier creates a RunNotifier.
func NewRunNotifier(sender notificationSender, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{sender: sender, sessions: sessions, logger: logger}
}

// NotifyStored covers runs that ended before their session was registered:
// if run is already terminal its end is sent now. Whichever of this and the
// hub event comes second finds the mapping gone.
func (n *RunNotifier) NotifyStored(run *schema.Run) {
	if run == nil || !run.Status.IsTerminal() {
		return
	}
	payload := map[string]any{}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	if run.DurationSeconds != nil {
		payload["durationSeconds"] = *run.DurationSeconds
	}
	n.Notify(streaming.RunEvent{
		Type:       schema.EventForStatus(run.Status),
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
		Status:     run.Status,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	})
}

// Start subscribes to terminal run events and forwards them until ctx ends.
func (n *RunNotifier) Start(ctx context.Context, hub streaming.EventHub) error {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{
		Types: []string{schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled},
	})
	if err != nil {
		return err
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				n.Notify(event)
			}
		}
	}()
	return nil
}

// Notify sends the end of a run to the session that started it.
// Best-effort: runs started elsewhere or by a disconnected client are skipped.
func (n *RunNotifier) Notify(event streaming.RunEvent) {
	sessionID, ok := n.sessions.Take(event.RunID)
	if !ok {
		return
	}

	level := "info"
	if event.Type == schema.EventRunFailed {
		level = "error"
	}
	data := map[string]any{
		"event":      event.Type,
		"workflowId": event.WorkflowID,
		"runId":      event.RunID,
		"status":     event.Status,
	}
	for k, v := range event.Payload {
		data[k] = v
	}

	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  level,
		"logger": "autoflow",
		"data":   data,
	})
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		// Session expired before the run finished.
		n.sessions.Remove(sessionID)
	case err != nil:
		n.logger.Warn("run notification failed",
			slog.String("run_id", event.RunID), slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}
