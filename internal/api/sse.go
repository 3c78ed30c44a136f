package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// runEvents streams the lifecycle of one run as server-sent events. The
// stream opens with a "snapshot" event carrying the stored run and closes
// after the run's terminal event.
func (s *Server) runEvents(c fiber.Ctx) error {
	runID := c.Params("id")

	// The stream outlives the handler, so it cannot use the request context.
	ctx, cancel := context.WithCancel(context.Background())
	events, unsubscribe, err := s.svc.Subscribe(ctx, streaming.EventFilter{RunID: runID})
	if err != nil {
		cancel()
		return err
	}
	run, err := s.svc.GetRun(c.Context(), runID)
	if err != nil {
		unsubscribe()
		cancel()
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		defer unsubscribe()
		err := s.streamRun(ctx, pw, run, events)
		pw.CloseWithError(err)
	}()
	return c.SendStream(pr)
}

func (s *Server) streamRun(ctx context.Context, w io.Writer, run *schema.Run, events <-chan streaming.RunEvent) error {
	if err := writeEvent(w, "snapshot", run); err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			// A failed write means the client went away.
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, event.Type, event); err != nil {
				s.logger.Debug("sse client gone", slog.String("run_id", run.ID), slog.String("error", err.Error()))
				return nil
			}
			if event.Terminal() {
				return nil
			}
		}
	}
}

func writeEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
