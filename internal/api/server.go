// Package api serves the automation service over HTTP: workflow management,
// run control, the webhook receiver and server-sent run events.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/rendis/autoflow/internal/automation"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/scheduler"
)

// ScheduleView exposes the scheduler table. Satisfied by *scheduler.Scheduler.
type ScheduleView interface {
	Entries() []scheduler.Entry
}

// PoolView exposes worker pool counters. Satisfied by *trigger.Dispatcher.
type PoolView interface {
	Metrics() engine.PoolMetrics
}

// Config holds the dependencies of a Server.
type Config struct {
	Service   *automation.Service
	Schedule  ScheduleView // optional
	Pool      PoolView     // optional
	Ready     func(ctx context.Context) bool
	Logger    *slog.Logger
	AccessLog bool
	// SSEKeepAlive is the interval of comment lines sent on idle event
	// streams. Defaults to 15s.
	SSEKeepAlive time.Duration
}

// Server is the HTTP front end.
type Server struct {
	svc       *automation.Service
	schedule  ScheduleView
	pool      PoolView
	ready     func(ctx context.Context) bool
	logger    *slog.Logger
	validate  *validator.Validate
	keepAlive time.Duration
	app       *fiber.App
}

// NewServer creates a Server and registers its routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SSEKeepAlive <= 0 {
		cfg.SSEKeepAlive = 15 * time.Second
	}
	s := &Server{
		svc:       cfg.Service,
		schedule:  cfg.Schedule,
		pool:      cfg.Pool,
		ready:     cfg.Ready,
		logger:    cfg.Logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		keepAlive: cfg.SSEKeepAlive,
	}

	app := fiber.New(fiber.Config{
		AppName:      "autoflow",
		ErrorHandler: s.handleError,
	})
	app.Use(recoverer.New())
	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{DisableColors: true}))
	}
	s.routes(app)
	s.app = app
	return s
}

func (s *Server) routes(app *fiber.App) {
	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			if s.ready == nil {
				return true
			}
			return s.ready(c.Context())
		},
	}))

	w := app.Group("/workflows")
	w.Post("/", s.createWorkflow)
	w.Get("/", s.listWorkflows)
	w.Get("/:id", s.getWorkflow)
	w.Put("/:id", s.updateWorkflow)
	w.Delete("/:id", s.deleteWorkflow)
	w.Post("/:id/run", s.runWorkflow)
	w.Get("/:id/runs", s.workflowRuns)

	r := app.Group("/runs")
	r.Get("/", s.listRuns)
	r.Get("/:id", s.getRun)
	r.Post("/:id/cancel", s.cancelRun)
	r.Get("/:id/events", s.runEvents)

	app.Post("/webhooks/:webhookId", s.triggerWebhook)
	app.Post("/events/:triggerType", s.triggerEvent)
	app.Get("/steps", s.stepKinds)
	app.Get("/scheduler", s.scheduleTable)
	app.Get("/stats", s.stats)
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.logger.Info("http server listening", slog.String("addr", addr))
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleError(c fiber.Ctx, err error) error {
	status, problem := problemFor(c, err)
	if status >= 500 {
		s.logger.Error("request failed",
			slog.String("method", c.Method()), slog.String("path", c.Path()), slog.String("error", err.Error()))
	}
	return c.Status(status).JSON(problem, "application/problem+json")
}
