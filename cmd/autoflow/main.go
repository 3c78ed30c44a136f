package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/autoflow/internal/api"
	"github.com/rendis/autoflow/internal/logging"
	mcpserver "github.com/rendis/autoflow/pkg/mcp"
)

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "autoflow:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	bindings := newBindings()
	setup := func(cmd *cli.Command) (Config, *slog.Logger, error) {
		cfg, err := loadConfig(cmd, bindings)
		if err != nil {
			return cfg, nil, err
		}
		// stdout belongs to the MCP transport, so logs always go to stderr.
		return cfg, logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr), nil
	}

	return &cli.Command{
		Name:    "autoflow",
		Usage:   "workflow automation engine",
		Version: version,
		Flags:   configFlags(bindings),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API and the scheduler",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, logger, err := setup(cmd)
					if err != nil {
						return err
					}
					return serve(ctx, cfg, logger)
				},
			},
			{
				Name:  "mcp",
				Usage: "Serve the MCP tools over stdio and run the scheduler",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, logger, err := setup(cmd)
					if err != nil {
						return err
					}
					return serveMCP(ctx, cfg, logger)
				},
			},
			{
				Name:  "migrate",
				Usage: "Create or upgrade the database schema and exit",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, logger, err := setup(cmd)
					if err != nil {
						return err
					}
					st, err := openStore(ctx, cfg)
					if err != nil {
						return err
					}
					logger.Info("database migrated", slog.String("driver", cfg.DBDriver))
					return st.Close()
				},
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(context.Context, *cli.Command) error {
					printVersion()
					return nil
				},
			},
		},
	}
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown()
	if err := a.start(ctx); err != nil {
		return err
	}

	srv := api.NewServer(api.Config{
		Service:   a.service,
		Schedule:  a.scheduler,
		Pool:      a.dispatcher,
		Ready:     a.ready,
		Logger:    logger,
		AccessLog: cfg.AccessLog,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(cfg.ListenAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return nil
}

func serveMCP(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown()
	if err := a.start(ctx); err != nil {
		return err
	}

	srv := mcpserver.NewServer(mcpserver.ServerDeps{
		Service: a.service,
		Hub:     a.hub,
		Logger:  logger,
		Version: version,
	})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
