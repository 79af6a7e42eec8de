package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/fennelabs/dialect/db"
	"github.com/fennelabs/dialect/internal/checkpoint"
	"github.com/fennelabs/dialect/internal/config"
	"github.com/fennelabs/dialect/internal/log"
	"github.com/fennelabs/dialect/internal/model"
	"github.com/fennelabs/dialect/internal/observability"
	"github.com/fennelabs/dialect/internal/orchestrator"
	"github.com/fennelabs/dialect/internal/server"
	"github.com/fennelabs/dialect/internal/tools"
	"github.com/fennelabs/dialect/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts the agent API on the configured address. Runs stream their
events over SSE; approval-gated tool calls suspend the turn until a
resume request arrives on the same endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := log.New(log.Config{
		Level: logLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			Environment: cfg.Tracing.Environment,
			ServiceName: cfg.Tracing.ServiceName,
		})
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	registry, cleanup, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	store, storeClose, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer storeClose()

	caller, err := model.NewGenkitCaller(ctx, model.GenkitConfig{
		APIKey:    cfg.APIKey,
		ModelName: cfg.ModelName,
		Registry:  registry,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("initializing model: %w", err)
	}

	ctrl, err := orchestrator.New(orchestrator.Config{
		Model:         caller,
		Registry:      registry,
		Store:         store,
		Logger:        logger,
		MaxModelCalls: cfg.MaxModelCalls,
		MaxResultRows: cfg.MaxResultRows,
	})
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}

	srv, err := server.New(server.Config{
		Runner:        ctrl,
		Logger:        logger,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.RateBurst,
		TrustProxy:    cfg.TrustProxy,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ui.PrintWithInfo(os.Stdout, AppVersion, cfg.ModelName, cfg.HTTPAddr)

	return srv.Run(ctx, cfg.HTTPAddr)
}

// buildRegistry opens the SQLite database and registers every enabled tool.
// The returned cleanup closes the database and any MCP subprocess.
func buildRegistry(ctx context.Context, cfg *config.Config, logger log.Logger) (*tools.Registry, func(), error) {
	registry := tools.NewRegistry()
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("cleanup error", "error", err)
			}
		}
	}

	sqlDB, err := tools.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database %s: %w", cfg.DatabasePath, err)
	}
	closers = append(closers, sqlDB.Close)

	toolkit := tools.NewSQLToolkit(sqlDB, cfg.MaxResultRows, logger)
	if err := toolkit.Register(registry); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("registering sql tools: %w", err)
	}

	if cfg.EnableDownloadTool {
		if err := tools.RegisterDownloadTool(registry); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("registering download tool: %w", err)
		}
	}

	if cfg.EnableChartTools {
		src, err := tools.ConnectMCP(ctx, cfg.ChartCommand, cfg.ChartArgs, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connecting chart server: %w", err)
		}
		closers = append(closers, src.Close)
		if err := src.Register(ctx, registry); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("registering chart tools: %w", err)
		}
	}

	logger.Info("tools registered", "names", registry.Names())
	return registry, cleanup, nil
}

// buildStore constructs the checkpoint store for the configured backend.
func buildStore(ctx context.Context, cfg *config.Config, logger log.Logger) (checkpoint.Store, func(), error) {
	noop := func() {}

	switch cfg.CheckpointBackend {
	case config.BackendMemory:
		logger.Info("checkpoint backend", "backend", "memory")
		return checkpoint.NewMemory(), noop, nil

	case config.BackendFile:
		store, err := checkpoint.NewFile(cfg.CheckpointDir)
		if err != nil {
			return nil, nil, fmt.Errorf("creating file store: %w", err)
		}
		logger.Info("checkpoint backend", "backend", "file", "dir", cfg.CheckpointDir)
		return store, noop, nil

	case config.BackendPostgres:
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pinging postgres: %w", err)
		}
		logger.Info("checkpoint backend", "backend", "postgres")
		return checkpoint.NewPostgres(pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
