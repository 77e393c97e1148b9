// Package main is the entry point for the Archon orchestration core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/assistant"
	"github.com/archonhq/archon/internal/command"
	"github.com/archonhq/archon/internal/common/config"
	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/db"
	"github.com/archonhq/archon/internal/events"
	"github.com/archonhq/archon/internal/events/bus"
	"github.com/archonhq/archon/internal/isolation"
	"github.com/archonhq/archon/internal/orchestrator"
	"github.com/archonhq/archon/internal/platform"
	"github.com/archonhq/archon/internal/platform/console"
	"github.com/archonhq/archon/internal/router"
	"github.com/archonhq/archon/internal/session"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/store/sqlite"
	"github.com/archonhq/archon/internal/telemetry"
	"github.com/archonhq/archon/internal/workflow"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Archon core...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	telemetry.Init()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	home, err := cfg.ExpandedHome()
	if err != nil {
		log.Fatal("Failed to resolve home directory", zap.Error(err))
	}

	// 4. Open the conversation store
	repo, err := openStore(cfg)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer repo.Close()
	log.Info("Store ready", zap.String("driver", cfg.Database.Driver))

	// 5. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Assistant clients
	assistants := assistant.NewRegistry()
	assistants.Register(assistant.NewClaudeClient("", log))
	assistants.Register(assistant.NewCodexClient("", log))

	// 7. Session manager and workflow registry
	sessions := session.NewManager(repo, repo, log)
	workflows := workflow.NewRegistry(filepath.Join(home, "workflows"))
	if err := workflows.Load(""); err != nil {
		log.Warn("Failed to load global workflows", zap.Error(err))
	}

	// 8. Isolation provider and cleanup scheduler
	worktreeBase, err := cfg.ExpandedWorktreeBase()
	if err != nil {
		log.Fatal("Failed to resolve worktree base", zap.Error(err))
	}
	provider, err := isolation.NewWorktreeProvider(worktreeBase, cfg.Worktree.SeedFiles, repo, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree provider", zap.Error(err))
	}
	sweeper := isolation.NewSweeper(provider, repo, repo, repo, isolation.SweeperConfig{
		Interval:       cfg.Worktree.CleanupIntervalDuration(),
		StaleAfter:     cfg.Worktree.StaleThreshold(),
		MaxPerCodebase: cfg.Worktree.MaxPerCodebase,
	}, nil, log)
	go sweeper.Run(ctx)

	// Closed conversations release their environments promptly.
	if _, err := eventBus.Subscribe(events.ConversationClosed, func(ctx context.Context, e *bus.Event) error {
		if id, ok := e.Data["conversation_id"].(string); ok {
			sweeper.OnConversationClosed(ctx, id)
		}
		return nil
	}); err != nil {
		log.Warn("Failed to subscribe to conversation close events", zap.Error(err))
	}

	// 9. Command handler, router, engine, orchestrator
	workspacesDir, err := cfg.WorkspacesDir()
	if err != nil {
		log.Fatal("Failed to resolve workspaces directory", zap.Error(err))
	}
	commands := command.NewHandler(repo, sessions, workflows, provider, sweeper,
		workspacesDir, filepath.Join(home, "templates"), log)
	rt := router.New(assistants, workflows, cfg.Orchestrator.ClassifierTimeoutDuration(), log)
	engine := workflow.NewEngine(assistants, sessions, repo, log)
	orch := orchestrator.New(repo, sessions, commands, rt, workflows, engine,
		provider, eventBus, store.AssistantClaude, log)

	log.Info("Archon core started",
		zap.String("home", home),
		zap.String("worktree_base", worktreeBase))

	// 10. Serve the local console until EOF or a shutdown signal. Other
	// platform adapters run in their own processes and dispatch into
	// HandleMessage the same way.
	consoleAdapter := console.New(os.Stdin, os.Stdout)
	done := make(chan error, 1)
	go func() {
		done <- consoleAdapter.Run(ctx, func(ctx context.Context, msg platform.InboundMessage) error {
			return orch.HandleMessage(ctx, consoleAdapter, msg)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-done:
		if err != nil {
			log.Error("Console input closed with error", zap.Error(err))
		}
	}
	cancel()
}

// openStore opens the configured database and wraps it in the repository.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		raw, err := db.OpenPostgres(cfg.Database.DSN, 0, 0)
		if err != nil {
			return nil, err
		}
		return sqlite.New(sqlx.NewDb(raw, "pgx"), nil)
	default:
		path, err := cfg.DatabasePath()
		if err != nil {
			return nil, err
		}
		writer, err := db.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return sqlite.New(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	}
}
