// Package main is the entry point for threadbridge.
// The single binary connects chat platforms to agent CLI subprocesses:
// platform events flow over the event bus into the session manager, which
// runs one agent process per chat thread. An HTTP endpoint exposes health,
// metrics, and the live session list.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/threadbridge/threadbridge/internal/bus"
	"github.com/threadbridge/threadbridge/internal/common/config"
	"github.com/threadbridge/threadbridge/internal/common/logger"
	"github.com/threadbridge/threadbridge/internal/common/tracing"
	"github.com/threadbridge/threadbridge/internal/ops"
	"github.com/threadbridge/threadbridge/internal/platform"
	"github.com/threadbridge/threadbridge/internal/platform/mattermost"
	"github.com/threadbridge/threadbridge/internal/session"
	"github.com/threadbridge/threadbridge/internal/store"
	"github.com/threadbridge/threadbridge/internal/worktree"
)

// version is overridden at build time via -ldflags.
var version = "dev"

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

	log.Info("Starting threadbridge...", zap.String("version", version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize tracing (no-op unless configured)
	traceShutdown, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
		traceShutdown = func(context.Context) error { return nil }
	}

	// 5. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 6. Metrics registry
	metrics := ops.NewMetrics()

	// 7. Session persistence store
	sessionStore := store.New(cfg.Store.Path, log)

	// 8. Worktree manager
	worktrees, err := worktree.NewManager(worktree.Config{
		Enabled:      cfg.Worktree.Enabled,
		BasePath:     cfg.Worktree.BasePath,
		BranchPrefix: cfg.Worktree.BranchPrefix,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	// 9. Platform clients. Inbound posts and reactions are published onto the
	// bus so the session manager sees one uniform stream per platform.
	clients := make(map[string]platform.Client, len(cfg.Platforms))
	for _, pc := range cfg.Platforms {
		client, err := mattermost.NewClient(mattermost.Config{
			ID:           pc.ID,
			URL:          pc.URL,
			Token:        pc.Token,
			ChannelID:    pc.ChannelID,
			AllowedUsers: pc.AllowedUsers,
		}, log)
		if err != nil {
			log.Fatal("Failed to build platform client",
				zap.String("platform", pc.ID), zap.Error(err))
		}
		publishToBus(ctx, pc.ID, client, eventBus, log)
		clients[pc.ID] = client
	}
	if len(clients) == 0 {
		log.Fatal("No platforms configured; set THREADBRIDGE_PLATFORM_URL and _TOKEN or add a platforms section")
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, client := range clients {
		g.Go(func() error {
			if err := client.Connect(gctx); err != nil {
				return fmt.Errorf("platform %s: %w", id, err)
			}
			log.Info("Platform connected",
				zap.String("platform", id), zap.String("bot", client.BotName()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal("Failed to connect platforms", zap.Error(err))
	}

	// 10. Session manager (subscribes to the bus, resumes persisted sessions)
	mgr := session.NewManager(session.Deps{
		Config:    cfg,
		Platforms: clients,
		Store:     sessionStore,
		Bus:       eventBus,
		Metrics:   metrics,
		Worktrees: worktrees,
		Logger:    log,
	})
	if err := mgr.Start(ctx); err != nil {
		log.Fatal("Failed to start session manager", zap.Error(err))
	}

	// 11. Operational HTTP server
	opsServer := ops.NewServer(cfg.Server, metrics, mgr, version, log, cfg.Logging.Level == "debug")
	opsServer.Start()

	log.Info("threadbridge ready",
		zap.Int("platforms", len(clients)),
		zap.String("http", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down threadbridge...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Ops server shutdown error", zap.Error(err))
	}

	// The manager kills agent subprocesses and persists sessions; it must
	// finish before the root context is cancelled.
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Session manager shutdown error", zap.Error(err))
	}

	for id, client := range clients {
		if err := client.Disconnect(); err != nil {
			log.Error("Platform disconnect error",
				zap.String("platform", id), zap.Error(err))
		}
	}

	if err := traceShutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}
	cancel()

	log.Info("threadbridge stopped")
}

// publishToBus forwards the client's inbound events onto the bus.
func publishToBus(ctx context.Context, platformID string, client platform.Client, eventBus bus.EventBus, log *logger.Logger) {
	client.OnMessage(func(post platform.Post, user *platform.User) {
		ev, err := bus.NewEvent(bus.EventMessage, platformID, platform.MessageEvent{Post: post, User: user})
		if err != nil {
			log.Error("Failed to encode message event", zap.Error(err))
			return
		}
		if err := eventBus.Publish(ctx, bus.MessageSubject(platformID), ev); err != nil {
			log.Error("Failed to publish message event", zap.Error(err))
		}
	})
	client.OnReaction(func(reaction platform.Reaction, user *platform.User) {
		ev, err := bus.NewEvent(bus.EventReaction, platformID, platform.ReactionEvent{Reaction: reaction, User: user})
		if err != nil {
			log.Error("Failed to encode reaction event", zap.Error(err))
			return
		}
		if err := eventBus.Publish(ctx, bus.ReactionSubject(platformID), ev); err != nil {
			log.Error("Failed to publish reaction event", zap.Error(err))
		}
	})
}
