// Package main runs the cmux server: workspace management, agent
// sessions, and the IPC/WebSocket bridge in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/config"
	"github.com/cmux/cmux/internal/common/keyedmutex"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/common/paths"
	"github.com/cmux/cmux/internal/events"
	"github.com/cmux/cmux/internal/events/bus"
	"github.com/cmux/cmux/internal/extmeta"
	"github.com/cmux/cmux/internal/gateway"
	gatewayws "github.com/cmux/cmux/internal/gateway/websocket"
	"github.com/cmux/cmux/internal/history"
	"github.com/cmux/cmux/internal/provider"
	"github.com/cmux/cmux/internal/provider/anthropic"
	"github.com/cmux/cmux/internal/provider/mock"
	"github.com/cmux/cmux/internal/provider/openai"
	"github.com/cmux/cmux/internal/session"
	"github.com/cmux/cmux/internal/tokenizer"
	"github.com/cmux/cmux/internal/tools"
	"github.com/cmux/cmux/internal/tracing"
	"github.com/cmux/cmux/internal/workspace"
	"github.com/cmux/cmux/pkg/ipc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cmux: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	root, err := paths.Root()
	if err != nil {
		return fmt.Errorf("resolve data root: %w", err)
	}
	if err := paths.EnsureDir(root); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	log.Info("cmux starting", zap.String("root", root))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory unless NATS is configured.
	eventBus, closeBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer closeBus()

	// Stores share one keyed mutex namespace.
	locks := keyedmutex.New()
	hist, err := history.NewStore(paths.HistoryDir(root), locks, log)
	if err != nil {
		return fmt.Errorf("init history store: %w", err)
	}
	partials, err := history.NewPartialStore(paths.PartialDir(root), locks, hist, cfg.Stream.PartialFlushInterval(), log)
	if err != nil {
		return fmt.Errorf("init partial store: %w", err)
	}

	metaStore, closeMeta, err := extmeta.Provide(cfg.Metadata, root, locks, log)
	if err != nil {
		return fmt.Errorf("init extension metadata: %w", err)
	}
	defer closeMeta()

	// Metadata changes fan out to the bridge through the bus.
	meta := extmeta.WithNotify(metaStore, func(workspaceID string) {
		ev := bus.NewEvent(events.WorkspaceMetadata, "extmeta", map[string]any{"workspaceId": workspaceID})
		if err := eventBus.Publish(context.Background(), events.WorkspaceMetadata, ev); err != nil {
			log.WithError(err).Debug("metadata event publish failed")
		}
	})

	// No stream survives a restart.
	if cleared, err := meta.ClearStaleStreaming(ctx); err != nil {
		log.WithError(err).Warn("stale streaming flags not cleared")
	} else if cleared > 0 {
		log.Info("cleared stale streaming flags", zap.Int("count", cleared))
	}

	// Providers.
	secretsPath := cfg.Providers.SecretsPath
	if secretsPath == "" {
		secretsPath = paths.SecretsFile(root)
	}
	secrets := provider.NewSecrets(secretsPath, log)
	providers := provider.NewRegistry(secrets, cfg.Providers, log)
	providers.Register("anthropic", false, func(apiKey string) (provider.Client, error) {
		return anthropic.New(apiKey)
	})
	providers.Register("openai", false, func(apiKey string) (provider.Client, error) {
		return openai.New(apiKey)
	})
	providers.Register("mock", true, func(string) (provider.Client, error) {
		return mock.New(), nil
	})

	tokenizers := tokenizer.NewService(log)

	toolRegistry, err := tools.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("init tool registry: %w", err)
	}
	modes, err := tools.LoadModes(paths.ModesFile(root))
	if err != nil {
		return fmt.Errorf("load tool modes: %w", err)
	}

	// Sessions and workspaces reference each other; the workspace
	// manager resolves workspaces for lazy session creation and the
	// session manager tears sessions down on workspace removal.
	chatHub := session.NewHub(log)
	streams := session.NewStreamManager(hist, partials, providers, toolRegistry, modes, tokenizers, chatHub, cfg.Stream, log)

	wsRegistry, err := workspace.NewRegistry(paths.ConfigFile(root), locks, log)
	if err != nil {
		return fmt.Errorf("init workspace registry: %w", err)
	}
	workspaces, err := workspace.NewManager(wsRegistry, eventBus, hist, partials, meta, cfg.Runtime, log)
	if err != nil {
		return fmt.Errorf("init workspace manager: %w", err)
	}
	sessions := session.NewManager(workspaces, hist, partials, streams, meta, tokenizers, log)
	workspaces.SetSessions(sessions)

	// Bridge.
	dispatcher := ipc.NewDispatcher()
	gateway.RegisterHandlers(dispatcher, workspaces, sessions, hist, providers, secrets)
	gateway.RegisterUsageHandler(dispatcher, hist, toolRegistry, tokenizers)
	hub := gatewayws.NewHub(sessions, log)
	go hub.Run(ctx)

	// Every workspace event reaches metadata subscribers.
	busSub, err := eventBus.Subscribe(events.WorkspaceAll, func(ctx context.Context, ev *bus.Event) error {
		workspaceID, _ := ev.Data["workspaceId"].(string)
		hub.BroadcastMetadata(workspaceID, map[string]any{"type": ev.Type, "data": ev.Data})
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe workspace events: %w", err)
	}
	defer busSub.Unsubscribe()

	server := gateway.NewServer(cfg.Server, dispatcher, hub, log)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	log.Info("cmux ready",
		zap.String("ipc", "/ipc/:channel"),
		zap.String("websocket", "/ws"),
		zap.Strings("providers", providers.Names()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("gateway shutdown error")
	}
	sessions.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown error")
	}

	log.Info("cmux stopped")
	return nil
}
