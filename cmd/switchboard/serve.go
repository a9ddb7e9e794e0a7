package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/internal/channels/instagram"
	"github.com/camino-travel/switchboard/internal/channels/messenger"
	"github.com/camino-travel/switchboard/internal/channels/telegram"
	"github.com/camino-travel/switchboard/internal/channels/webchat"
	"github.com/camino-travel/switchboard/internal/channels/whatsapp"
	"github.com/camino-travel/switchboard/internal/chatbot"
	"github.com/camino-travel/switchboard/internal/config"
	"github.com/camino-travel/switchboard/internal/gateway"
	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/internal/oncall"
	"github.com/camino-travel/switchboard/internal/queue"
	"github.com/camino-travel/switchboard/internal/router"
	"github.com/camino-travel/switchboard/internal/salesagent"
	"github.com/camino-travel/switchboard/internal/sessions"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Switchboard gateway",
		Long: `Start the Switchboard gateway with all configured channels.

The gateway will:
1. Load configuration from the specified file (or switchboard.yaml)
2. Open the durable session mirror when a store is configured
3. Start all enabled channel connectors
4. Initialize the chatbot provider and the routing engine
5. Serve webhooks, the agent console API and the agent WebSocket

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  switchboard serve

  # Start with custom config
  switchboard serve --config /etc/switchboard/production.yaml

  # Start with debug logging
  switchboard serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic: configuration loading,
// component wiring and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)

	logger.Info(ctx, "starting switchboard gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	metrics := observability.NewMetrics()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "switchboard",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn(flushCtx, "tracer shutdown failed", "error", err)
		}
	}()

	var mirror sessions.Mirror
	if cfg.Store.Driver != "" {
		sqlMirror, err := sessions.OpenSQLMirror(cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer sqlMirror.Close()
		mirror = sqlMirror
		logger.Info(ctx, "durable session mirror enabled", "driver", cfg.Store.Driver)
	}

	registry := sessions.NewRegistry(cfg.IdleTTL(), mirror, metrics, logger)
	locker := sessions.NewLocker()

	var patterns *router.Patterns
	if cfg.Routing.PatternsFile != "" {
		patterns, err = router.LoadPatternsFile(cfg.Routing.PatternsFile)
		if err != nil {
			return fmt.Errorf("failed to load routing patterns: %w", err)
		}
	}
	rt := router.New(router.Config{
		TimeWasterThreshold: cfg.Routing.TimeWasterThreshold,
		MaxAIAttempts:       cfg.Routing.MaxAIAttempts,
		VIPKeywords:         cfg.Routing.VIPKeywords,
	}, patterns)

	engine, err := chatbot.New(cfg.Chatbot)
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	engine = chatbot.Instrument(engine, cfg.Chatbot.Provider, metrics, tracer)

	agent := salesagent.New(salesagent.Config{
		MaxSalesAttempts: cfg.Routing.MaxSalesAttempts,
		ConfidenceFloor:  cfg.Routing.AIConfidenceThreshold,
	}, engine, rt)

	hub := gateway.NewHub(cfg.HTTP.ConsoleBearerSecret, registry, locker, logger)

	qm := queue.New(queue.Config{NotifyRetries: cfg.Queue.NotifyRetries}, hub, metrics, logger)
	hub.BindQueue(qm)

	if cfg.OnCall.Slack.Token != "" {
		notifier, err := oncall.NewSlack(cfg.OnCall.Slack.Token, cfg.OnCall.Slack.Channel, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize on-call notifier: %w", err)
		}
		qm.SetOnCall(notifier)
		logger.Info(ctx, "on-call escalation alerts enabled", "channel", cfg.OnCall.Slack.Channel)
	}

	connectors, err := buildConnectors(cfg, logger.Slog())
	if err != nil {
		return err
	}
	if len(connectors.All()) == 0 {
		logger.Warn(ctx, "no channels enabled; only the console API will be reachable")
	}

	srv, err := gateway.New(cfg, gateway.Deps{
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
		Connectors: connectors,
		Sessions:   registry,
		Locker:     locker,
		Router:     rt,
		SalesAgent: agent,
		Queue:      qm,
		Hub:        hub,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	var watcher *router.Watcher
	if cfg.Routing.PatternsFile != "" {
		watcher = router.NewWatcher(rt, cfg.Routing.PatternsFile, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn(ctx, "pattern hot reload unavailable", "error", err)
			watcher = nil
		}
	}

	logger.Info(ctx, "switchboard gateway started",
		"addr", srv.Addr(),
		"channels", len(connectors.All()),
	)

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			logger.Warn(context.Background(), "pattern watcher close failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.HTTP.ShutdownGraceS+5)*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info(shutdownCtx, "shutdown complete")
	return nil
}

// buildConnectors instantiates a connector for every enabled channel.
func buildConnectors(cfg *config.Config, logger *slog.Logger) (*channels.Registry, error) {
	registry := channels.NewRegistry()

	if cfg.Channels.WhatsApp.Enabled {
		conn, err := whatsapp.New(whatsapp.Config{
			Token:         cfg.Channels.WhatsApp.Token,
			PhoneNumberID: cfg.Channels.WhatsApp.PhoneNumberID,
			VerifyToken:   cfg.Channels.WhatsApp.VerifyToken,
			AppSecret:     cfg.Channels.WhatsApp.AppSecret,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("whatsapp connector: %w", err)
		}
		registry.Register(conn)
	}

	if cfg.Channels.Telegram.Enabled {
		conn, err := telegram.New(telegram.Config{
			Token:         cfg.Channels.Telegram.Token,
			WebhookURL:    cfg.Channels.Telegram.WebhookURL,
			WebhookSecret: cfg.Channels.Telegram.WebhookSecret,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram connector: %w", err)
		}
		registry.Register(conn)
	}

	if cfg.Channels.Messenger.Enabled {
		conn, err := messenger.New(messenger.Config{
			PageToken:   cfg.Channels.Messenger.PageToken,
			VerifyToken: cfg.Channels.Messenger.VerifyToken,
			AppSecret:   cfg.Channels.Messenger.AppSecret,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("messenger connector: %w", err)
		}
		registry.Register(conn)
	}

	if cfg.Channels.Instagram.Enabled {
		conn, err := instagram.New(instagram.Config{
			PageToken:   cfg.Channels.Instagram.PageToken,
			VerifyToken: cfg.Channels.Instagram.VerifyToken,
			AppSecret:   cfg.Channels.Instagram.AppSecret,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("instagram connector: %w", err)
		}
		registry.Register(conn)
	}

	if cfg.Channels.WebChat.Enabled {
		conn, err := webchat.New(webchat.Config{
			JWTSecret: cfg.Channels.WebChat.JWTSecret,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("webchat connector: %w", err)
		}
		registry.Register(conn)
	}

	return registry, nil
}
