package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"linkup/internal/api"
	"linkup/internal/auth"
	"linkup/internal/chat"
	"linkup/internal/config"
	"linkup/internal/db"
	"linkup/internal/graph"
	"linkup/internal/notify"
	"linkup/internal/observability"
	"linkup/internal/presence"
	"linkup/internal/websocket"
)

func setupLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, level, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapCfg.Level = level

	logger, err := zapCfg.Build()
	return logger, level, err
}

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, level, err := setupLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, *isLoadTest, logger, level); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, isLoadTest bool, logger *zap.Logger, level zap.AtomicLevel) error {
	logger.Info("Starting server...", zap.String("environment", cfg.Environment))

	if isLoadTest && cfg.Database.Driver == db.DriverSQLite {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		loadTestDir := filepath.Join(cwd, "loadtest")
		if err := os.MkdirAll(loadTestDir, 0755); err != nil {
			return err
		}
		loadTestPath := filepath.Join(loadTestDir, "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info("Using load testing database", zap.String("path", loadTestPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing.ServiceName, cfg.Environment,
		cfg.Tracing.Endpoint, cfg.Tracing.SampleRate)
	if err != nil {
		return err
	}

	database, err := db.NewDB(cfg.Database.Driver, cfg.CleanDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("Database connection established", zap.String("driver", database.Driver()))

	metrics := observability.NewCollector("linkup")
	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	var publisher notify.Publisher
	if cfg.Redis.Addr != "" {
		redisPublisher := notify.NewRedisPublisher(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.ChannelPrefix, logger)
		defer redisPublisher.Close()
		publisher = redisPublisher
		logger.Info("Publishing notifications to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// The hub is the chat engine's transport and the chat engine is the
	// websocket dispatcher and the live notification target.
	hub := websocket.NewHub(logger, metrics)
	notifier := notify.NewDispatcher(database, publisher, metrics, logger)
	graphSvc := graph.NewService(database, notifier, metrics, logger)
	chatSvc := chat.NewService(database, graphSvc, notifier, presence.NewRegistry(), hub, metrics, logger)
	notifier.AttachLive(chatSvc)

	wsServer := websocket.NewServer(hub, chatSvc, authSvc, cfg.Server.AllowedOrigins,
		cfg.WebSocket.MaxConnectionsPerUser, cfg.WebSocket.SendBufferSize, logger)
	handlers := api.NewHandlers(database, authSvc, graphSvc, chatSvc, metrics, logger, api.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		SecureCookies:   cfg.Environment == "production",
		SuggestionLimit: cfg.Graph.DefaultSuggestionLimit,
		MutualLimit:     cfg.Graph.DefaultMutualLimit,
	})

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handlers.Routes(wsServer),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("Server starting", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, logger, func(next *config.Config) {
				if err := level.UnmarshalText([]byte(next.Log.Level)); err != nil {
					logger.Warn("Ignoring log level", zap.String("level", next.Log.Level), zap.Error(err))
					return
				}
				logger.Info("Log level updated", zap.String("level", next.Log.Level))
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		notifier.Wait()
		if tErr := shutdownTracing(shutdownCtx); tErr != nil {
			logger.Warn("Failed to flush traces", zap.Error(tErr))
		}
		return err
	})

	return g.Wait()
}
