package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmarket/order-chat/internal/auth"
	"github.com/taskmarket/order-chat/internal/broadcast"
	"github.com/taskmarket/order-chat/internal/chat"
	"github.com/taskmarket/order-chat/internal/config"
	"github.com/taskmarket/order-chat/internal/gateway"
	"github.com/taskmarket/order-chat/internal/logging"
	"github.com/taskmarket/order-chat/internal/messaging"
	"github.com/taskmarket/order-chat/internal/moderation"
	"github.com/taskmarket/order-chat/internal/ratelimit"
	"github.com/taskmarket/order-chat/internal/session"
	"github.com/taskmarket/order-chat/internal/store"
	"github.com/taskmarket/order-chat/internal/ws"
)

// durable is the persistence the pipeline needs.
type durable interface {
	chat.OrderLookup
	chat.Store
	chat.UserDirectory
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("server", cfg.ServerName).Logger()

	ctx := context.Background()

	// --- Durable store ---
	var st durable
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations")
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		var db *sql.DB
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer db.Close()
		st = store.NewPostgres(db)
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		mem := store.NewMemory()
		if cfg.SeedFile != "" {
			n, err := mem.LoadSeedFile(cfg.SeedFile)
			if err != nil {
				logger.Fatal().Err(err).Str("file", cfg.SeedFile).Msg("load seed")
			}
			logger.Info().Int("orders", n).Str("file", cfg.SeedFile).Msg("seeded in-memory store")
		}
		st = mem
	}

	// --- Session registry and rate limiter ---
	rule := ratelimit.Rule{
		Key:    ratelimit.RuleSend.Key,
		Limit:  cfg.RateLimitMessages,
		Window: cfg.RateLimitWindow,
	}
	var (
		registry session.Registry
		limiter  ratelimit.Checker
	)
	if cfg.RedisAddr != "" {
		rr, err := session.NewRedisRegistry(cfg.RedisAddr, cfg.OfflineQueueMax, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connection failed")
		}
		registry = rr
		limiter = ratelimit.NewLimiter(rr.Client(), rule, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	} else {
		logger.Warn().Msg("REDIS_ADDR empty, using in-memory registry and limiter")
		registry = session.NewMemoryRegistry(cfg.OfflineQueueMax, nil)
		local := ratelimit.NewLocalLimiter(rule, nil)
		defer local.Close()
		limiter = local
	}
	defer registry.Close()

	// --- Fan-out ---
	var (
		bc         broadcast.Broadcaster
		natsClient *messaging.NATSClient
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "order-chat-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("nats connection failed")
		}
		bc = broadcast.NewNATSBroadcaster(natsClient, logger)
	} else {
		logger.Warn().Msg("NATS_URL empty, broadcasting within this process only")
		bc = broadcast.NewHub(logger)
	}

	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET empty, tokens are signed with an empty key")
	}

	pipeline := chat.NewPipeline(chat.PipelineConfig{
		Orders: st,
		Store:  st,
		Users:  st,
		Filter: moderation.NewFilter(),
		Logger: logger,
	})

	gw := gateway.New(gateway.Config{
		Registry:    registry,
		Pipeline:    pipeline,
		Broadcaster: bc,
		Limiter:     limiter,
		Verifier:    auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Logger:      logger,
	})

	if natsClient != nil {
		if err := natsClient.SubscribeNotify(gw.NotificationHandler()); err != nil {
			logger.Fatal().Err(err).Msg("subscribe notify hook")
		}
	}

	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat:      ws.DefaultHeartbeatConfig(),
	}, gw, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	if natsClient != nil {
		natsClient.Close()
	}
}
