package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"

	"go.pilab.hu/verifybot/cache"
	rediscache "go.pilab.hu/verifybot/cache/redis"
	"go.pilab.hu/verifybot/config"
	"go.pilab.hu/verifybot/domain"
	"go.pilab.hu/verifybot/instagram"
	"go.pilab.hu/verifybot/internal/bot"
	"go.pilab.hu/verifybot/internal/discord"
	"go.pilab.hu/verifybot/internal/keepalive"
	"go.pilab.hu/verifybot/internal/metrics"
	"go.pilab.hu/verifybot/internal/proof"
	"go.pilab.hu/verifybot/internal/server"
	"go.pilab.hu/verifybot/internal/storage"
	"go.pilab.hu/verifybot/internal/telemetry"
	"go.pilab.hu/verifybot/log"
	"go.pilab.hu/verifybot/mongodb"
	"go.pilab.hu/verifybot/tracing"
	"go.pilab.hu/verifybot/verification"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		stdLog := zerolog.New(os.Stdout).With().Timestamp().Logger()
		stdLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	appLogger := log.NewZerologAdapter(logLevel, cfg.LogPretty)
	ctx := context.Background()

	if err := cfg.Validate(); err != nil {
		appLogger.Fatal(ctx, "Configuration is invalid", err)
	}
	appLogger.Info(ctx, "Starting verifybot", log.Fields{
		"http_port":     cfg.HTTPPort,
		"mongo_db_name": cfg.MongoDBName,
		"code_store":    cfg.CodeStoreBackend,
		"ig_user":       cfg.InstagramUsername,
		"log_level":     logLevel.String(),
	})

	var tracerProvider *sdktrace.TracerProvider
	if cfg.OtelEnabled {
		tracerProvider, err = tracing.InitTracerProvider(cfg.OtelServiceName)
		if err != nil {
			appLogger.Fatal(ctx, "Failed to initialize TracerProvider", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitCustomMetrics(registry)
	meterProvider, err := telemetry.InitMeterProvider(ctx, registry, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize MeterProvider", err)
	}

	// Identity ledger
	if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
		appLogger.Fatal(ctx, "Failed to initialize MongoDB connection", err)
	}
	ledger, err := mongodb.NewVerificationRepository(ctx, mongodb.GetDB())
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize VerificationRepository", err)
	}

	// Code store
	var (
		codes       domain.CodeStore
		closeCodes  func() error
		redisClient *goredis.Client
	)
	switch cfg.CodeStoreBackend {
	case config.CodeStoreRedis:
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			appLogger.Fatal(ctx, "Failed to connect to Redis", err, log.Fields{"addr": cfg.RedisAddr})
		}
		codes = rediscache.NewCodeStore(redisClient, cfg.RedisPrefix, cfg.ChallengeTTL(), nil)
		closeCodes = redisClient.Close
	default:
		memoryCodes := cache.NewMemoryCodeStore(cfg.ChallengeTTL(), nil)
		codes = memoryCodes
		closeCodes = memoryCodes.Close
	}

	// Social proof checker
	igClient, err := instagram.NewClient(instagram.Config{
		BaseURL:    cfg.InstagramAPIBaseURL,
		Username:   cfg.InstagramUsername,
		Password:   cfg.InstagramPassword,
		InboxPages: cfg.InstagramInboxPages,
	})
	if err != nil {
		appLogger.Fatal(ctx, "Failed to create Instagram client", err)
	}
	sessionOpts := []proof.SessionManagerOption{proof.WithMaxAge(cfg.SessionMaxAge())}
	var sessionStore *storage.BoltSessionStore
	if cfg.SessionDBPath != "" {
		sessionStore, err = storage.NewBoltSessionStore(cfg.SessionDBPath, cfg.InstagramUsername)
		if err != nil {
			appLogger.Fatal(ctx, "Failed to open session store", err)
		}
		sessionOpts = append(sessionOpts, proof.WithSessionStore(sessionStore))
	}
	sessions := proof.NewSessionManager(igClient, appLogger, sessionOpts...)
	checker := proof.NewChecker(igClient, sessions, appLogger)

	// Discord
	guildRoles, _ := cfg.GuildRoles() // validated above
	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to create Discord session", err)
	}
	granter := discord.NewRoleGranter(session, cfg.VerifiedRoleID, guildRoles)

	svc := verification.NewService(verification.ServiceOptions{
		Codes:          codes,
		Ledger:         ledger,
		Checker:        checker,
		Granter:        granter,
		Communities:    granter,
		OperatorHandle: cfg.InstagramUsername,
		ChallengeTTL:   cfg.ChallengeTTL(),
		Logger:         appLogger,
	})
	router := bot.NewRouter(svc, discord.NewMessenger(session), appLogger)
	gateway := discord.NewGateway(session, router, int64(cfg.MaxConcurrentHandlers), appLogger)

	// HTTP liveness server
	checks := map[string]server.HealthCheck{"mongodb": mongodb.Ping}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	httpServer := server.NewHTTPServer(cfg.HTTPPort, appLogger, registry, checks)
	go func() {
		appLogger.Info(ctx, fmt.Sprintf("HTTP server listening on port %s", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(ctx, "Failed to start HTTP server", err)
		}
	}()

	var pinger *keepalive.Pinger
	if cfg.KeepaliveURL != "" {
		pinger, err = keepalive.NewPinger(cfg.KeepaliveURL, cfg.KeepaliveSchedule, appLogger)
		if err != nil {
			appLogger.Fatal(ctx, "Failed to configure keep-alive", err)
		}
		pinger.Start()
	}

	if err := gateway.Open(); err != nil {
		appLogger.Fatal(ctx, "Failed to connect to Discord", err)
	}
	appLogger.Info(ctx, "Bot components initialized. Waiting for interrupt signal...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-quit
	appLogger.Info(ctx, fmt.Sprintf("Received signal: %v. Shutting down...", receivedSignal))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if pinger != nil {
		pinger.Stop()
	}
	shutdownErr = multierr.Append(shutdownErr, gateway.Close(shutdownCtx))
	shutdownErr = multierr.Append(shutdownErr, httpServer.Shutdown(shutdownCtx))
	shutdownErr = multierr.Append(shutdownErr, closeCodes())
	if sessionStore != nil {
		shutdownErr = multierr.Append(shutdownErr, sessionStore.Close())
	}
	if tracerProvider != nil {
		shutdownErr = multierr.Append(shutdownErr, tracerProvider.Shutdown(shutdownCtx))
	}
	shutdownErr = multierr.Append(shutdownErr, telemetry.Shutdown(shutdownCtx, meterProvider, appLogger))
	shutdownErr = multierr.Append(shutdownErr, mongodb.CloseMongoDB(shutdownCtx))

	if shutdownErr != nil {
		appLogger.Error(shutdownCtx, "Shutdown finished with errors", shutdownErr, log.Fields{
			"errors": len(multierr.Errors(shutdownErr)),
		})
		cancel()
		os.Exit(1)
	}
	appLogger.Info(shutdownCtx, "Bot gracefully stopped.")
}
