// Package main runs the session registry HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-emotion/sessiond/config"
	"github.com/aura-emotion/sessiond/internal/admission"
	"github.com/aura-emotion/sessiond/internal/auth"
	"github.com/aura-emotion/sessiond/internal/cleanup"
	"github.com/aura-emotion/sessiond/internal/events"
	"github.com/aura-emotion/sessiond/internal/health"
	"github.com/aura-emotion/sessiond/internal/metrics"
	"github.com/aura-emotion/sessiond/internal/middleware"
	"github.com/aura-emotion/sessiond/internal/realtime"
	"github.com/aura-emotion/sessiond/internal/sessionlog"
	"github.com/aura-emotion/sessiond/internal/sessions"
	"github.com/aura-emotion/sessiond/internal/store"
	"github.com/aura-emotion/sessiond/pkg/database"
	"github.com/aura-emotion/sessiond/pkg/queue"
	"github.com/aura-emotion/sessiond/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	logger = logger.With(zap.String("worker_id", cfg.Sessions.WorkerID))

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
		PoolSize:    cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var archiveHandler *sessionlog.Handler
	if cfg.Database.Enabled() {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		archiveHandler = sessionlog.NewHandler(sessionlog.NewRepository(pool))
	}

	st := store.New(rdb.Client, logger)
	agg := metrics.NewAggregator(st, cfg.Metrics.RateBucket, logger)

	// The registry publishes to Redis only; every worker, this one included,
	// receives events back through the subscription below.
	bus := events.NewBus(cfg.Events.SubscriberBuffer, logger)
	pubsub := events.NewRedisPubSub(rdb.Client, logger)
	journal := events.NewJournal(queue.NewQueue(rdb.Client, cfg.Events.JournalMaxLen, logger))
	stopSub, err := pubsub.Subscribe(ctx, func(ev events.Event) { _ = bus.Publish(ctx, ev) })
	if err != nil {
		logger.Fatal("subscribe lifecycle events", zap.Error(err))
	}
	defer stopSub()

	reg := sessions.NewRegistry(st, sessions.Config{
		WorkerID:        cfg.Sessions.WorkerID,
		SessionTimeout:  cfg.Sessions.SessionTimeout,
		GraceTTL:        cfg.Sessions.GraceTTL,
		MaxParticipants: cfg.Sessions.MaxParticipantsPerSession,
		OpTimeout:       cfg.Sessions.OpTimeout,
		CacheSize:       cfg.Sessions.CacheSize,
		CacheTTL:        cfg.Sessions.CacheTTL,
	}, logger,
		sessions.WithPublisher(events.Multi(pubsub, events.Filter(journal, events.SessionClosed))),
		sessions.WithCreationRecorder(agg),
	)

	admit := admission.NewController(agg, admission.Config{
		WorkerID:   cfg.Sessions.WorkerID,
		MaxAllowed: cfg.Admission.MaxSessionsPerWorker,
		RetryAfter: cfg.Admission.RetryAfter,
		Timeout:    cfg.Admission.Timeout,
	}, logger)

	scheduler := cleanup.NewScheduler(reg, cleanup.Config{
		Interval:          cfg.Cleanup.Interval,
		SweepTimeout:      cfg.Cleanup.SweepTimeout,
		StoreTimeout:      cfg.Cleanup.StoreTimeout,
		SessionTimeout:    cfg.Sessions.SessionTimeout,
		GraceTTL:          cfg.Sessions.GraceTTL,
		InactiveAfter:     cfg.Sessions.InactiveAfter,
		ConnectionTimeout: cfg.Sessions.ConnectionTimeout,
		DisconnectGrace:   cfg.Sessions.DisconnectGrace,
	}, logger)

	hub := realtime.NewHub(logger)
	hub.Start(bus)

	checker := health.NewChecker()
	reporter := health.NewReporter(checker, st, agg, cfg.Sessions.WorkerID, cfg.Sessions.OpTimeout, logger)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", reporter.Health)
	router.GET("/healthz", checker.Liveness)
	router.GET("/readyz", checker.Readiness)
	router.GET("/ws", realtime.ServeWs(hub, reg, jwtService.AuthorizeParticipant, cfg.Server.AllowedOrigins(), logger))

	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	sessions.NewHandler(reg, admit, logger).Register(
		api.Group("", middleware.RequireRole(auth.RoleSignaling, auth.RoleTransport, auth.RoleOperator)),
	)
	ops := api.Group("", middleware.RequireRole(auth.RoleOperator))
	ops.GET("/metrics/connections", metrics.NewHandler(agg, logger).Connections)
	if archiveHandler != nil {
		ops.GET("/archive/sessions", archiveHandler.List)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	scheduler.Start()
	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	checker.SetReady()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Stop taking new work, then close what this worker owns while the store is
	// still reachable.
	checker.SetDraining()
	admit.Drain()
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if n, err := reg.DrainWorker(shutdownCtx); err != nil {
		logger.Error("drain worker", zap.Int("closed", n), zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	hub.Stop()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
