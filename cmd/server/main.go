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

	"cyoa-server/internal/config"
	deliveryhttp "cyoa-server/internal/delivery/http"
	"cyoa-server/internal/domain"
	"cyoa-server/internal/generation"
	"cyoa-server/internal/metrics"
	"cyoa-server/internal/service"
	sharedLogger "cyoa-server/pkg/logger"
	sharedMiddleware "cyoa-server/pkg/middleware"
	"cyoa-server/pkg/taskmanager"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := sharedLogger.New(sharedLogger.Config{
		Level:       cfg.LogLevel,
		Encoding:    cfg.LogEncoding,
		Service:     "cyoa-server",
		Development: cfg.IsDevelopment(),
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	zap.L().Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("storage", cfg.StorageDriver),
		zap.String("backend", cfg.GenerationBackend),
	)

	// Схема БД создается до того, как начнем слушать порт
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	store, err := setupStorage(startupCtx, cfg, logger)
	if err != nil {
		startupCancel()
		zap.L().Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	events, err := setupEventPublisher(startupCtx, cfg, logger)
	startupCancel()
	if err != nil {
		zap.L().Fatal("Failed to initialize job event publisher", zap.Error(err))
	}
	defer events.Close()

	backend, err := generation.NewBackend(cfg, logger)
	if err != nil {
		zap.L().Fatal("Failed to initialize generation backend", zap.Error(err))
	}
	zap.L().Info("Generation backend ready", zap.String("backend", backend.Name()))

	observer := metrics.NewTaskObserver()
	tasks := taskmanager.New(taskmanager.Config{
		Workers:   cfg.WorkerCount,
		QueueSize: cfg.WorkerQueueSize,
		Logger:    logger,
		OnStatus:  observer.Observe,
	})

	storySvc := service.NewStoryService(backend, store.Stories, service.StoryServiceConfig{
		Retry: service.RetryPolicy{
			MaxAttempts: cfg.GenerationMaxAttempts,
			BaseDelay:   cfg.GenerationBaseRetryDelay,
			MaxDelay:    cfg.GenerationMaxRetryDelay,
		},
		BackendConcurrency: int64(cfg.BackendConcurrency),
		CallTimeout:        cfg.AITimeout,
	}, logger)
	jobSvc := service.NewJobService(store.Jobs, storySvc, tasks, events, service.JobServiceConfig{
		Limits: domain.OptionLimits{
			DefaultMaxDepth:        cfg.DefaultMaxDepth,
			DefaultBranchingFactor: cfg.DefaultBranchingFactor,
			MaxDepth:               cfg.MaxStoryDepth,
			MaxBranchingFactor:     cfg.MaxBranchingFactor,
			MaxPromptLength:        cfg.MaxPromptLength,
		},
		PersistMaxAttempts: cfg.PersistMaxAttempts,
		PersistRetryDelay:  cfg.PersistRetryDelay,
		SessionListLimit:   cfg.SessionListLimit,
		RecoveryBatchSize:  cfg.RecoveryBatchSize,
	}, logger)

	tasks.Start()
	if _, err := jobSvc.Recover(context.Background()); err != nil {
		zap.L().Error("Job recovery failed", zap.Error(err))
	}

	router := newRouter(cfg, logger, deliveryhttp.New(jobSvc, storySvc, deliveryhttp.Config{
		SecureCookies: cfg.SecureCookies,
	}, logger))

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	go func() {
		zap.L().Info("Starting HTTP server", zap.String("addr", srv.Addr), zap.String("api_prefix", cfg.APIPrefix))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("HTTP Server listen error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("HTTP Server forced to shutdown", zap.Error(err))
	}
	// задания, не успевшие завершиться, уходят в failed с причиной shutdown
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Task manager stopped before all jobs finished", zap.Error(err))
	}

	zap.L().Info("Server exiting")
}

func newRouter(cfg *config.Config, logger *zap.Logger, h *deliveryhttp.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(sharedMiddleware.RequestID())
	router.Use(sharedMiddleware.GinZapLogger(logger))
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg)))

	p := ginprometheus.NewPrometheus("gin")
	// метки по шаблону маршрута, а не по конкретным id
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		if path := c.FullPath(); path != "" {
			return path
		}
		return "unknown"
	}
	p.Use(router)

	deliveryhttp.RegisterSystemRoutes(router)
	h.RegisterRoutes(router.Group(cfg.APIPrefix))
	return router
}

func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	// "*" вместе с credentials браузер не принимает, поэтому отражаем Origin запроса
	if cfg.AllowAllOrigins() {
		corsCfg.AllowOriginFunc = func(origin string) bool { return true }
		zap.L().Info("CORS: allowing all origins")
	} else {
		corsCfg.AllowOrigins = cfg.GetAllowedOrigins()
		zap.L().Info("CORS: allowed origins", zap.Strings("origins", corsCfg.AllowOrigins))
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Accept", "Authorization", sharedMiddleware.RequestIDHeader}
	corsCfg.ExposeHeaders = []string{"Location", sharedMiddleware.RequestIDHeader}
	corsCfg.AllowCredentials = true
	corsCfg.MaxAge = 12 * time.Hour
	return corsCfg
}
