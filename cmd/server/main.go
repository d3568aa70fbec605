package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adpilot/automation-service/config"
	"github.com/adpilot/automation-service/internal/adplatform"
	"github.com/adpilot/automation-service/internal/database"
	"github.com/adpilot/automation-service/internal/gateway"
	"github.com/adpilot/automation-service/internal/handlers"
	apihttp "github.com/adpilot/automation-service/internal/http"
	"github.com/adpilot/automation-service/internal/jobs"
	"github.com/adpilot/automation-service/internal/middleware"
	"github.com/adpilot/automation-service/internal/notify"
	"github.com/adpilot/automation-service/internal/supervisor"
	"github.com/adpilot/automation-service/internal/sweepers"
	"github.com/adpilot/automation-service/internal/tasks"
	"github.com/adpilot/automation-service/internal/telemetry"
	"github.com/adpilot/automation-service/internal/types"
)

func main() {
	cfg, err := config.Load(os.Getenv("AUTOMATION_CONFIG"))
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)

	logger.Info().Msg("Starting automation service")

	if cfg.Database.URL == "" {
		logger.Fatal().Msg("DATABASE_URL not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}

	if err := database.Connect(ctx, cfg.Database.URL, database.PoolConfig{
		MaxConns:    cfg.Database.MaxConnections,
		MinConns:    cfg.Database.MinConnections,
		MaxLifetime: cfg.Database.MaxConnLifetime,
		MaxIdleTime: cfg.Database.MaxConnIdleTime,
	}); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	logger.Info().Msg("Database connected")

	pool := database.Pool()
	if cfg.Database.AutoMigrate {
		applied, err := database.Migrate(ctx, pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		logger.Info().Strs("applied", applied).Msg("Migrations up to date")
	}

	processes := database.NewProcessStore(pool)
	taskStore := database.NewTaskStore(pool)
	actions := database.NewActionStore(pool)
	catalog := database.NewCatalog(pool)

	// notifications
	hub := notify.NewHub(logger)
	sinks := []notify.Sink{notify.NewLogSink(logger), notify.MetricsSink{}}
	if cfg.Notify.WebSocket {
		sinks = append(sinks, hub)
	}
	dispatcher := notify.NewDispatcher(cfg.Notify.Buffer, logger, sinks...)
	dispatcher.Start(ctx)

	// outbound ad-platform access
	transport := apihttp.NewClient(cfg.Gateway.BaseURL, catalog, cfg.Gateway.Timeout)
	gw := gateway.New(transport, cfg.Gateway.RateLimit(), gateway.WithLogger(logger))
	go gw.Limiters().StartEviction(ctx, cfg.Gateway.IdleTTL/2, cfg.Gateway.IdleTTL)
	platform := adplatform.NewClient(gw)

	owner := supervisor.NewOwner(nodeID(cfg.Supervisor.NodeID))
	runner := tasks.NewRunner(taskStore, tasks.NewDuplicateExecutor(platform), dispatcher, tasks.Config{
		Concurrency:       cfg.Tasks.Concurrency,
		Owner:             owner.String(),
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
	}, logger)

	factory := jobs.NewFactory(jobs.Deps{
		Platform:   platform,
		Accounts:   catalog,
		Rules:      catalog,
		Protection: catalog,
		Actions:    actions,
		Tasks:      runner,
		Notifier:   dispatcher,
	}, jobs.Defaults{
		Intervals: map[types.JobKind]time.Duration{
			types.JobDisableScheduler: cfg.Scheduler.DisableInterval,
			types.JobBudgetScheduler:  cfg.Scheduler.BudgetInterval,
			types.JobScalingScheduler: cfg.Scheduler.ScalingInterval,
		},
		Lookback: cfg.Scheduler.Lookback,
	}, logger)

	sup := supervisor.New(processes, taskStore, factory, dispatcher, supervisor.Config{
		Owner:             owner,
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
		StaleAfter:        cfg.Supervisor.StaleAfter,
		ReadyTimeout:      cfg.Supervisor.ReadyTimeout,
		StopGrace:         cfg.Supervisor.StopGrace,
		RestartOnRecover:  cfg.Supervisor.RestartOnRecover,
	}, logger)

	report, err := sup.RecoverOnBoot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Boot recovery incomplete")
	} else if len(report.Restarted)+len(report.Failed)+len(report.TasksFailed) > 0 {
		logger.Info().
			Int("restarted", len(report.Restarted)).
			Int("failed", len(report.Failed)).
			Int("tasks_failed", len(report.TasksFailed)).
			Msg("Recovered from previous run")
	}

	staleSweeper := sweepers.NewStaleSweeper(sup, logger, cfg.Supervisor.SweepInterval)
	go staleSweeper.Start(ctx)

	retention := database.NewRetention(pool, database.RetentionConfig{
		ActionRetentionDays: cfg.Retention.ActionDays,
		TaskRetentionDays:   cfg.Retention.TaskDays,
	})
	retentionSweeper := sweepers.NewRetentionSweeper(retention, logger, cfg.Retention.Interval)
	go retentionSweeper.Start(ctx)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	setupMiddleware(router, logger)

	h := handlers.New(sup, runner, actions, handlers.PingFunc(database.Status), logger)

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := router.Group("/internal")
	internal.Use(middleware.InternalAuthMiddleware(cfg.Server.APIKey))
	internal.Use(middleware.ServiceRateLimitMiddleware(cfg.Server.RequestsPerSecond, cfg.Server.Burst))
	{
		h.Register(internal)
		if cfg.Notify.WebSocket {
			internal.GET("/events/ws", gin.WrapH(hub))
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("owner", owner.String()).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	staleSweeper.Stop()
	retentionSweeper.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Supervisor.StopGrace+10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Jobs did not stop cleanly")
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Tasks did not stop cleanly")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Dropped pending notifications")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}

	logger.Info().Msg("Server exited")
}

func nodeID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

func initLogger(cfg config.LoggingConfig) *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", "automation-service").Logger()
	return &logger
}

func setupMiddleware(router *gin.Engine, logger *zerolog.Logger) {
	router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		event := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("HTTP request")
	})
}
