package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-automation/internal/approval"
	"github.com/ksred/klear-automation/internal/auditlog"
	"github.com/ksred/klear-automation/internal/auth"
	"github.com/ksred/klear-automation/internal/config"
	cronrunner "github.com/ksred/klear-automation/internal/cron"
	"github.com/ksred/klear-automation/internal/database"
	"github.com/ksred/klear-automation/internal/marketdata"
	"github.com/ksred/klear-automation/internal/notification"
	"github.com/ksred/klear-automation/internal/orders"
	"github.com/ksred/klear-automation/internal/rules"
	"github.com/ksred/klear-automation/internal/scheduler"
	"github.com/ksred/klear-automation/internal/valuehistory"
	"github.com/ksred/klear-automation/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// configureLogging applies the log section of the config.
// Pretty output is used outside production unless turned off.
func configureLogging(cfg config.Config) {
	if cfg.Log.Pretty && !cfg.App.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// handlers bundles every route group's handlers
type handlers struct {
	auth          *auth.GinHandlers
	rules         *rules.GinHandlers
	auditlog      *auditlog.GinHandlers
	scheduler     *scheduler.GinHandlers
	orders        *orders.GinHandlers
	notifications *notification.GinHandlers
	approvals     *approval.GinHandlers
	marketdata    *marketdata.GinHandlers
	hub           *notification.Hub
}

// main initializes and runs the automation engine with graceful shutdown support
func main() {
	configPath := flag.String("config", os.Getenv("KLEAR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *configPath == "")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	configureLogging(cfg)
	if cfg.App.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.DB)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if cfg.Auth.DemoCredentials && !cfg.App.Production() {
		authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.RoleClient)
		authService.RegisterAPICredentials(auth.TestOperatorKey, auth.TestOperatorSecret, auth.RoleOperator)
	}

	values := marketdata.NewSimulatedSource()

	var history valuehistory.Store = valuehistory.NewMemoryStore(cfg.ValueHistory.TTL)
	if cfg.ValueHistory.Backend == "redis" {
		redisStore := valuehistory.NewRedisStore(&redis.Options{
			Addr:     cfg.ValueHistory.RedisAddr,
			Password: cfg.ValueHistory.RedisPassword,
			DB:       cfg.ValueHistory.RedisDB,
		}, cfg.ValueHistory.KeyPrefix, cfg.ValueHistory.TTL)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisStore.Ping(pingCtx)
		pingCancel()
		if err != nil {
			zlog.Fatal().Err(err).Str("addr", cfg.ValueHistory.RedisAddr).Msg("Failed to connect to redis")
		}
		defer redisStore.Close()
		history = redisStore
	}

	orderService := orders.NewService(db, orders.NewRouter(orders.DefaultVenues(), cfg.Executor.VenueSeed), cfg.Executor.IdempotencyTTL)

	hub := notification.NewHub()
	go hub.Run(ctx)
	var gateway notification.Transport = notification.NewLogTransport()
	if cfg.Notification.WebhookURL != "" {
		gateway = notification.WebhookTransport{URL: cfg.Notification.WebhookURL}
	}
	transport := notification.NewRouter().
		Handle(notification.ChannelInApp, hub).
		Handle(notification.ChannelEmail, gateway).
		Handle(notification.ChannelSMS, gateway).
		Handle(notification.ChannelPush, gateway)
	notificationService := notification.NewService(db, transport, cfg.Notification.SendTimeout)

	ruleService := rules.NewService(db)

	sched := scheduler.New(scheduler.Config{
		Workers:                cfg.Scheduler.Workers,
		LeaseDuration:          cfg.Scheduler.LeaseDuration,
		ExecutorTimeout:        cfg.Executor.Timeout,
		MaxConsecutiveFailures: cfg.Scheduler.MaxConsecutiveFailures,
		Owner:                  cfg.Scheduler.Owner,
	}, scheduler.Deps{
		DB:       db,
		Rules:    ruleService,
		Executor: orderService,
		Values:   values,
		History:  history,
		Notifier: notificationService.Dispatcher(),
	})

	approvalService := approval.NewService(db, orderService, cfg.Approval.ClaimTTL)
	approvalProcessor := approval.NewProcessor(approvalService, cfg.Approval.SweepInterval)
	go approvalProcessor.Start(ctx)

	runner := cronrunner.New(ctx)
	if cfg.Scheduler.Enabled {
		if _, err := runner.Add("scheduler_cycle", cfg.Scheduler.Schedule, sched.Tick); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to schedule automation cycles")
		}
	}
	if _, err := runner.Add("notification_redelivery", cfg.Notification.RedeliverySchedule, func(ctx context.Context) {
		if n, err := notificationService.Dispatcher().Redeliver(ctx); err != nil {
			zlog.Error().Err(err).Msg("notification redelivery failed")
		} else if n > 0 {
			zlog.Info().Int("attempted", n).Msg("redelivered deferred notifications")
		}
	}); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to schedule notification redelivery")
	}
	if _, err := runner.Add("idempotency_purge", cfg.Executor.PurgeSchedule, func(ctx context.Context) {
		if err := orderService.PurgeExpired(ctx); err != nil {
			zlog.Error().Err(err).Msg("idempotency purge failed")
		}
	}); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to schedule idempotency purge")
	}
	runner.Start()

	limiter := middleware.NewRateLimiter(middleware.Limits{
		AuthPerMinute:    cfg.RateLimit.AuthPerMinute,
		ExecutePerMinute: cfg.RateLimit.ExecutePerMinute,
		DefaultPerMinute: cfg.RateLimit.DefaultPerMinute,
		Burst:            cfg.RateLimit.Burst,
	})
	go limiter.Cleanup(ctx, 10*time.Minute)

	router := gin.Default()
	router.Use(limiter.Handler())

	setupRoutes(router, authService, cfg.Auth.InternalAPIKey, handlers{
		auth:          auth.NewGinHandlers(authService),
		rules:         rules.NewGinHandlers(ruleService),
		auditlog:      auditlog.NewGinHandlers(auditlog.NewDatabase(db)),
		scheduler:     scheduler.NewGinHandlers(sched),
		orders:        orders.NewGinHandlers(orderService),
		notifications: notification.NewGinHandlers(notificationService),
		approvals:     approval.NewGinHandlers(approvalService),
		marketdata:    marketdata.NewGinHandlers(values),
		hub:           hub,
	})

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("automation engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop scheduling new cycles first so in-flight rules finish under their leases
	runner.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers.
// Client routes are JWT protected, operator routes additionally need the
// operator role and internal routes need the internal API key.
func setupRoutes(router *gin.Engine, authService *auth.Service, internalKey string, h handlers) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		client := v1.Group("")
		client.Use(middleware.JWTAuth(authService))

		automations := client.Group("/automations")
		{
			automations.GET("", h.rules.ListRulesHandler())
			automations.POST("/auto-invest", h.rules.CreateAutoInvestHandler())
			automations.PUT("/auto-invest/:rule_id", h.rules.UpdateAutoInvestHandler())
			automations.POST("/rebalancing", h.rules.CreateRebalancingHandler())
			automations.PUT("/rebalancing/:rule_id", h.rules.UpdateRebalancingHandler())
			automations.GET("/rebalancing/:rule_id/executions", h.rules.ListRebalancingExecutionsHandler())
			automations.POST("/trigger-orders", h.rules.CreateTriggerOrderHandler())
			automations.PUT("/trigger-orders/:rule_id", h.rules.UpdateTriggerOrderHandler())

			automations.GET("/rules/:rule_id", h.rules.GetRuleHandler())
			automations.POST("/rules/:rule_id/pause", h.rules.PauseRuleHandler())
			automations.POST("/rules/:rule_id/resume", h.rules.ResumeRuleHandler())
			automations.POST("/rules/:rule_id/cancel", h.rules.CancelRuleHandler())
			automations.POST("/rules/:rule_id/execute", h.scheduler.ManualExecuteHandler())
			automations.GET("/rules/:rule_id/logs", h.auditlog.ListByAutomationHandler())
			automations.GET("/rules/:rule_id/orders", h.orders.ListAutomationOrdersHandler())

			automations.POST("/rebalancing-executions/:execution_id/confirm", h.scheduler.ConfirmRebalancingHandler())
			automations.POST("/rebalancing-executions/:execution_id/cancel", h.rules.CancelRebalancingExecutionHandler())

			automations.GET("/logs", h.auditlog.ListByClientHandler())
		}

		orderGroup := client.Group("/orders")
		{
			orderGroup.GET("/:order_id", h.orders.GetOrderStatusHandler())
		}

		notifications := client.Group("/notifications")
		{
			notifications.GET("/preferences", h.notifications.ListPreferencesHandler())
			notifications.PUT("/preferences", h.notifications.SetPreferenceHandler())
			notifications.DELETE("/preferences/:event", h.notifications.DisablePreferenceHandler())
			notifications.GET("/logs", h.notifications.ListLogsHandler())
			notifications.GET("/ws", h.hub.ServeWS())
		}

		approvals := client.Group("/approvals")
		{
			approvals.POST("", h.approvals.SubmitHandler())
			approvals.GET("", h.approvals.ListClientApprovalsHandler())
		}

		operator := v1.Group("/operator")
		operator.Use(middleware.JWTAuth(authService), middleware.RequireRole(auth.RoleOperator))
		{
			operator.GET("/approvals", h.approvals.ListHandler())
			operator.GET("/approvals/:approval_id", h.approvals.GetHandler())
			operator.POST("/approvals/:approval_id/claim", h.approvals.ClaimHandler())
			operator.POST("/approvals/:approval_id/release", h.approvals.ReleaseHandler())
			operator.POST("/approvals/:approval_id/start", h.approvals.StartHandler())
			operator.POST("/approvals/:approval_id/authorize", h.approvals.AuthorizeHandler())
			operator.POST("/approvals/:approval_id/reject", h.approvals.RejectHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(internalKey))
		{
			internal.POST("/values", h.marketdata.SetValuesHandler())
			internal.POST("/allocations/:client_id", h.marketdata.SetAllocationHandler())
			internal.GET("/scheduler/status", h.scheduler.StatusHandler())
		}
	}
}
