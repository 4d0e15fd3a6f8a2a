package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/atlas-erp/atlas/internal/app"
	"github.com/atlas-erp/atlas/internal/observability"
	"github.com/atlas-erp/atlas/internal/platform/cache"
	"github.com/atlas-erp/atlas/internal/platform/db"
	"github.com/atlas-erp/atlas/internal/policy"
	"github.com/atlas-erp/atlas/internal/rbac"
	"github.com/atlas-erp/atlas/internal/users"
	"github.com/atlas-erp/atlas/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var redisClient *redis.Client
	if cfg.AuthzCacheTTL > 0 {
		redisClient, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, decision cache disabled", slog.Any("error", err))
			redisClient = nil
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
		}
	}

	metrics := observability.NewMetrics()

	policyRepo := policy.NewRepository(pool)
	engine := policy.NewEngine(policyRepo, policyRepo)
	decisions := policy.NewDecisions(engine, redisClient, cfg.AuthzCacheTTL)

	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo)

	rbacMiddleware := rbac.Middleware{Evaluator: decisions, Logger: logger, Metrics: metrics}
	rbacService := rbac.NewService(pool, decisions, logger)
	adminHandler := rbac.NewHandler(logger, rbacService, rbacMiddleware)
	authzHandler := rbac.NewAuthzHandler(logger, decisions, metrics)
	usersHandler := users.NewHandler(logger, usersService, rbacMiddleware)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobsClient, int(cfg.OverrideRetention.Hours()), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Subjects:     usersService,
		AuthzHandler: authzHandler,
		AdminHandler: adminHandler,
		UsersHandler: usersHandler,
		JobHandler:   jobHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
