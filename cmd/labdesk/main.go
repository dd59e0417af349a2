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

	"github.com/labdesk/labdesk/internal/app"
	"github.com/labdesk/labdesk/internal/audit"
	audithttp "github.com/labdesk/labdesk/internal/audit/http"
	"github.com/labdesk/labdesk/internal/auth"
	"github.com/labdesk/labdesk/internal/billing"
	"github.com/labdesk/labdesk/internal/labcatalog"
	"github.com/labdesk/labdesk/internal/observability"
	"github.com/labdesk/labdesk/internal/patients"
	"github.com/labdesk/labdesk/internal/platform/cache"
	"github.com/labdesk/labdesk/internal/platform/db"
	"github.com/labdesk/labdesk/internal/rbac"
	"github.com/labdesk/labdesk/internal/roles"
	"github.com/labdesk/labdesk/internal/shared"
	"github.com/labdesk/labdesk/internal/testrequests"
	"github.com/labdesk/labdesk/internal/users"
	"github.com/labdesk/labdesk/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()
	if err := db.Bootstrap(ctx, dbpool); err != nil {
		logger.Error("bootstrap schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	rbacRepo := rbac.NewRepository(dbpool)
	catalog := rbac.NewCatalog(rbacRepo, cfg.RBACCatalogTTL)
	snapshots := rbac.NewSnapshotStore(redisClient, 4096, cfg.RBACSnapshotTTL, logger)
	snapshots.Instrument(metrics)
	rbacService := rbac.NewService(rbacRepo, catalog, snapshots, auditLogger, logger)
	rbacMiddleware := rbac.Middleware{Snapshots: rbacService, Logger: logger, Metrics: metrics}
	go snapshots.Listen(ctx)

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL, cfg.JWTIssuer)
	authService := auth.NewService(auth.NewRepository(dbpool), tokens)
	authHandler := auth.NewHandler(logger, authService, rbacService)

	rolesService := roles.NewService(roles.NewRepository(dbpool), snapshots, auditLogger, logger)
	usersService := users.NewService(users.NewRepository(dbpool), snapshots, auditLogger, logger)
	patientsService := patients.NewService(patients.NewRepository(dbpool), auditLogger, logger)
	catalogService := labcatalog.NewService(labcatalog.NewRepository(dbpool), auditLogger, logger)
	requestsService := testrequests.NewService(testrequests.NewRepository(dbpool), catalogService, patientsService, idempotencyStore, auditLogger, logger)
	billingService := billing.NewService(billing.NewRepository(dbpool), idempotencyStore, auditLogger, logger)

	redisOpts, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("parse redis address", slog.Any("error", err))
		os.Exit(1)
	}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Tokens:              tokens,
		Metrics:             metrics,
		AuthHandler:         authHandler,
		PermissionsHandler:  rbac.NewPermissionsHandler(logger, rbacService, rbacMiddleware, cfg.ImportMaxBytes),
		RolesHandler:        roles.NewHandler(logger, rolesService, rbacMiddleware),
		UsersHandler:        users.NewHandler(logger, usersService, rbacMiddleware),
		PatientsHandler:     patients.NewHandler(logger, patientsService, rbacMiddleware),
		CatalogHandler:      labcatalog.NewHandler(logger, catalogService, rbacMiddleware, jobClient, cfg.ImportMaxBytes),
		TestRequestsHandler: testrequests.NewHandler(logger, requestsService, rbacMiddleware, cfg.ImportMaxBytes),
		BillingHandler:      billing.NewHandler(logger, billingService, rbacMiddleware),
		AuditHandler:        audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), rbacMiddleware),
		JobHandler:          jobs.NewHandler(inspector, logger, rbacMiddleware),
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
