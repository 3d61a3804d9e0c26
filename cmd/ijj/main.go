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

	"github.com/ijj-records/ijj-records/internal/app"
	"github.com/ijj-records/ijj-records/internal/auth"
	"github.com/ijj-records/ijj-records/internal/gate"
	"github.com/ijj-records/ijj-records/internal/identity"
	"github.com/ijj-records/ijj-records/internal/observability"
	"github.com/ijj-records/ijj-records/internal/platform/cache"
	"github.com/ijj-records/ijj-records/internal/platform/db"
	"github.com/ijj-records/ijj-records/internal/questions"
	"github.com/ijj-records/ijj-records/internal/rbac"
	"github.com/ijj-records/ijj-records/internal/recovery"
	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/internal/users"
	"github.com/ijj-records/ijj-records/internal/view"
	"github.com/ijj-records/ijj-records/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	servicePool := dbpool
	if cfg.PGServiceDSN != cfg.PGDSN {
		servicePool, err = db.New(ctx, cfg.PGServiceDSN, db.Options{MaxConns: cfg.PGMaxConns})
		if err != nil {
			logger.Error("connect postgres service pool", slog.Any("error", err))
			os.Exit(1)
		}
		defer servicePool.Close()
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	sessionManager := shared.NewSessionManager(redisClient, "ijj_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

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

	provider := identity.NewClient(identity.Config{
		BaseURL:    cfg.AuthURL,
		AnonKey:    cfg.AuthAnonKey,
		ServiceKey: cfg.AuthServiceKey,
		Timeout:    cfg.AuthTimeout,
	})
	tokens := identity.NewTokenValidator(cfg.AuthJWTSecret, time.Now)
	authenticator := identity.NewAuthenticator(tokens, provider)
	assurance := identity.NewAssuranceTracker(tokens, provider)

	rbacStore := rbac.NewPGStore(dbpool, servicePool)
	resolver := rbac.NewResolver(rbacStore, permissionCache(cfg, redisClient), cfg.PermissionCacheTTL, logger, rbac.WithCacheObserver(metrics))
	rbacService := rbac.NewService(rbacStore, jobClient, logger)
	rbacMiddleware := rbac.Middleware{Resolver: resolver, Logger: logger}

	policy := recovery.DefaultPasswordPolicy()
	usersService := users.NewService(users.NewRepository(dbpool, servicePool), provider, policy, resolver, jobClient, logger)

	// Signed-in users read their own questions; recovery reads on behalf of
	// anonymous visitors and goes through the service pool.
	setupVault := questions.NewVault(questions.NewRepository(dbpool), usersService)
	recoveryVault := questions.NewVault(questions.NewRepository(servicePool), usersService)
	recoveryService := recovery.NewService(policy, recoveryVault, provider, jobClient, logger)

	paths := cfg.GatePaths()
	gateMiddleware := &gate.Middleware{
		Gate:          gate.New(paths, assurance, setupVault, resolver, logger, cfg.AuthTimeout),
		Authenticator: authenticator,
		SignOut:       provider,
		Sessions:      sessionManager,
		Observer:      metrics,
		Logger:        logger,
		Timeout:       cfg.AuthTimeout,
	}

	authHandler := auth.NewHandler(logger, auth.NewService(provider, jobClient, logger), templates, sessionManager, csrfManager, auth.Paths{
		Login:   paths.Login,
		Landing: paths.Landing,
		MFA:     paths.MFA,
		Reset:   "/reset-password",
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		Gate:            gateMiddleware,
		Paths:           paths,
		AuthHandler:     authHandler,
		QuestionHandler: questions.NewHandler(logger, setupVault, templates, csrfManager, jobClient, paths.Landing),
		RecoveryHandler: recovery.NewHandler(logger, recoveryService, templates, csrfManager, paths.Login, paths.Landing, cfg.RecoveryRateLimit),
		RBACHandler:     rbac.NewHandler(logger, rbacService, rbacMiddleware, paths.AdminModule),
		UsersHandler:    users.NewHandler(logger, usersService, rbacMiddleware, paths.AdminModule),
		JobHandler:      jobs.NewHandler(inspector, logger),
		RBACMiddleware:  rbacMiddleware,
		Dashboard: &app.Dashboard{
			Logger:      logger,
			Templates:   templates,
			CSRF:        csrfManager,
			Permissions: resolver,
			Roles:       rbacService,
			Users:       usersService,
		},
		Metrics: metrics,
		HealthChecks: map[string]app.HealthCheck{
			"postgres": dbpool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			"auth":     provider.Ping,
		},
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

func permissionCache(cfg *app.Config, client redis.Cmdable) rbac.Cache {
	switch cfg.PermissionCacheBackend {
	case "memory":
		return rbac.NewMemoryCache(time.Now)
	case "none":
		return nil
	default:
		return rbac.NewRedisCache(client)
	}
}
