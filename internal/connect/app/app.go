package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpapi "github.com/repazoo/connect/internal/connect/http"
	"github.com/repazoo/connect/internal/connect/inference"
	"github.com/repazoo/connect/internal/connect/platform"
	"github.com/repazoo/connect/internal/connect/ratelimit"
	"github.com/repazoo/connect/internal/connect/service"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/internal/connect/store/drivers/sqlite"
	"github.com/repazoo/connect/pkg/cryptox"
	"github.com/repazoo/connect/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application encapsulates the connect service with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db       store.Store
	cipher   *cryptox.Cipher
	rdb      *redis.Client // nil when Redis is not configured
	limiter  ratelimit.Limiter
	registry platform.Registry

	// Services
	auditService        *service.AuditService
	flowService         *service.FlowService
	tokenService        *service.TokenService
	consentService      *service.ConsentService
	guardService        *service.GuardService
	housekeepingService *service.HousekeepingService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "connect-service",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if cfg.SessionKey == "" {
		return nil, errors.New("CONNECT_SESSION_KEY is required")
	}

	cipher, err := cryptox.NewCipherFromEnv("CONNECT_TOKEN_SECRET", "CONNECT_TOKEN_SECRET_FILE")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}
	app.cipher = cipher

	registry, err := loadRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load app registrations: %w", err)
	}
	app.registry = registry

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	app.initLimiter()
	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("connect service starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down connect service...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	if app.rdb != nil {
		if err := app.rdb.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("connect service stopped")
	return nil
}

// initDatabase initializes the database and applies migrations.
func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initLimiter wires the distributed limiter when Redis is configured,
// otherwise the in-process one. The Redis limiter itself fails over to an
// in-process bucket per command, so a flaky Redis never opens the budget.
func (app *Application) initLimiter() {
	rules := RateLimitRules()

	if app.cfg.RedisAddr == "" {
		app.logger.Warn("no redis configured, outbound rate limits are per-process only")
		app.limiter = ratelimit.NewLocalLimiter(rules)
		return
	}

	app.rdb = redis.NewClient(&redis.Options{
		Addr:     app.cfg.RedisAddr,
		Password: app.cfg.RedisPassword,
		DB:       app.cfg.RedisDB,
	})
	app.limiter = ratelimit.NewRedisLimiter(app.rdb, rules)
	app.logger.Info("distributed rate limiter enabled", "addr", app.cfg.RedisAddr)
}

// initServices initializes all business logic services.
func (app *Application) initServices() {
	app.auditService = &service.AuditService{Store: app.db}

	app.flowService = &service.FlowService{
		Store:     app.db,
		Platforms: app.registry,
		Cipher:    app.cipher,
		Audit:     app.auditService,
		StateTTL:  app.cfg.StateTTL,
	}

	app.tokenService = &service.TokenService{
		Store:         app.db,
		Platforms:     app.registry,
		Cipher:        app.cipher,
		Audit:         app.auditService,
		RefreshMargin: app.cfg.RefreshMargin,
	}

	var subscriptions service.SubscriptionChecker
	if app.cfg.SubscriptionURL != "" {
		subscriptions = newHTTPSubscriptionChecker(app.cfg.SubscriptionURL)
	} else {
		app.logger.Warn("no subscription endpoint configured, treating all owners as subscribed")
		subscriptions = allowAllSubscriptions{}
	}

	app.consentService = &service.ConsentService{
		Store:         app.db,
		Subscriptions: subscriptions,
		Audit:         app.auditService,
		MaxConsentAge: app.cfg.ConsentMaxAge,
	}

	app.guardService = &service.GuardService{
		Consent:   app.consentService,
		Tokens:    app.tokenService,
		Limiter:   app.limiter,
		Platforms: app.registry,
		Inference: inference.NewClient(inference.Config{
			APIKey:    app.cfg.AnthropicAPIKey,
			Model:     app.cfg.AnthropicModel,
			MaxTokens: app.cfg.AnthropicMaxTokens,
		}),
		Audit: app.auditService,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.tokenService,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
	app.housekeepingService.AuditRetention = app.cfg.AuditRetention
	app.housekeepingService.RefreshHorizon = app.cfg.RefreshHorizon
}

// initHTTP initializes the HTTP router and server.
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		BuildVersion,
		[]byte(app.cfg.SessionKey),
		app.db,
		app.logger,
	)

	router.FlowService = app.flowService
	router.GuardService = app.guardService
	router.Audit = app.auditService
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
