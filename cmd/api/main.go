package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/persona-service/internal/api/http"
	"github.com/spec-kit/persona-service/internal/api/http/handlers"
	"github.com/spec-kit/persona-service/internal/auth"
	"github.com/spec-kit/persona-service/internal/billing"
	"github.com/spec-kit/persona-service/internal/config"
	"github.com/spec-kit/persona-service/internal/events"
	"github.com/spec-kit/persona-service/internal/generation"
	"github.com/spec-kit/persona-service/internal/observability"
	"github.com/spec-kit/persona-service/internal/persistence"
	"github.com/spec-kit/persona-service/internal/ratelimit"
	"github.com/spec-kit/persona-service/internal/repository"
	"github.com/spec-kit/persona-service/internal/service"
	"github.com/spec-kit/persona-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations && pg.Enabled() {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	var rdb *persistence.Redis
	if cfg.UsesRedis() {
		rdb = persistence.NewRedis(cfg.Redis, logger)
		defer rdb.Close()
	}

	var (
		userRepo        repository.UserRepository
		entitlementRepo repository.EntitlementRepository
	)
	if pg.Enabled() {
		userRepo = repository.NewUserRepository(pg.PoolHandle())
		entitlementRepo = repository.NewEntitlementRepository(pg.PoolHandle())
	} else {
		logger.Warn("using in-memory users and entitlements; data is lost on restart")
		userRepo = repository.NewMemoryUsers()
		entitlementRepo = repository.NewMemoryEntitlements()
	}

	var (
		limiter   ratelimit.Store
		processed billing.ProcessedEvents
	)
	if rdb.Enabled() {
		limiter = ratelimit.NewRedisStore(rdb.Client)
		processed = billing.NewRedisProcessedEvents(rdb.Client,
			cfg.Billing.ProcessedEventLimit, cfg.Billing.ProcessedEventEvict, cfg.Billing.InFlightLockTTL())
		logger.Info("rate limits and processed events use redis")
	} else {
		mem := ratelimit.NewMemoryStore()
		worker.StartJanitor(ctx, "ratelimit", mem, cfg.RateLimit.SweepInterval(), logger)
		limiter = mem
		processed = billing.NewMemoryProcessedEvents(cfg.Billing.ProcessedEventLimit, cfg.Billing.ProcessedEventEvict)
	}

	dispatcher := events.NewInMemoryDispatcher()
	worker.StartNotificationWorker(service.NewNotificationService(dispatcher, logger, cfg.Notification))

	provider := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey:     cfg.Billing.StripeSecretKey,
		WebhookSecret: cfg.Billing.WebhookSecret,
		PriceID:       cfg.Billing.PriceID,
	})
	if cfg.Billing.WebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; billing webhooks will be rejected")
	}
	generator := generation.NewOpenAIGenerator(generation.OpenAIConfig{
		APIKey:     cfg.Generation.OpenAIAPIKey,
		BaseURL:    cfg.Generation.OpenAIBaseURL,
		ImageModel: cfg.Generation.ImageModel,
		ImageSize:  cfg.Generation.ImageSize,
		TextModel:  cfg.Generation.StoryModel,
		MaxTokens:  cfg.Generation.StoryMaxTokens,
		RPS:        cfg.Generation.ProviderRPS,
		Burst:      cfg.Generation.ProviderBurst,
	})

	authService := service.NewAuthService(*cfg, service.AuthDependencies{
		UserRepo:   userRepo,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	billingService := service.NewBillingService(cfg.App.PublicBaseURL, cfg.Upstream.Timeout(), service.BillingDependencies{
		Provider:     provider,
		Users:        userRepo,
		Entitlements: entitlementRepo,
		Dispatcher:   dispatcher,
		Logger:       logger,
		Metrics:      metrics,
	})
	reconciler := service.NewReconciler(service.ReconcilerConfig{
		OrderingGuard: cfg.Billing.OrderingGuard,
		Timeout:       cfg.Upstream.Timeout(),
	}, service.ReconcilerDependencies{
		Provider:     provider,
		Processed:    processed,
		Entitlements: entitlementRepo,
		Dispatcher:   dispatcher,
		Logger:       logger,
		Metrics:      metrics,
	})
	generationService := service.NewGenerationService(service.GenerationOptions{
		PremiumStoryTokens: cfg.Generation.StoryMaxTokens,
		Timeout:            cfg.Upstream.GenerationTimeout(),
		LookupTimeout:      cfg.Upstream.Timeout(),
	}, service.GenerationDependencies{
		Images:       generator,
		Texts:        generator,
		Entitlements: entitlementRepo,
		Logger:       logger,
		Metrics:      metrics,
	})

	verifier := auth.NewTokenVerifier(authService.TokenManager(), userRepo, cfg.Upstream.Timeout())
	gate := auth.NewGate(verifier, limiter, logger, metrics)

	app := fiber.New(fiber.Config{
		AppName:   cfg.App.Name,
		BodyLimit: cfg.Billing.WebhookBodyLimit,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Dependency{
			"postgres": pg,
			"redis":    rdb,
		}),
		Users:      handlers.NewUsersHandler(authService),
		Billing:    handlers.NewBillingHandler(billingService, reconciler),
		Generation: handlers.NewGenerationHandler(generationService),
		Gate:       gate,
		Limits:     cfg.RateLimit,
		AdminToken: cfg.Auth.AdminToken,
		Metrics:    metrics.Handler(),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("graceful shutdown", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
