package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/webrichesse/orders-api/internal/di"
	"github.com/webrichesse/orders-api/internal/handlers"
	"github.com/webrichesse/orders-api/internal/payments"
	"github.com/webrichesse/orders-api/internal/platform/auth"
	"github.com/webrichesse/orders-api/internal/platform/config"
	"github.com/webrichesse/orders-api/internal/platform/idempotency"
	"github.com/webrichesse/orders-api/internal/platform/jobs"
	"github.com/webrichesse/orders-api/internal/platform/observability"
	"github.com/webrichesse/orders-api/internal/platform/requestctx"
	"github.com/webrichesse/orders-api/internal/platform/secrets"
	"github.com/webrichesse/orders-api/internal/services"
)

const (
	meterName             = "github.com/webrichesse/orders-api"
	webhookRateLimit      = 300
	webhookRateWindow     = time.Minute
	shutdownTimeout       = 10 * time.Second
	closeTimeout          = 5 * time.Second
	defaultSecretFallback = ".secrets.local"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("API_ENVIRONMENT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)
	meter := otel.Meter(meterName)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	registry, err := di.BuildRegistry(ctx, cfg, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to initialise order store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:           cfg.Stripe.APIKey,
		WebhookSecret:    cfg.Stripe.WebhookSecret,
		WebhookTolerance: cfg.Stripe.WebhookTolerance,
		Logger:           di.LoggerHook(logger.Named("stripe")),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
	}
	if !gateway.VerifiesSignatures() {
		logger.Warn("stripe webhook secret not configured; webhook signatures are not verified")
	}

	var events services.OrderEventPublisher
	var stopEvents func()
	if projectID := strings.TrimSpace(cfg.Events.ProjectID); projectID != "" {
		publisher, stop, err := newOrderEventPublisher(ctx, projectID, cfg.Events.OrderTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		events = publisher
		stopEvents = stop
	} else {
		logger.Info("order event publication disabled")
	}

	container, err := di.NewContainer(cfg, registry, di.Dependencies{
		Gateway: gateway,
		Events:  events,
		Meter:   meter,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()

	authenticator := auth.NewAuthenticator(cfg.Auth.JWTSecret, auth.WithIssuer(cfg.Auth.Issuer))

	idempotencyMiddleware := idempotency.Middleware(
		registry.Requests,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders,
		handlers.WithCreateIdempotency(idempotencyMiddleware),
	)
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Webhooks, cfg.Stripe.WebhookBodyLimit)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfoFromEnv(cfg, startedAt)),
		handlers.WithHealthSystemService(container.Services.System),
	)

	httpLogger := logger.Named("http")
	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RequestLoggerMiddleware(httpLogger),
		observability.RecoveryMiddleware(httpLogger),
		corsMiddleware(cfg),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(handlers.RateLimitByIP(webhookRateLimit, webhookRateWindow)),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr), zap.String("store", registry.Backend))
	go func() {
		serverLogger.Info("orders api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if stopEvents != nil {
		stopEvents()
	}
}

func buildInfoFromEnv(cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA")),
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Events.ProjectID)
}

func corsMiddleware(cfg config.Config) func(http.Handler) http.Handler {
	origins := cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", cfg.Idempotency.Header},
		ExposedHeaders: []string{"Retry-After", "Idempotent-Replayed"},
		MaxAge:         300,
	})
}

func newOrderEventPublisher(ctx context.Context, projectID, topicID string) (*jobs.PubSubOrderEventPublisher, func(), error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	publisher, err := jobs.NewPubSubOrderEventPublisher(client.Topic(topicID))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	stop := func() {
		publisher.Stop()
		_ = client.Close()
	}
	return publisher, stop, nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	fallback := strings.TrimSpace(os.Getenv("API_SECRET_FALLBACK_FILE"))
	if fallback == "" {
		fallback = defaultSecretFallback
	}
	project := strings.TrimSpace(os.Getenv("API_SECRET_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("API_FIRESTORE_PROJECT_ID"))
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallback),
		secrets.WithMeter(otel.Meter(meterName)),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentials := strings.TrimSpace(os.Getenv("API_GOOGLE_CREDENTIALS_FILE")); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
