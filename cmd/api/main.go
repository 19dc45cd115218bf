package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/impimediavillage/marketplace/internal/advisors"
	"github.com/impimediavillage/marketplace/internal/couriers"
	"github.com/impimediavillage/marketplace/internal/handlers"
	"github.com/impimediavillage/marketplace/internal/payments"
	"github.com/impimediavillage/marketplace/internal/platform/auth"
	"github.com/impimediavillage/marketplace/internal/platform/config"
	pfirestore "github.com/impimediavillage/marketplace/internal/platform/firestore"
	"github.com/impimediavillage/marketplace/internal/platform/idempotency"
	"github.com/impimediavillage/marketplace/internal/platform/jobs"
	"github.com/impimediavillage/marketplace/internal/platform/money"
	"github.com/impimediavillage/marketplace/internal/platform/observability"
	"github.com/impimediavillage/marketplace/internal/platform/secrets"
	platformstorage "github.com/impimediavillage/marketplace/internal/platform/storage"
	"github.com/impimediavillage/marketplace/internal/platform/textutil"
	"github.com/impimediavillage/marketplace/internal/repositories"
	firestoreRepo "github.com/impimediavillage/marketplace/internal/repositories/firestore"
	"github.com/impimediavillage/marketplace/internal/services"
)

const (
	meterName             = "github.com/impimediavillage/marketplace"
	webhookReplayKeys     = "webhookReplays"
	userTextLimit         = 4000
	courierRequestTimeout = 15 * time.Second
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)
	meter := otel.Meter(meterName)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	sanitize := textutil.PlainTextSanitizer(userTextLimit)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()
	labelStore, err := newLabelStore(storageClient, cfg.Storage)
	if err != nil {
		logger.Fatal("failed to initialise label store", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	eventsTopic := pubsubClient.Topic(cfg.PubSub.ShipmentEventsTopic)
	defer eventsTopic.Stop()
	eventPublisher, err := jobs.NewPubSubShipmentPublisher(eventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise shipment event publisher", zap.Error(err))
	}

	shipmentRepo, err := firestoreRepo.NewShipmentRepository(firestoreProvider, cfg.Firestore.ShipmentsCollection)
	if err != nil {
		logger.Fatal("failed to initialise shipment repository", zap.Error(err))
	}
	creditRepo, err := firestoreRepo.NewCreditLedgerRepository(firestoreProvider, cfg.Firestore.CreditAccounts)
	if err != nil {
		logger.Fatal("failed to initialise credit ledger repository", zap.Error(err))
	}

	courierManager, err := newCourierManager(cfg.Couriers, observability.EventLogger(logger, "couriers"))
	if err != nil {
		logger.Fatal("failed to initialise courier providers", zap.Error(err))
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: observability.EventLogger(logger, "stripe"),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}

	calculator, err := services.NewPriceBreakdownCalculator(services.CommissionRates{
		Standard: cfg.Pricing.StandardCommission,
		Pool:     cfg.Pricing.PoolCommission,
	})
	if err != nil {
		logger.Fatal("failed to initialise pricing calculator", zap.Error(err))
	}
	display, err := money.NewFormatter(cfg.Pricing.Currency, cfg.Pricing.DisplayLocale)
	if err != nil {
		logger.Fatal("failed to initialise currency formatter", zap.Error(err))
	}

	shipmentService, err := services.NewShipmentService(services.ShipmentServiceDeps{
		Shipments: shipmentRepo,
		Events:    eventPublisher,
		Sanitize:  sanitize,
		Meter:     meter,
		Logger:    observability.EventLogger(logger, "shipments"),
	})
	if err != nil {
		logger.Fatal("failed to initialise shipment service", zap.Error(err))
	}
	courierService, err := services.NewCourierService(services.CourierServiceDeps{
		Couriers:  courierManager,
		Shipments: shipmentService,
		Labels:    labelStore,
		Logger:    observability.EventLogger(logger, "couriers"),
	})
	if err != nil {
		logger.Fatal("failed to initialise courier service", zap.Error(err))
	}
	creditLedger, err := services.NewCreditLedger(services.CreditLedgerDeps{
		Repository: creditRepo,
		Payments:   stripeProvider,
		Sanitize:   sanitize,
		Meter:      meter,
		Logger:     observability.EventLogger(logger, "credits"),
	})
	if err != nil {
		logger.Fatal("failed to initialise credit ledger", zap.Error(err))
	}
	advisorService, err := newAdvisorService(cfg.Advisor, creditLedger, sanitize, observability.EventLogger(logger, "advisors"))
	if err != nil {
		logger.Fatal("failed to initialise advisor service", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreProvider, eventsTopic, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore, err := idempotency.NewFirestoreStore(firestoreProvider, "")
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotent := idempotency.Middleware(idempotencyStore,
		idempotency.WithLogger(observability.EventLogger(logger, "idempotency")),
	)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	replayStore, err := idempotency.NewFirestoreStore(firestoreProvider, webhookReplayKeys)
	if err != nil {
		logger.Fatal("failed to initialise webhook replay store", zap.Error(err))
	}
	webhookVerifier := auth.NewWebhookVerifier(cfg.Security.HMAC, replayGuard{store: replayStore})
	pushVerifier := auth.NewPushVerifier(cfg.Security.OIDC, auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, nil, nil), nil)
	if cfg.Security.OIDC.Audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}

	pricingHandlers := handlers.NewPricingHandlers(authenticator, calculator, display)
	shipmentHandlers := handlers.NewShipmentHandlers(authenticator, shipmentService, courierService, idempotent)
	courierHandlers := handlers.NewCourierHandlers(authenticator, courierService, display)
	creditHandlers := handlers.NewCreditHandlers(authenticator, creditLedger, idempotent)
	advisorHandlers := handlers.NewAdvisorHandlers(authenticator, advisorService, idempotent,
		handlers.WithAdvisorRateLimit(cfg.Advisor.RatePerMinute, cfg.Advisor.RateBurst))
	webhookHandlers := handlers.NewWebhookHandlers(shipmentService, courierManager,
		webhookVerifier.RequireSignature(handlers.CourierProviderParam), sanitize)
	internalHandlers := handlers.NewInternalHandlers(shipmentService, courierManager, sanitize)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPricingRoutes(pricingHandlers.Routes),
		handlers.WithShipmentRoutes(shipmentHandlers.Routes),
		handlers.WithCourierRoutes(courierHandlers.Routes),
		handlers.WithCreditRoutes(creditHandlers.Routes),
		handlers.WithAdvisorRoutes(advisorHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(pushVerifier.RequirePushToken),
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

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("marketplace api listening",
			zap.String("version", buildInfo.Version),
			zap.Strings("couriers", courierManager.Names()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
}

func newLabelStore(client *cloudstorage.Client, cfg config.StorageConfig) (*platformstorage.LabelStore, error) {
	writer, err := platformstorage.NewGCSWriter(client)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(cfg.SignerKey)
	if key == "" {
		return nil, errors.New("storage signer key is required")
	}
	signer, err := platformstorage.NewKeySigner([]byte(key))
	if err != nil {
		return nil, err
	}
	return platformstorage.NewLabelStore(cfg.LabelsBucket, writer, signer)
}

func newCourierManager(cfgs []config.CourierConfig, logger func(context.Context, string, map[string]any)) (*couriers.Manager, error) {
	providers := make([]couriers.Provider, 0, len(cfgs))
	for _, c := range cfgs {
		provider, err := couriers.NewHTTPProvider(couriers.HTTPProviderConfig{
			Name:       c.Name,
			BaseURL:    c.BaseURL,
			APIKey:     c.APIKey,
			HTTPClient: &http.Client{Timeout: courierRequestTimeout},
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	return couriers.NewManager(providers...)
}

func newAdvisorService(cfg config.AdvisorConfig, credits services.CreditLedgerService, sanitize func(string) string, logger func(context.Context, string, map[string]any)) (services.AdvisorService, error) {
	catalog, err := advisors.NewCatalog(advisors.DefaultProfiles(cfg.CreditCost, cfg.FreeInteractions)...)
	if err != nil {
		return nil, err
	}
	client, err := advisors.NewClient(advisors.ClientConfig{
		Endpoint: cfg.Endpoint,
		Token:    cfg.AuthToken,
		Model:    cfg.Model,
	})
	if err != nil {
		return nil, err
	}
	return services.NewAdvisorService(services.AdvisorServiceDeps{
		Catalog:  catalog,
		Model:    client,
		Credits:  credits,
		Sanitize: sanitize,
		Logger:   logger,
	})
}

func newSystemService(provider *pfirestore.Provider, topic *pubsub.Topic, build services.BuildInfo) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{
		{Name: "firestore", Check: provider.Ping},
		{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		},
	}
	repo, err := repositories.NewProbeRepository(checks, repositories.WithProbeVersion(build.Version))
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Build:            build,
	})
}

// replayGuard records courier webhook signatures in Firestore so a replay is caught on any instance.
type replayGuard struct {
	store *idempotency.FirestoreStore
}

func (g replayGuard) Claim(ctx context.Context, key string, expiry time.Time) (bool, error) {
	now := time.Now().UTC()
	ttl := expiry.Sub(now)
	if ttl <= 0 {
		return false, nil
	}
	reservation, err := g.store.Reserve(ctx, key, key, now, ttl)
	if err != nil {
		return false, err
	}
	return reservation.State == idempotency.ReservationNew, nil
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter(meterName)),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"Storage.SignerKey",
		"PSP.StripeAPIKey",
		"Advisor.AuthToken",
	}
	for _, name := range strings.Split(env["API_COURIERS"], ",") {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			required = append(required, fmt.Sprintf("Couriers[%s].APIKey", name))
		}
	}
	for _, entry := range strings.Split(env["API_SECURITY_HMAC_SECRETS"], ",") {
		key, _, ok := strings.Cut(entry, "=")
		if key = strings.ToLower(strings.TrimSpace(key)); ok && key != "" {
			required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
		}
	}
	sort.Strings(required)
	return required
}
