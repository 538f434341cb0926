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
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/astroshop/api/internal/di"
	"github.com/astroshop/api/internal/handlers"
	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/platform/config"
	pfirestore "github.com/astroshop/api/internal/platform/firestore"
	"github.com/astroshop/api/internal/platform/idempotency"
	"github.com/astroshop/api/internal/platform/jobs"
	"github.com/astroshop/api/internal/platform/observability"
	"github.com/astroshop/api/internal/platform/secrets"
	platformstorage "github.com/astroshop/api/internal/platform/storage"
	"github.com/astroshop/api/internal/repositories"
	firestoreRepo "github.com/astroshop/api/internal/repositories/firestore"
	"github.com/astroshop/api/internal/services"
)

const idempotencyCollection = "idempotencyKeys"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLoggerWithLevel(os.Getenv("API_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

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
			logger.Fatal("missing required secrets", zap.Error(missing))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	orderTopic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
	defer func() {
		orderTopic.Stop()
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	orderEvents, err := jobs.NewPubSubOrderEventPublisher(orderTopic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo,
		pfirestore.WithTxAttempts(cfg.Firestore.TxMaxAttempts),
		pfirestore.WithTxTimeout(cfg.Firestore.TxTimeout),
	)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	telemetry, err := services.NewTelemetry(nil, nil)
	if err != nil {
		logger.Fatal("failed to initialise telemetry", zap.Error(err))
	}

	downloads, err := newDownloadIssuer(logger, cfg, registry.Products())
	if err != nil {
		logger.Fatal("failed to initialise download issuer", zap.Error(err))
	}

	container, err := di.NewContainer(cfg, registry, di.Collaborators{
		Events:    orderEvents,
		Downloads: downloads,
		Telemetry: telemetry,
		Logger:    logger,
		Build:     buildInfo,
		Clock:     time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()
	svc := container.Services

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider, idempotencyCollection)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)
	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg, firestoreRepo.NewWebhookNonceRepository(firestoreProvider))

	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Cart)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, svc.Fulfillment,
		handlers.WithOrderIdempotency(idempotencyMiddleware),
	)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.Fulfillment)
	internalHandlers := handlers.NewInternalHandlers(svc.Fulfillment)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithWebhookMiddlewares(hmacMiddleware, idempotencyMiddleware),
	}
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
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
		serverLogger.Info("astroshop api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

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
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}

// newDownloadIssuer prefers signed Cloud Storage URLs and falls back to application URLs when
// no signer key is configured (local development).
func newDownloadIssuer(logger *zap.Logger, cfg config.Config, products repositories.ProductRepository) (services.DownloadLinkIssuer, error) {
	signerKey := strings.TrimSpace(cfg.Storage.SignerKey)
	if signerKey == "" {
		logger.Warn("storage signer key not configured; issuing unsigned download links")
		return services.NewUnsignedDownloadIssuer(cfg.Storage.DownloadBaseURL, cfg.Storage.DownloadPrefix), nil
	}
	signer, err := platformstorage.ParseServiceAccountKey([]byte(signerKey))
	if err != nil {
		return nil, fmt.Errorf("parse storage signer key: %w", err)
	}
	client, err := platformstorage.NewClient(cfg.Storage.DownloadsBucket, signer)
	if err != nil {
		return nil, err
	}
	return services.NewSignedDownloadIssuer(client, cfg.Storage.DownloadPrefix, products)
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config, nonces auth.NonceStore) func(http.Handler) http.Handler {
	operatorSecrets := make(auth.StaticSecrets)
	for name, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		operatorSecrets[strings.ToLower(strings.TrimSpace(name))] = value
	}
	if len(operatorSecrets) == 0 {
		logger.Warn("auth: no payment operator secrets configured; webhooks will be rejected")
	}

	validator := auth.NewHMACValidator(operatorSecrets, nonces,
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireSignedWebhook()
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

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projects := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS")); len(projects) > 0 {
		normalised := make(map[string]string, len(projects))
		for label, project := range projects {
			normalised[strings.ToLower(label)] = project
		}
		opts = append(opts, secrets.WithProjectMap(normalised))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve before the server starts. The signer
// key is optional outside production; each configured payment operator needs its HMAC secret.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.EqualFold(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]), "prod") {
		required = append(required, "Storage.SignerKey")
	}
	for _, key := range parseHMACSecretKeys(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return uniqueStrings(required)
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
