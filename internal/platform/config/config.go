package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultDownloadPrefix       = "downloads"
	defaultOrderEventsTopic     = "order-events"
	defaultFallbackName         = "Miscellaneous Service"
	defaultFallbackPrice        = 1000
	defaultGenericImage         = "/images/sample.jpg"
	defaultDownloadGrantTTL     = 7 * 24 * time.Hour
	defaultFirestoreTxAttempts  = 5
	defaultFirestoreTxTimeout   = 15 * time.Second
	maxDownloadGrantTTL         = 7 * 24 * time.Hour
	defaultOrderNumberPrefix    = "AS"
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACNonceHeader      = "X-Signature-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	Checkout    CheckoutConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	// TxMaxAttempts and TxTimeout bound every repository unit of work.
	TxMaxAttempts int
	TxTimeout     time.Duration
}

// StorageConfig locates digital deliverables and the key used to sign download URLs.
type StorageConfig struct {
	DownloadsBucket string
	DownloadPrefix  string
	// DownloadBaseURL backs unsigned download links when no signer key is configured.
	DownloadBaseURL string
	SignerKey       string
}

// PubSubConfig controls order event publication.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// CheckoutConfig tunes catalog resolution and order placement.
type CheckoutConfig struct {
	VerifyDynamicPrices bool
	FallbackName        string
	FallbackPrice       int64
	GenericImage        string
	DownloadGrantTTL    time.Duration
	OrderNumberPrefix   string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// HMACConfig captures payment webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to nothing.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface. Names are redacted to short hashes.
func (e *MissingSecretsError) Error() string {
	redacted := make([]string, 0, len(e.names))
	for _, name := range e.names {
		redacted = append(redacted, redactSecretName(name))
	}
	sort.Strings(redacted)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret fields (e.g. "Storage.SignerKey" or
// "Security.HMAC.Secrets[payments]") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// EnvironmentValues returns the effective environment (dotenv < OS env < explicit map) so
// callers can build dependencies such as the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnv))
	for key, value := range dotEnv {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:     stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:  stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
			TxMaxAttempts: intWithDefault(lookup, "API_FIRESTORE_TX_MAX_ATTEMPTS", defaultFirestoreTxAttempts),
			TxTimeout:     durationWithDefault(lookup, "API_FIRESTORE_TX_TIMEOUT", defaultFirestoreTxTimeout),
		},
		Storage: StorageConfig{
			DownloadsBucket: stringWithDefault(lookup, "API_STORAGE_DOWNLOADS_BUCKET", ""),
			DownloadPrefix:  stringWithDefault(lookup, "API_STORAGE_DOWNLOAD_PREFIX", defaultDownloadPrefix),
			DownloadBaseURL: stringWithDefault(lookup, "API_STORAGE_DOWNLOAD_BASE_URL", ""),
			SignerKey:       stringWithDefault(lookup, "API_STORAGE_SIGNER_KEY", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Checkout: CheckoutConfig{
			VerifyDynamicPrices: boolWithDefault(lookup, "API_CHECKOUT_VERIFY_DYNAMIC_PRICES", true),
			FallbackName:        stringWithDefault(lookup, "API_CHECKOUT_FALLBACK_NAME", defaultFallbackName),
			FallbackPrice:       int64WithDefault(lookup, "API_CHECKOUT_FALLBACK_PRICE", defaultFallbackPrice),
			GenericImage:        stringWithDefault(lookup, "API_CHECKOUT_GENERIC_IMAGE", defaultGenericImage),
			DownloadGrantTTL:    durationWithDefault(lookup, "API_CHECKOUT_DOWNLOAD_GRANT_TTL", defaultDownloadGrantTTL),
			OrderNumberPrefix:   stringWithDefault(lookup, "API_CHECKOUT_ORDER_NUMBER_PREFIX", defaultOrderNumberPrefix),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	resolved := make(map[string]string)
	resolvedSigner, err := resolveSecret(ctx, cfg.Storage.SignerKey, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Storage.SignerKey = resolvedSigner
	resolved["Storage.SignerKey"] = strings.TrimSpace(resolvedSigner)

	for key, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = strings.TrimSpace(secret)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.PubSub.OrderEventsTopic) == "" {
		missing = append(missing, "PubSub.OrderEventsTopic")
	}
	if strings.TrimSpace(cfg.Checkout.FallbackName) == "" {
		missing = append(missing, "Checkout.FallbackName")
	}
	if cfg.Checkout.FallbackPrice < 0 {
		missing = append(missing, "Checkout.FallbackPrice")
	}
	if cfg.Checkout.DownloadGrantTTL <= 0 || cfg.Checkout.DownloadGrantTTL > maxDownloadGrantTTL {
		missing = append(missing, "Checkout.DownloadGrantTTL")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if strings.TrimSpace(cfg.Storage.SignerKey) != "" && strings.TrimSpace(cfg.Storage.DownloadsBucket) == "" {
		missing = append(missing, "Storage.DownloadsBucket")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func int64WithDefault(lookup func(string) (string, bool), key string, fallback int64) int64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, secret, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		secret = strings.TrimSpace(secret)
		if !ok || name == "" || secret == "" {
			continue
		}
		values[name] = secret
	}
	return values
}
