package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	latestVersion       = "latest"
	metricNamespace     = "github.com/astroshop/api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references using Google Secret Manager, caching values in memory
// and falling back to a local key=value file when Secret Manager is unreachable.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env         string
	defaultProj string
	projectMap  map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string

	mu    sync.RWMutex
	cache map[string]string

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment selects the environment key used to pick a project from the project map.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject configures the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies environment-specific project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectMap = make(map[string]string, len(m))
		for env, project := range m {
			cfg.projectMap[strings.ToLower(strings.TrimSpace(env))] = strings.TrimSpace(project)
		}
	}
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created leaves the
// fetcher in fallback-only mode rather than failing startup.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          defaultEnvironment,
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	f := &Fetcher{
		logger:       cfg.logger,
		env:          cfg.env,
		defaultProj:  cfg.defaultProj,
		projectMap:   cfg.projectMap,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]string),
	}

	var err error
	if f.latency, err = meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	); err != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	}
	if f.cacheHits, err = meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	); err != nil {
		cfg.logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases resources held by the fetcher.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve retrieves the secret value for ref, consulting the cache and fallback file as needed.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.cacheKey()

	f.mu.RLock()
	value, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		f.recordCacheHit(ctx, parsed)
		f.recordLatency(ctx, time.Since(start), "cache")
		return value, nil
	}

	projectID := f.projectID(parsed)
	if projectID != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, projectID, parsed)
		if err == nil {
			f.store(key, value)
			f.recordLatency(ctx, time.Since(start), "remote")
			return value, nil
		}
		if !isFallbackError(err) {
			f.recordLatency(ctx, time.Since(start), "error")
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.canonical, err)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", maskReference(parsed.canonical)), zap.Error(err))
	}

	value, ok = f.lookupFallback(parsed)
	if !ok {
		f.recordLatency(ctx, time.Since(start), "error")
		return "", fmt.Errorf("secrets: fallback value not found for %s", parsed.canonical)
	}
	f.store(key, value)
	f.recordLatency(ctx, time.Since(start), "fallback")
	return value, nil
}

// Invalidate drops every cached version of ref so the next Resolve refetches it.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	prefix := parsed.canonical + "#"
	f.mu.Lock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, projectID string, ref parsedReference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, ref.secret, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx,
		&secretmanagerpb.AccessSecretVersionRequest{Name: name},
		gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{codes.Unavailable, codes.ResourceExhausted}, gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			})
		}),
	)
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) projectID(ref parsedReference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := f.projectMap[f.env]; id != "" {
		return id
	}
	return f.defaultProj
}

func (f *Fetcher) lookupFallback(ref parsedReference) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if value, ok := f.fallbackVals[ref.cacheKey()]; ok {
		return value, true
	}
	value, ok := f.fallbackVals[ref.canonical]
	return value, ok
}

func (f *Fetcher) loadFallback() {
	f.fallbackVals = map[string]string{}
	if f.fallbackPath == "" {
		return
	}
	absPath, err := filepath.Abs(f.fallbackPath)
	if err != nil {
		absPath = f.fallbackPath
	}
	file, err := os.Open(absPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("secrets: unable to open fallback file", zap.String("path", absPath), zap.Error(err))
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if rest, isLegacy := strings.CutPrefix(key, "sm://"); isLegacy {
			key = "secret://" + rest
		}
		value = strings.TrimSpace(value)
		if parsed, err := parseReference(key); err == nil {
			f.fallbackVals[parsed.canonical] = value
			f.fallbackVals[parsed.cacheKey()] = value
			continue
		}
		f.fallbackVals[key] = value
	}
	if err := scanner.Err(); err != nil {
		f.logger.Warn("secrets: failed reading fallback file", zap.String("path", absPath), zap.Error(err))
	}
}

func (f *Fetcher) recordLatency(ctx context.Context, d time.Duration, source string) {
	if f.latency == nil {
		return
	}
	f.latency.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) recordCacheHit(ctx context.Context, ref parsedReference) {
	if f.cacheHits == nil {
		return
	}
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(ref.canonical))))
}

type parsedReference struct {
	canonical string
	secret    string
	version   string
	project   string
}

func (r parsedReference) cacheKey() string {
	return r.canonical + "#" + r.version
}

// parseReference accepts secret://name[?version=N&project=P].
func parseReference(ref string) (parsedReference, error) {
	if strings.TrimSpace(ref) == "" {
		return parsedReference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return parsedReference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return parsedReference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(u.Host+u.Path, "/")
	if secret == "" {
		return parsedReference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	query := u.Query()
	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = latestVersion
	}
	return parsedReference{
		canonical: "secret://" + secret,
		secret:    secret,
		version:   version,
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
