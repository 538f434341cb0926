package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger captures the printf logging contract used by the service-to-service validators.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

const defaultJWKSValidity = 15 * time.Minute

// JWKSCache fetches Google's signing keys and keeps them until the response's max-age expires.
// An unknown kid forces one refetch so key rotation is picked up before expiry.
type JWKSCache struct {
	url     string
	client  *http.Client
	logger  Logger
	now     func() time.Time
	timeout time.Duration

	mu     sync.RWMutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time

	refreshMu sync.Mutex
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client used to fetch JWKS documents.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets a custom logger for JWKS operations.
func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSClock injects a custom time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache constructs a JWKS cache for the provided URL.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  nopLogger{},
		now:     time.Now,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// Keyfunc returns a jwt.Keyfunc backed by the cache.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key resolves the public key for kid, refreshing the key set when it is stale or lacks kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if key, ok := c.cachedKey(kid); ok && !c.expired() {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.cachedKey(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) cachedKey(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jwk, ok := c.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (c *JWKSCache) expired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.now().Before(c.expiry)
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() && jwk.IsPublic() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := parseMaxAge(resp.Header.Get("Cache-Control"))
	if validity <= 0 {
		validity = defaultJWKSValidity
	}

	c.mu.Lock()
	c.keys = keys
	c.expiry = c.now().Add(validity)
	c.mu.Unlock()

	c.logger.Printf("auth: refreshed jwks (%d keys, valid for %s)", len(keys), validity)
	return nil
}

func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// OIDCValidator validates Google-signed OIDC tokens presented by the fulfilment worker.
type OIDCValidator struct {
	cache          *JWKSCache
	logger         Logger
	allowedCallers map[string]struct{}
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithAllowedServiceAccounts restricts accepted tokens to the listed service account emails.
func WithAllowedServiceAccounts(emails ...string) OIDCOption {
	return func(v *OIDCValidator) {
		for _, email := range emails {
			if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
				v.allowedCallers[email] = struct{}{}
			}
		}
	}
}

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{
		cache:          cache,
		logger:         nopLogger{},
		allowedCallers: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// ServiceIdentity is the verified service principal calling an internal route.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the request context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by the middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// RequireOIDC enforces a valid RS256 Google-signed token for the given audience and issuers.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowedIssuers := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if v == nil || v.cache == nil || audience == "" {
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured")
				return
			}

			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx)); err != nil {
				v.logger.Printf("auth: oidc verification failed: %v", err)
				if errors.Is(err, ErrJWKSFetchFailed) {
					respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc keys unavailable")
					return
				}
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "oidc token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if _, ok := allowedIssuers[issuer]; len(allowedIssuers) > 0 && !ok {
				v.logger.Printf("auth: oidc issuer mismatch, got %q", issuer)
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "oidc issuer mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				v.logger.Printf("auth: oidc audience mismatch, expected %q", audience)
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "oidc audience mismatch")
				return
			}

			email, _ := claims["email"].(string)
			if len(v.allowedCallers) > 0 {
				verified, _ := claims["email_verified"].(bool)
				if _, ok := v.allowedCallers[strings.ToLower(email)]; !ok || !verified {
					v.logger.Printf("auth: oidc caller %q not allowed", email)
					respondAuthError(ctx, w, http.StatusForbidden, "caller_not_allowed", "service account not allowed")
					return
				}
			}

			subject, _ := claims["sub"].(string)
			identity := &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer, Audience: audience}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}
