package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/astroshop/api/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultAdminClaim    = "admin"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator wires Firebase token verification into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier

	roleClaim  string
	adminClaim string
	timeout    time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithAdminClaim overrides the boolean custom claim that grants the admin role.
func WithAdminClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.adminClaim = claim
		}
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:   verifier,
		roleClaim:  defaultRoleClaim,
		adminClaim: defaultAdminClaim,
		timeout:    defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireUser authenticates any signed-in shopper.
func (a *Authenticator) RequireUser() func(http.Handler) http.Handler {
	return a.RequireFirebaseAuth()
}

// RequireAdmin authenticates the caller and rejects identities without the admin role.
func (a *Authenticator) RequireAdmin() func(http.Handler) http.Handler {
	return a.RequireFirebaseAuth(RoleAdmin)
}

// RequireFirebaseAuth verifies the Authorization bearer token and, when roles are given,
// ensures the identity holds one of them. Unauthenticated callers get 401 and authenticated
// callers lacking a role get 403.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			allowed[role] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			cancel()
			if err != nil {
				respondVerificationError(ctx, w, err)
				return
			}

			identity := a.identityFromToken(token)
			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				respondAuthError(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) identityFromToken(token *firebaseauth.Token) *Identity {
	roles := rolesFromClaims(token.Claims, a.roleClaim)
	if admin, _ := token.Claims[a.adminClaim].(bool); admin && !containsRole(roles, RoleAdmin) {
		roles = append(roles, RoleAdmin)
	}
	if !containsRole(roles, RoleUser) {
		roles = append([]string{RoleUser}, roles...)
	}
	return &Identity{
		UID:   token.UID,
		Email: claimAsString(token.Claims, "email"),
		Name:  claimAsString(token.Claims, "name"),
		Roles: roles,
		token: token,
	}
}

func hasAllowedRole(identityRoles []string, allowed map[string]struct{}) bool {
	for _, role := range identityRoles {
		if _, ok := allowed[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func rolesFromClaims(claims map[string]any, key string) []string {
	var raw []string
	switch v := claims[key].(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case map[string]any:
		for name, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				raw = append(raw, name)
			}
		}
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		role := normaliseRole(item)
		if role == "" || containsRole(out, role) {
			continue
		}
		out = append(out, role)
	}
	return out
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	default:
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
