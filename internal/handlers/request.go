package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/platform/httpx"
	"github.com/astroshop/api/internal/services"
)

const defaultMaxBodySize = 64 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads at most limit bytes into dst and writes the error response itself,
// returning false when the handler should stop.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

// requireIdentity returns the authenticated shopper or writes 401.
func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// requireAdminRole rejects identities without the admin role. It runs after the group-level
// Firebase middleware so the token is verified once per request.
func requireAdminRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		identity, ok := requireIdentity(ctx, w)
		if !ok {
			return
		}
		if !identity.IsAdmin() {
			httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFromIdentity(identity *auth.Identity) *services.Actor {
	if identity == nil {
		return &services.Actor{}
	}
	return &services.Actor{ID: strings.TrimSpace(identity.UID), Admin: identity.IsAdmin()}
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePointer(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
