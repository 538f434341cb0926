package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "Idempotent-Replayed"
	maxKeyLength      = 255
	maxBodyBytes      = 1 << 20
)

// Logger abstracts the logging dependency used inside the middleware.
type Logger interface {
	Printf(format string, args ...any)
}

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	required   bool
	clock      func() time.Time
	logger     Logger
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header name used to extract the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL configures how long completed responses are replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// RequireKey rejects requests that omit the header instead of passing them through.
func RequireKey() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.required = true
	}
}

// WithLogger injects a logger for persistence errors.
func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware replays the stored response when a request repeats an Idempotency-Key. Keys are
// scoped to the caller, so two shoppers can use the same key independently. Responses with a
// 5xx status are not stored and the key is released so the client may retry.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				if cfg.required {
					respondError(ctx, w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				respondError(ctx, w, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key too long")
				return
			}

			body, err := readAndReplayBody(r)
			if err != nil {
				respondError(ctx, w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}

			requester := requesterOf(ctx)
			scoped := requester + "|" + key
			fingerprint := requestFingerprint(r, body, requester)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					respondError(ctx, w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key already used for a different request")
					return
				}
				cfg.logf("idempotency: reserve failed: %v", err)
				respondError(ctx, w, http.StatusServiceUnavailable, "idempotency_unavailable", "unable to process idempotency key")
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				writeStoredResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				respondError(ctx, w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
				return
			}

			recorder := &bufferedResponse{header: make(http.Header)}
			next.ServeHTTP(recorder, r)

			if recorder.status() >= http.StatusInternalServerError {
				if err := store.Release(context.WithoutCancel(ctx), scoped); err != nil {
					cfg.logf("idempotency: release after server error failed: %v", err)
				}
			} else {
				response := Response{Status: recorder.status(), Headers: recorder.header, Body: recorder.body.Bytes()}
				if err := store.SaveResponse(context.WithoutCancel(ctx), scoped, fingerprint, response, cfg.clock().UTC(), cfg.ttl); err != nil {
					cfg.logf("idempotency: save response failed: %v", err)
					_ = store.Release(context.WithoutCancel(ctx), scoped)
				}
			}
			recorder.flushTo(w)
		})
	}
}

func (cfg middlewareConfig) logf(format string, args ...any) {
	if cfg.logger != nil {
		cfg.logger.Printf(format, args...)
	}
}

func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodyBytes {
		return nil, errors.New("idempotency: body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte, requester string) string {
	return sha256Hex([]byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		requester,
		sha256Hex(body),
	}, "|")))
}

func requesterOf(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return "user:" + identity.UID
	}
	if operator, ok := auth.PaymentOperatorFromContext(ctx); ok {
		return "operator:" + operator.Name
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "anonymous"
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

func respondError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// bufferedResponse holds the handler output until the idempotency record is persisted.
type bufferedResponse struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.code == 0 {
		b.code = status
	}
}

func (b *bufferedResponse) Write(data []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedResponse) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.status())
	_, _ = w.Write(b.body.Bytes())
}
