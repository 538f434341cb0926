package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/astroshop/api/internal/platform/httpx"
	"github.com/astroshop/api/internal/platform/requestctx"
)

// InjectLoggerMiddleware stores the base logger on the request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware logs request completion with fields suitable for Cloud Logging. The
// logger it derives is stored back on the context so handler and service logs share the fields.
func RequestLoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)

			logger := requestctx.Logger(ctx).With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", SanitizeMethod(r.Method)),
				zap.String("path", SanitizeRoute(r.URL.Path)),
				zap.String("trace_id", info.TraceID),
			)
			if info.ProjectID != "" && info.TraceID != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace", "projects/"+info.ProjectID+"/traces/"+info.TraceID))
			}
			if ip := realIP(r); ip != "" {
				logger = logger.With(zap.String("remote_ip", ip))
			}
			ctx = requestctx.WithLogger(ctx, logger)

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			completed := false
			defer func() {
				status := recorder.status
				if !completed && status < http.StatusInternalServerError {
					status = http.StatusInternalServerError
				}
				route := routePattern(r)
				if span := trace.SpanFromContext(ctx); span.IsRecording() {
					span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
					if status >= http.StatusInternalServerError {
						span.SetStatus(codes.Error, http.StatusText(status))
					}
				}

				fields := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", recorder.bytes),
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", fields...)
				default:
					logger.Info("request completed", fields...)
				}
			}()

			next.ServeHTTP(recorder, r.WithContext(ctx))
			completed = true
		})
	}
}

// RecoveryMiddleware captures panics, logs the stack trace, and returns a JSON 500.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := fallback
				if requestctx.HasLogger(ctx) {
					logger = requestctx.Logger(ctx)
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return SanitizeRoute(pattern)
		}
	}
	return SanitizeRoute(r.URL.Path)
}

func realIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}
