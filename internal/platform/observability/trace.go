package observability

import (
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/astroshop/api/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var (
	tracer     = otel.Tracer("github.com/astroshop/api/internal/platform/observability")
	w3cContext = propagation.TraceContext{}
)

// TraceMiddleware continues an inbound trace (W3C traceparent first, then the Cloud Trace header),
// starts a server span, and stores the trace metadata on the request context.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := w3cContext.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if !trace.SpanContextFromContext(ctx).IsValid() {
				if remote, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
					ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
				}
			}

			ctx, span := tracer.Start(ctx, spanNameFromRequest(r), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			span.SetAttributes(standardSpanAttributes(r)...)

			spanCtx := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   spanCtx.TraceID().String(),
				SpanID:    spanCtx.SpanID().String(),
				Sampled:   spanCtx.IsSampled(),
				ProjectID: projectID,
			}
			ctx = requestctx.WithTrace(ctx, info)

			if formatted := formatCloudTraceHeader(info); formatted != "" {
				w.Header().Set(cloudTraceHeader, formatted)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseCloudTraceContext reads "TRACE_ID/SPAN_ID;o=OPTIONS". The span id is decimal on the wire.
func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	traceHex, rest, found := strings.Cut(header, "/")
	if !found || len(traceHex) != 32 {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(strings.ToLower(traceHex))
	if err != nil {
		return trace.SpanContext{}, false
	}

	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(spanPart)
	if !ok {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func parseSpanID(value string) (trace.SpanID, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return trace.SpanID{}, false
	}
	var num uint64
	if _, err := fmt.Sscanf(value, "%d", &num); err != nil || fmt.Sprint(num) != value {
		return trace.SpanID{}, false
	}
	var spanID trace.SpanID
	for i := 7; i >= 0; i-- {
		spanID[i] = byte(num)
		num >>= 8
	}
	return spanID, spanID.IsValid()
}

func formatCloudTraceHeader(info requestctx.TraceInfo) string {
	if info.TraceID == "" || info.SpanID == "" {
		return ""
	}
	spanID, err := trace.SpanIDFromHex(info.SpanID)
	if err != nil {
		return ""
	}
	var decimal uint64
	for _, b := range spanID {
		decimal = decimal<<8 | uint64(b)
	}
	option := "0"
	if info.Sampled {
		option = "1"
	}
	return fmt.Sprintf("%s/%d;o=%s", info.TraceID, decimal, option)
}

func spanNameFromRequest(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	return r.Method + " " + path
}

func standardSpanAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
		attribute.String("url.path", r.URL.Path),
	}
	if host := r.Host; host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", sanitizeString(ua, 200)))
	}
	return attrs
}
