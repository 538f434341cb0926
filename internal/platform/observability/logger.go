package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/astroshop/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger constructs a zap logger emitting Cloud Logging compatible JSON. The level is read
// from LOG_LEVEL and defaults to info.
func NewLogger() (*zap.Logger, error) {
	return NewLoggerWithLevel(os.Getenv("LOG_LEVEL"))
}

// NewLoggerWithLevel builds the JSON logger at the supplied level.
func NewLoggerWithLevel(raw string) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(raw)))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		CallerKey:     "caller",
		EncodeCaller:  zapcore.ShortCallerEncoder,
		StacktraceKey: "stacktrace",
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	return cfg.Build()
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger is the structured event hook services accept in their deps.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewEventLogger adapts zap to the service event hook. The request-scoped logger is preferred
// when one is attached to ctx so events carry request and trace identifiers. Events whose name
// ends with ".failed" or ".error" are logged at warn level.
func NewEventLogger(fallback *zap.Logger) EventLogger {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := fallback
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx)
		}
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zapFields := make([]zap.Field, 0, len(keys)+1)
		zapFields = append(zapFields, zap.String("event", event))
		for _, key := range keys {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}
		if strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".error") {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

// PrintfAdapter adapts zap to printf-style logging interfaces.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter creates a PrintfAdapter backed by the supplied logger.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

// Printf implements the Printf-style logging expected by the idempotency middleware.
func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}
