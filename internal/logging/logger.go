package logging

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// contextKey for request-scoped values
type contextKey string

const RequestIDKey contextKey = "request_id"

var (
	logger atomic.Pointer[zap.Logger]
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Init initializes the structured logger
func Init(lvl string) error {
	l, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(l)

	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.Level = level

	// Console output for local runs
	if os.Getenv("ORIGIN_ENV") == "development" {
		config.Development = true
		config.Encoding = "console"
		config.EncoderConfig = zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
	}

	built, err := config.Build()
	if err != nil {
		return err
	}
	logger.Store(built)
	return nil
}

func parseLevel(lvl string) (zapcore.Level, error) {
	if lvl == "" {
		return zap.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return zap.InfoLevel, fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	return l, nil
}

// SetLevel changes the level of the running logger.
func SetLevel(lvl string) error {
	l, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

// Level reports the current level.
func Level() zapcore.Level {
	return level.Level()
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	// Fallback to default production logger
	fallback, err := zap.NewProduction()
	if err != nil {
		fallback = zap.NewNop()
	}
	logger.CompareAndSwap(nil, fallback)
	return logger.Load()
}

// SetLogger replaces the global logger. Tests use it with an observer core.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}

// WithRequestID stores a fresh request id in ctx and returns it.
func WithRequestID(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, RequestIDKey, id), id
}

// GetRequestID retrieves the request id from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// LogHTTPRequest logs a handled request with structured fields
func LogHTTPRequest(ctx context.Context, method, path string, status int, latencyMs, bodyBytes, size int64, traceID string) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Int64("latency_ms", latencyMs),
		zap.Int64("request_bytes", bodyBytes),
		zap.Int64("size_bytes", size),
	}

	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}

	GetLogger().Info("http_request", fields...)
}

// LogRateLimited logs rate limiting events
func LogRateLimited(ctx context.Context, client string) {
	fields := []zap.Field{
		zap.String("client", client),
		zap.String("event", "rate_limited"),
	}

	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}

	GetLogger().Warn("rate_limited", fields...)
}

// LogHTTPServerStart logs HTTP server startup
func LogHTTPServerStart(addr string, tls bool) {
	GetLogger().Info("http_server_start",
		zap.String("listen_addr", addr),
		zap.Bool("tls", tls),
	)
}

// LogConfigReload logs an applied configuration reload
func LogConfigReload(source string, methods int, lvl string) {
	GetLogger().Info("config_reload",
		zap.String("source", source),
		zap.Int("methods", methods),
		zap.String("log_level", lvl),
	)
}

// LogInfo logs general info messages with structured fields
func LogInfo(message string, fields map[string]interface{}) {
	GetLogger().Info(message, toFields(fields)...)
}

// LogError logs error messages with structured fields
func LogError(message string, fields map[string]interface{}) {
	GetLogger().Error(message, toFields(fields)...)
}

func toFields(fields map[string]interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			zapFields = append(zapFields, zap.String(k, val))
		case int:
			zapFields = append(zapFields, zap.Int(k, val))
		case bool:
			zapFields = append(zapFields, zap.Bool(k, val))
		case float64:
			zapFields = append(zapFields, zap.Float64(k, val))
		case error:
			zapFields = append(zapFields, zap.NamedError(k, val))
		default:
			zapFields = append(zapFields, zap.Any(k, v))
		}
	}
	return zapFields
}

// Sync flushes any buffered log entries
func Sync() {
	if l := logger.Load(); l != nil {
		_ = l.Sync()
	}
}
