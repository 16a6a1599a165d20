package observability

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/model"
)

type loggerKey struct{}

// NewLogger builds the service logger. Output is JSON on stdout unless
// cfg.LogFormat is "console". An unparsable level falls back to info.
//
// Levels:
//   - error: store, bucket or idempotency failures, panics, 5xx responses
//   - warn:  4xx responses, failing decision rules, an open upload circuit
//   - info:  requests, transitions, uploads, recorded decisions, sweeps
//   - debug: rule evaluation and redacted field values
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	encoding := "json"
	if cfg.LogFormat == "console" {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger carried by ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger is LoggerFrom tagged with the caller's tenant and subject,
// plus partition, correlation and trace ids when present.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 5)
	fields = append(fields,
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
	)
	for _, opt := range []struct{ key, val string }{
		{"partition_id", rctx.PartitionID},
		{"correlation_id", rctx.CorrelationID},
		{"trace_id", rctx.TraceID},
	} {
		if opt.val != "" {
			fields = append(fields, zap.String(opt.key, opt.val))
		}
	}
	return logger.With(fields...)
}

// sensitiveFieldMarkers are words in field keys whose values must never
// reach the logs: identity numbers, bank details, credentials.
var sensitiveFieldMarkers = []string{
	"aadhar", "aadhaar", "pan", "passport", "account", "ifsc",
	"password", "secret", "token", "otp", "pin",
}

// RedactFields returns a copy of entered field values with sensitive ones
// replaced by "[REDACTED]". A key is sensitive when one of its
// underscore-separated words is a default marker or one of extra
// (case-insensitive). Intended for debug-level logging only.
func RedactFields(values map[string]string, extra ...string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if isSensitive(k, extra) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string, extra []string) bool {
	words := strings.FieldsFunc(strings.ToLower(key), func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	for _, w := range words {
		if slices.Contains(sensitiveFieldMarkers, w) {
			return true
		}
		for _, m := range extra {
			if strings.EqualFold(w, m) {
				return true
			}
		}
	}
	return false
}
