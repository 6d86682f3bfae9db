package logger

import (
	"context"

	"go.uber.org/zap"
)

type contextKey struct{}

// NewContextWithLogger returns a copy of ctx carrying log. Sessions and
// kernel caches created without an explicit logger log to it.
func NewContextWithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger carried by ctx, or nil if there is none.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(contextKey{}).(*zap.Logger)
	return l
}

// FromContextOr returns the logger carried by ctx, falling back to
// fallback and then to a no-op logger.
func FromContextOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l := FromContext(ctx); l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}
