// Package logger carries a *slog.Logger through a context.Context so request
// and connection handlers log with the attributes their caller attached.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type contextKey struct{}

var defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, nil))

// AddToContext returns a context carrying the given logger.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger stored in ctx, or a default text logger when
// none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return defaultLogger
}
