package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// NewHTTPLoggingMiddleware logs every request once it completes. The level
// follows the status code. Live and event streams are logged when they open
// as well, since they can stay connected for hours.
func NewHTTPLoggingMiddleware(logger *slog.Logger) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()

		attrs := []slog.Attr{
			slog.String("method", ctx.Method()),
			slog.String("path", ctx.URL().Path),
			slog.String("remote_addr", ctx.RemoteAddr()),
		}
		if id := RequestID(ctx.Context()); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		if ua := ctx.Header("User-Agent"); ua != "" {
			attrs = append(attrs, slog.String("user_agent", ua))
		}

		if strings.Contains(ctx.Header("Accept"), "text/event-stream") {
			logger.LogAttrs(ctx.Context(), slog.LevelDebug, "HTTP stream opened", attrs...)
		}

		next(ctx)

		status := ctx.Status()
		attrs = append(attrs,
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		)

		level := slog.LevelInfo
		switch {
		case ctx.Method() == "OPTIONS":
			level = slog.LevelDebug
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		logger.LogAttrs(ctx.Context(), level, "HTTP request completed", attrs...)
	}
}
