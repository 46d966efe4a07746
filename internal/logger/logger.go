// Package logger provides structured logging functionality for Haven.
// It uses Go's slog package for logging with configurable levels and formats.
package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/labstack/echo/v4"
)

// UserIDKey is the echo context key under which the caller identity is stored.
const UserIDKey = "user_id"

// NewLogger creates a new slog Logger with the specified level and format.
// If jsonOutput is true, logs will be formatted as JSON, otherwise as text.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(levelStr),
	}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a configuration level name to a slog level, defaulting to info.
func ParseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Middleware creates a request logging middleware for the HTTP server.
// It logs when a request starts and when it finishes, with its status and duration.
func Middleware(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			startTime := time.Now()
			req := c.Request()

			logEntry := log.With(
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"method", req.Method,
				"path", c.Path(),
				"remote_ip", c.RealIP(),
			)
			logEntry.DebugContext(req.Context(), "Processing request")

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			// Identity is resolved by route-group middleware, after this one ran.
			if userID, ok := c.Get(UserIDKey).(string); ok && userID != "" {
				logEntry = logEntry.With("user_id", userID)
			}

			status := c.Response().Status
			attrs := []any{"status", status, "duration", time.Since(startTime)}
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				logEntry.WarnContext(req.Context(), "Request abandoned", append(attrs, "error", err)...)
			case status >= 500:
				logEntry.ErrorContext(req.Context(), "Finished processing request", append(attrs, "error", err)...)
			case status >= 400:
				logEntry.WarnContext(req.Context(), "Finished processing request", attrs...)
			default:
				logEntry.InfoContext(req.Context(), "Finished processing request", attrs...)
			}

			return nil
		}
	}
}
