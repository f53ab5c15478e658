package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	return NewLoggerWithLevel(component, os.Getenv("DELTA_SELECT_LOG_LEVEL"))
}

// NewLoggerWithLevel accepts debug, info, warn or error; anything else is info.
func NewLoggerWithLevel(component, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	if logger == nil || runID == "" {
		return logger
	}
	return logger.With("run_id", runID)
}

func WithBatch(logger *slog.Logger, batchID string) *slog.Logger {
	if logger == nil || batchID == "" {
		return logger
	}
	return logger.With("batch_id", batchID)
}

func WithTest(logger *slog.Logger, testID string) *slog.Logger {
	if logger == nil || testID == "" {
		return logger
	}
	return logger.With("test_id", testID)
}

// WithToken attaches a short hash of a runner token, never the token itself.
func WithToken(logger *slog.Logger, token string) *slog.Logger {
	if logger == nil || token == "" {
		return logger
	}
	return logger.With("token_hash", hashToken(token))
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
