package logging

import (
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger

// Init configures the global structured logger. Level is one of
// debug, info, warn, error; anything else falls back to info.
func Init(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
}

// Logger returns the global logger, initializing it at info level if needed.
func Logger() *slog.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }

func Info(msg string, args ...any) { Logger().Info(msg, args...) }

func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

func Error(msg string, args ...any) { Logger().Error(msg, args...) }
