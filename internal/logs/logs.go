package logs

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/iago/health-records-back/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger. Output goes to stdout, a rotating file, or
// both.
func New(cfg config.Config) *slog.Logger {
	return slog.New(NewHandler(cfg.Log, cfg.Environment)).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}

func NewHandler(cfg config.LogConfig, environment string) slog.Handler {
	writer := Writer(cfg)
	isDev := strings.EqualFold(environment, "development")
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: isDev,
	}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(writer, opts)
	}
	return slog.NewJSONHandler(writer, opts)
}

func Writer(cfg config.LogConfig) io.Writer {
	var writers []io.Writer

	// Always write to stdout if enabled or nothing else is configured
	fileEnabled := strings.TrimSpace(cfg.FilePath) != ""
	if cfg.Stdout || !fileEnabled {
		writers = append(writers, os.Stdout)
	}
	if fileEnabled {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	if len(writers) == 1 {
		return writers[0]
	}
	return io.MultiWriter(writers...)
}

// Discard is used by tests and libraries that were not given a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
