// Package logger wraps log/slog with the router's output/rotation choices.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the logger's destination and rotation.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, text
	Output     string // stdout, stderr, file
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	base    atomic.Pointer[slog.Logger]
	leveler = new(slog.LevelVar)
)

func init() {
	base.Store(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: leveler})))
}

// Init (re)configures the package-level logger.
func Init(cfg Config) {
	leveler.Set(parseLevel(cfg.Level))

	var w io.Writer
	switch cfg.Output {
	case "stderr":
		w = os.Stderr
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "logs/router.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			w = os.Stdout
		} else {
			w = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			}
		}
	default:
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: leveler, AddSource: leveler.Level() == slog.LevelDebug}

	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	base.Store(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch s {
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

// SetLevel retargets the active logger's level without rebuilding handlers.
// Used by the hot-reload controller when global.log_level changes.
func SetLevel(level string) {
	leveler.Set(parseLevel(level))
}

// L returns the current package-level logger.
func L() *slog.Logger { return base.Load() }

// WithContext attaches args to a derived logger.
func WithContext(_ context.Context, args ...any) *slog.Logger { return L().With(args...) }

// WithRequestID tags a derived logger with the request's correlation id.
func WithRequestID(requestID string) *slog.Logger { return L().With("request_id", requestID) }

// WithPool tags a derived logger with a pool's key.
func WithPool(name, partition string) *slog.Logger {
	return L().With("pool", name, "partition", partition)
}

func Debug(msg string, args ...any) { L().Debug(msg, args...) }
func Info(msg string, args ...any)  { L().Info(msg, args...) }
func Warn(msg string, args ...any)  { L().Warn(msg, args...) }
func Error(msg string, args ...any) { L().Error(msg, args...) }
