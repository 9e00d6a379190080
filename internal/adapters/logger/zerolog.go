package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"copyTradeBot/internal/ports"
)

// Zerolog implements the ports.Logger interface on top of rs/zerolog with
// optional file rotation via lumberjack.
type Zerolog struct {
	logger zerolog.Logger
}

// Config holds logging configuration.
type Config struct {
	Level      string
	Console    bool
	FilePath   string // empty disables the file writer
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig returns console-only logging at info level.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
	}
}

// New creates a zerolog-backed logger. With no writers configured it
// falls back to plain stderr output.
func New(cfg Config) *Zerolog {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	if cfg.FilePath != "" {
		// Ensure log directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stderr
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(writer).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()

	return &Zerolog{logger: zl}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func withFields(event *zerolog.Event, fields []map[string]interface{}) *zerolog.Event {
	if len(fields) > 0 && fields[0] != nil {
		event = event.Fields(fields[0])
	}
	return event
}

// Debug logs a message at Debug level.
func (l *Zerolog) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Debug(), fields).Msg(msg)
}

// Info logs a message at Info level.
func (l *Zerolog) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Info(), fields).Msg(msg)
}

// Warn logs a message at Warning level.
func (l *Zerolog) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Warn(), fields).Msg(msg)
}

// Error logs an error message at Error level.
func (l *Zerolog) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Error().Err(err), fields).Msg(msg)
}

var _ ports.Logger = (*Zerolog)(nil)
