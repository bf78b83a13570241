// Package logger builds the process-wide logrus logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, format and optional rotating file output.
type Config struct {
	Level  string
	Format string // "text" or "json"
	// File enables rotation through lumberjack alongside stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Output replaces stdout; tests use it to capture entries.
	Output io.Writer
}

// Logger wraps the logrus logger with the file rotator it writes to.
type Logger struct {
	*logrus.Logger
	rotator *lumberjack.Logger
}

// New creates a logger. An empty level means info.
func New(cfg Config) (*Logger, error) {
	log := logrus.New()

	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logger level %q: %w", cfg.Level, err)
		}
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02 15:04:05.0000",
			FullTimestamp:    true,
			QuoteEmptyFields: true,
		})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logger format %q: want text or json", cfg.Format)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	l := &Logger{Logger: log}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		l.rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
		}
		out = io.MultiWriter(out, l.rotator)
	}
	log.SetOutput(out)
	return l, nil
}

// Close flushes and closes the rotating file, if any.
func (l *Logger) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}
