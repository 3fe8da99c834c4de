package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ekisa-team/yolo2ncnn/internal/env"
)

const (
	defaultLogFile    = "logs/yolo2ncnn.log"
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
	defaultMaxAgeDays = 28
)

type options struct {
	writer    io.Writer
	logFile   string
	level     slog.Level
	logToFile bool
	noColor   bool
}

// Option configures the logger.
type Option func(*options)

// WithLogToFile enables or disables the rotating log file.
func WithLogToFile(enabled bool) Option {
	return func(o *options) {
		o.logToFile = enabled
	}
}

// WithLogFile sets the path of the rotating log file.
func WithLogFile(path string) Option {
	return func(o *options) {
		o.logFile = path
	}
}

// WithLevel sets the minimum level.
func WithLevel(level slog.Level) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithWriter replaces stderr as the console destination.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithNoColor disables ANSI colors in development output.
func WithNoColor(disabled bool) Option {
	return func(o *options) {
		o.noColor = disabled
	}
}

// New builds a logger for the given environment.
// Development writes colored text through tint, production writes JSON.
// When file logging is enabled, records are also written as JSON to a
// lumberjack-rotated file.
func New(environment env.Environment, opts ...Option) *slog.Logger {
	o := &options{
		writer:  os.Stderr,
		logFile: defaultLogFile,
		level:   slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(o)
	}

	var console slog.Handler
	if environment.IsProduction() {
		console = slog.NewJSONHandler(o.writer, &slog.HandlerOptions{Level: o.level})
	} else {
		console = tint.NewHandler(o.writer, &tint.Options{
			Level:      o.level,
			TimeFormat: time.Kitchen,
			NoColor:    o.noColor,
		})
	}

	if !o.logToFile || o.logFile == "" {
		return slog.New(console)
	}

	file := &lumberjack.Logger{
		Filename:   o.logFile,
		MaxSize:    defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAgeDays,
		Compress:   true,
	}

	return slog.New(&fanout{handlers: []slog.Handler{
		console,
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: o.level}),
	}})
}

// fanout dispatches every record to all handlers.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: handlers}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &fanout{handlers: handlers}
}
