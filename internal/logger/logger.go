// Package logger carries a leveled slog-backed logger through contexts.
// Components log through the package functions; the CLI decides where the
// output goes.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the leveled surface components log through. Tags are slog
// attrs, normally built by the tag subpackage.
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)

	// With returns a child logger carrying the attrs on every record.
	With(attrs ...any) Logger
}

type settings struct {
	level  slog.Level
	debug  bool
	format string
	writer io.Writer
	quiet  bool
}

// Option configures NewLogger.
type Option func(*settings)

// WithDebug lowers the level to debug regardless of WithLevel.
func WithDebug() Option {
	return func(s *settings) { s.debug = true }
}

// WithLevel sets the minimum level by name (debug, info, warn, error).
// Unknown names keep the default of info.
func WithLevel(name string) Option {
	return func(s *settings) {
		switch strings.ToLower(name) {
		case "debug":
			s.level = slog.LevelDebug
		case "warn", "warning":
			s.level = slog.LevelWarn
		case "error":
			s.level = slog.LevelError
		}
	}
}

// WithFormat selects "text" or "json" output.
func WithFormat(format string) Option {
	return func(s *settings) { s.format = format }
}

// WithWriter adds a second sink, typically the daemon log file. Records
// through it are serialized so loggers sharing a file do not interleave.
func WithWriter(w io.Writer) Option {
	return func(s *settings) { s.writer = w }
}

// WithQuiet drops the stderr handler.
func WithQuiet() Option {
	return func(s *settings) { s.quiet = true }
}

var defaultLogger = NewLogger()

// NewLogger builds a logger fanning out to stderr and the optional extra
// writer.
func NewLogger(opts ...Option) Logger {
	s := settings{level: slog.LevelInfo, format: "text"}
	for _, opt := range opts {
		opt(&s)
	}
	level := s.level
	if s.debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if !s.quiet {
		handlers = append(handlers, newHandler(os.Stderr, s.format, handlerOpts))
	}
	if s.writer != nil {
		handlers = append(handlers, &lockedHandler{
			handler: newHandler(s.writer, s.format, handlerOpts),
			mu:      &sync.Mutex{},
		})
	}
	return &appLogger{s: slog.New(slogmulti.Fanout(handlers...))}
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

type appLogger struct {
	s *slog.Logger
}

func (l *appLogger) Debug(msg string, tags ...any) { l.s.Debug(msg, tags...) }
func (l *appLogger) Info(msg string, tags ...any)  { l.s.Info(msg, tags...) }
func (l *appLogger) Warn(msg string, tags ...any)  { l.s.Warn(msg, tags...) }
func (l *appLogger) Error(msg string, tags ...any) { l.s.Error(msg, tags...) }

func (l *appLogger) With(attrs ...any) Logger {
	return &appLogger{s: l.s.With(attrs...)}
}

// lockedHandler serializes Handle calls. Derived handlers share the mutex
// so every path to the underlying writer takes the same lock.
type lockedHandler struct {
	handler slog.Handler
	mu      *sync.Mutex
}

func (h *lockedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *lockedHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler.Handle(ctx, record)
}

func (h *lockedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &lockedHandler{handler: h.handler.WithAttrs(attrs), mu: h.mu}
}

func (h *lockedHandler) WithGroup(name string) slog.Handler {
	return &lockedHandler{handler: h.handler.WithGroup(name), mu: h.mu}
}
