// Package logging builds the process slog logger. Every record passes
// through a handler that redacts credentials and flattens CR/LF so user
// supplied values cannot forge log lines.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode"
)

// Redacted replaces the value of sensitive attributes
const Redacted = "***REDACTED***"

var sensitiveFieldKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
	"api_key",
	"apikey",
}

// Options configures the process logger
type Options struct {
	Level  string
	Format string // "text" or "json"
	// File, when set, receives a copy of every record with size based
	// rotation
	File      string
	MaxSizeMB int
	MaxFiles  int
}

// LevelManager allows the log level to be changed at runtime
type LevelManager struct {
	level slog.LevelVar
}

var globalLevel = &LevelManager{}

// GetLevelManager returns the level shared by loggers built with New
func GetLevelManager() *LevelManager {
	return globalLevel
}

// SetLevel sets the current log level
func (m *LevelManager) SetLevel(level slog.Level) {
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", levelStr)
	}
}

// New builds a logger writing to w, plus the rotating file when configured.
// The returned closer releases the file and is never nil.
func New(opts Options, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := StringToLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	globalLevel.SetLevel(level)

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := OpenRotatingFile(opts.File, int64(opts.MaxSizeMB)*1024*1024, opts.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(w, f)
		closer = f
	}

	handlerOpts := &slog.HandlerOptions{Level: &globalLevel.level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(w, handlerOpts)
	case "text", "":
		h = slog.NewTextHandler(w, handlerOpts)
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	return slog.New(NewRedactingHandler(h)), closer, nil
}

// Setup builds a stdout logger and installs it as the slog default
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	logger, closer, err := New(opts, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	logger.Info("logging initialized",
		"log_level", LevelToString(globalLevel.GetLevel()),
		"format", opts.Format,
		"log_file", opts.File)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// RedactingHandler wraps a handler, redacting sensitive attributes and
// sanitizing string values
type RedactingHandler struct {
	next slog.Handler
}

// NewRedactingHandler wraps next
func NewRedactingHandler(next slog.Handler) *RedactingHandler {
	return &RedactingHandler{next: next}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, sanitizeMessage(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = sanitizeAttr(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name)}
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}

	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, sanitizeMessage(v.String()))
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = sanitizeAttr(g)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, sanitizeMessage(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sk := range sensitiveFieldKeys {
		if strings.Contains(lower, sk) {
			return true
		}
	}
	return false
}

// sanitizeMessage flattens a value to a single line and drops control
// characters other than tab
func sanitizeMessage(msg string) string {
	if !strings.ContainsFunc(msg, unicode.IsControl) {
		return msg
	}
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
