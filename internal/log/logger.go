package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LevelCritical sits above ERROR. It marks dropped messages (full queues).
const LevelCritical = slog.LevelError + 4

var (
	once   sync.Once
	mu     sync.RWMutex
	logger *slog.Logger
	level  = new(slog.LevelVar)
)

// ParseLevel maps a level name to a slog level.
// logic: default to INFO. If level is invalid, fallback to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "CRITICAL":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the global logger writing to stdout.
// format is "json" (default) or "text".
func Setup(levelName, format string) {
	once.Do(func() {
		install(newHandler(os.Stdout, levelName, format))
	})
}

// Reconfigure replaces the global handler once the configuration is known.
// Loggers derived before the call keep the previous handler.
func Reconfigure(levelName, format string) {
	SetupWriter(os.Stdout, levelName, format)
}

// SetupWriter is Reconfigure writing to w instead of stdout.
func SetupWriter(w io.Writer, levelName, format string) {
	once.Do(func() {})
	install(newHandler(w, levelName, format))
}

// SetLevel changes the level of the global logger after Setup.
func SetLevel(levelName string) {
	level.Set(ParseLevel(levelName))
}

func newHandler(w io.Writer, levelName, format string) slog.Handler {
	level.Set(ParseLevel(levelName))
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// replaceLevel renders LevelCritical as CRITICAL instead of ERROR+4.
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

func install(h slog.Handler) {
	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()
	slog.SetDefault(logger)
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	Setup("INFO", "json")
	mu.RLock()
	l = logger
	mu.RUnlock()
	if l == nil {
		l = slog.Default()
	}
	return l
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithPlugin returns a logger with the plugin field set.
func WithPlugin(name string) *slog.Logger {
	return Get().With(slog.String("plugin", name))
}

// WithEvent returns a logger with the event name and id fields set.
func WithEvent(name, id string) *slog.Logger {
	return Get().With(slog.String("event", name), slog.String("event_id", id))
}

// Critical logs msg on l at LevelCritical.
func Critical(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LevelCritical, msg, args...)
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
