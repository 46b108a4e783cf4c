// Package logger provides the global structured logger for snaplicator.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is a captured WARN/ERROR log entry, kept for diagnostic reporting.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
}

// ringBuffer is a fixed-size circular buffer for recent log entries.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int
	count   int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

func (rb *ringBuffer) add(entry Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
}

func (rb *ringBuffer) getAll() []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]Entry, rb.count)
	for i := 0; i < rb.count; i++ {
		idx := (rb.head - rb.count + i + rb.size) % rb.size
		result[i] = rb.entries[idx]
	}
	return result
}

var (
	// Log is the global structured logger.
	Log *slog.Logger
	// logWriter is the rotating log writer.
	logWriter *lumberjack.Logger
	// LogPath is the path to the current log file.
	LogPath string
	// recentBuffer holds recent WARN/ERROR entries for /replication/check output.
	recentBuffer *ringBuffer
)

// Level represents the logging level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// captureHandler wraps another handler and records WARN+ entries in a ring buffer.
type captureHandler struct {
	inner  slog.Handler
	buffer *ringBuffer
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		h.buffer.add(Entry{
			Time:    r.Time,
			Level:   r.Level,
			Message: r.Message,
		})
	}
	return h.inner.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{inner: h.inner.WithAttrs(attrs), buffer: h.buffer}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{inner: h.inner.WithGroup(name), buffer: h.buffer}
}

// Init initializes the global logger with the specified level and optional path.
// If logPath is empty, defaults to ~/.config/snaplicator/snaplicator.log.
func Init(level Level, logPath string) {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelInfo:
		slogLevel = slog.LevelInfo
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}

	if logPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.TempDir()
		}
		logDir := filepath.Join(homeDir, ".config", "snaplicator")
		_ = os.MkdirAll(logDir, 0755)
		logPath = filepath.Join(logDir, "snaplicator.log")
	}

	LogPath = logPath

	var writer io.Writer
	logWriter = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}
	writer = logWriter

	recentBuffer = newRingBuffer(100)

	jsonHandler := slog.NewJSONHandler(writer, opts)
	handler := &captureHandler{
		inner:  jsonHandler,
		buffer: recentBuffer,
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// InitConsole initializes the global logger writing to stderr instead of a
// file. Used inside containers where the runtime collects the streams.
func InitConsole(level Level) {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	recentBuffer = newRingBuffer(100)
	handler := &captureHandler{
		inner:  slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}),
		buffer: recentBuffer,
	}
	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// Close closes the log file.
func Close() {
	if logWriter != nil {
		logWriter.Close()
	}
}

func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	getLogger().Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	getLogger().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	getLogger().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With creates a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// RecentWarnings returns the recent WARN/ERROR entries, oldest first.
func RecentWarnings() []Entry {
	if recentBuffer == nil {
		return nil
	}
	return recentBuffer.getAll()
}

// Format renders a captured entry for diagnostic output.
func (e Entry) Format() string {
	levelStr := "INFO"
	switch {
	case e.Level >= slog.LevelError:
		levelStr = "ERROR"
	case e.Level >= slog.LevelWarn:
		levelStr = "WARN"
	}
	return fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05"), levelStr, e.Message)
}
