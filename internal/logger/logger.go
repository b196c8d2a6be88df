package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/liamcoop/predictions/internal/metrics"
)

// Type alias for slog.Level for easier usage
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug // -4
	LevelInfo    = slog.LevelInfo  // 0
	LevelWarning = slog.LevelWarn  // 4
	LevelError   = slog.LevelError // 8
	LevelFatal   = slog.Level(12)  // 12
)

var (
	Logger          *slog.Logger
	errorSampleRate int32 = 1 // log 1 out of every N warnings/errors (ERROR_SAMPLE_RATE)
	programLevel          = new(slog.LevelVar)

	mu     sync.Mutex
	output io.Closer // rotating file, nil when logging to stdout
)

// Options configures the process-wide logger
type Options struct {
	Level string

	// File enables size-based rotation through lumberjack; empty means stdout
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// SampleRate keeps 1 in N Warn/Error lines; 0 leaves the current rate
	SampleRate int
}

func init() {
	programLevel.Set(slog.LevelInfo)

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		if level, err := ParseLevel(levelStr); err == nil {
			programLevel.Set(level)
		}
	}

	// ERROR_SAMPLE_RATE=1 logs every warning and error, 100 logs 1%
	if sampleStr := os.Getenv("ERROR_SAMPLE_RATE"); sampleStr != "" {
		if rate, err := strconv.Atoi(sampleStr); err == nil && rate > 0 {
			atomic.StoreInt32(&errorSampleRate, int32(rate))
		}
	}

	setupJSONLogging(os.Stdout)
}

// setupJSONLogging installs a JSON handler writing to w as the default logger
func setupJSONLogging(w io.Writer) {
	opts := &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelName(level))
				}
			}
			return a
		},
	}

	Logger = slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(Logger)
}

// Configure applies opts, replacing the output set up at init
func Configure(opts Options) error {
	if opts.Level != "" {
		level, err := ParseLevel(opts.Level)
		if err != nil {
			return err
		}
		programLevel.Set(level)
	}
	if opts.SampleRate > 0 {
		atomic.StoreInt32(&errorSampleRate, int32(opts.SampleRate))
	}

	mu.Lock()
	defer mu.Unlock()

	if output != nil {
		output.Close()
		output = nil
	}

	if opts.File == "" {
		setupJSONLogging(os.Stdout)
		return nil
	}

	rotating := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	output = rotating
	setupJSONLogging(rotating)
	fmt.Fprintf(os.Stderr, "JSON logging to %s (sampling: 1/%d)\n", opts.File, atomic.LoadInt32(&errorSampleRate))
	return nil
}

// Shutdown flushes and closes the log file, if any
// Call this during application shutdown
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	if output == nil {
		return nil
	}
	err := output.Close()
	output = nil
	setupJSONLogging(os.Stdout)
	return err
}

// SetLevel sets the minimum log level for the logger
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a string level name to slog.Level
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (defaulting to INFO)", levelStr)
	}
}

func levelName(level slog.Level) string {
	switch level {
	case LevelTrace:
		return "TRACE"
	case LevelFatal:
		return "FATAL"
	}
	return level.String()
}

// shouldSample returns true if we should log this message (1 out of every N)
func shouldSample() bool {
	rate := atomic.LoadInt32(&errorSampleRate)
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// Trace logs a trace-level message (never sampled)
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs a debug-level message (never sampled)
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs an info-level message (never sampled)
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a warning-level message WITH SAMPLING.
// The counter is always incremented, but log output is sampled.
func Warn(msg string, args ...any) {
	metrics.LogEvents.WithLabelValues("warn").Inc()
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error logs an error-level message WITH SAMPLING.
// The counter is always incremented, but log output is sampled.
func Error(msg string, args ...any) {
	metrics.LogEvents.WithLabelValues("error").Inc()
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs a fatal-level message and exits (never sampled)
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}
