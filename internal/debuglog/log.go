package debuglog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff // Disables all logging
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "OFF":
		return LevelOff
	default:
		return LevelInfo // Default to INFO
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

var (
	mu           sync.RWMutex
	currentLevel = LevelOff
	atomicLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar        = zap.NewNop().Sugar()
	logFile      *os.File
)

// Setup configures the logging system with the specified level and optional file path.
// If filePath is empty, defaults to ~/.stow/stow.log.
func Setup(level LogLevel, filePath ...string) error {
	mu.Lock()
	defer mu.Unlock()

	currentLevel = level
	closeLocked()

	if level == LevelOff {
		return nil
	}

	var logPath string
	if len(filePath) > 0 && filePath[0] != "" {
		logPath = filePath[0]
	} else {
		home, _ := os.UserHomeDir()
		dir := filepath.Join(home, ".stow")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		logPath = filepath.Join(dir, "stow.log")
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	atomicLevel.SetLevel(level.zapLevel())
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), atomicLevel)

	logFile = f
	sugar = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).Named("stow").Sugar()
	return nil
}

// SetLevel changes the current logging level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	if level != LevelOff {
		atomicLevel.SetLevel(level.zapLevel())
	}
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// Close flushes and closes the log file if open
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	return closeLocked()
}

func closeLocked() error {
	sugar.Sync() //nolint:errcheck
	sugar = zap.NewNop().Sugar()
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

func logw(level LogLevel, msg string, kv ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if level < currentLevel {
		return
	}
	switch level {
	case LevelDebug:
		sugar.Debugw(msg, kv...)
	case LevelInfo:
		sugar.Infow(msg, kv...)
	case LevelWarn:
		sugar.Warnw(msg, kv...)
	case LevelError:
		sugar.Errorw(msg, kv...)
	}
}

func Debugf(format string, args ...any) {
	logw(LevelDebug, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	logw(LevelInfo, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	logw(LevelWarn, fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	logw(LevelError, fmt.Sprintf(format, args...))
}

// FieldLogger attaches structured fields to every entry
type FieldLogger struct {
	kv []any
}

// WithFields returns a new logger with the specified fields
func WithFields(fields map[string]any) *FieldLogger {
	kv := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &FieldLogger{kv: kv}
}

func (fl *FieldLogger) Debugf(format string, args ...any) {
	logw(LevelDebug, fmt.Sprintf(format, args...), fl.kv...)
}

func (fl *FieldLogger) Infof(format string, args ...any) {
	logw(LevelInfo, fmt.Sprintf(format, args...), fl.kv...)
}

func (fl *FieldLogger) Warnf(format string, args ...any) {
	logw(LevelWarn, fmt.Sprintf(format, args...), fl.kv...)
}

func (fl *FieldLogger) Errorf(format string, args ...any) {
	logw(LevelError, fmt.Sprintf(format, args...), fl.kv...)
}
