// Package logging wraps a logrus-based logger with file rotation and a
// global convenience instance, so every package in the core
// can log through a single configured sink without threading a *Logger
// through every call.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

// Config holds logger configuration.
type Config struct {
	Level      Level
	OutputFile string // path to log file; empty means stdout only
	MaxSize    int64  // bytes before rotation (default 10MB)
	MaxBackups int    // rotated files to keep (default 3)
	JSONFormat bool   // JSON formatter vs text formatter
	AddSource  bool   // report caller file:line
}

// Logger wraps a *logrus.Logger with rotation and a global instance.
type Logger struct {
	entry     *logrus.Entry
	config    Config
	file      *os.File
	mu        sync.Mutex
	debugMode bool
}

var (
	global     *Logger
	globalOnce sync.Once
)

// Initialize sets up the package-global logger. Safe to call once per
// process; subsequent calls are no-ops.
func Initialize(config Config) error {
	var initErr error
	globalOnce.Do(func() {
		l, err := New(config)
		if err != nil {
			initErr = fmt.Errorf("initialize logger: %w", err)
			return
		}
		global = l
	})
	return initErr
}

// New creates a standalone logger instance.
func New(config Config) (*Logger, error) {
	if config.MaxSize == 0 {
		config.MaxSize = 10 * 1024 * 1024
	}
	if config.MaxBackups == 0 {
		config.MaxBackups = 3
	}

	l := &Logger{config: config, debugMode: config.Level == DEBUG}

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if config.OutputFile != "" {
		dir := filepath.Dir(config.OutputFile)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
		if err := l.rotateIfNeeded(); err != nil {
			return nil, fmt.Errorf("rotate logs: %w", err)
		}
		file, err := os.OpenFile(config.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", config.OutputFile, err)
		}
		l.file = file
		writers = append(writers, file)
	}

	base := logrus.New()
	base.SetOutput(io.MultiWriter(writers...))
	base.SetLevel(toLogrusLevel(config.Level))
	base.SetReportCaller(config.AddSource)
	if config.JSONFormat {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.entry = logrus.NewEntry(base)
	return l, nil
}

func (l *Logger) rotateIfNeeded() error {
	if l.config.OutputFile == "" {
		return nil
	}
	info, err := os.Stat(l.config.OutputFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() < l.config.MaxSize {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	for i := l.config.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", l.config.OutputFile, i)
		newPath := fmt.Sprintf("%s.%d", l.config.OutputFile, i+1)
		if _, err := os.Stat(oldPath); err == nil {
			os.Rename(oldPath, newPath)
		}
	}
	backupPath := fmt.Sprintf("%s.1", l.config.OutputFile)
	if err := os.Rename(l.config.OutputFile, backupPath); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return nil
}

func toLogrusLevel(level Level) logrus.Level {
	switch level {
	case DEBUG:
		return logrus.DebugLevel
	case INFO:
		return logrus.InfoLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR, FATAL:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fields turns a slog-style alternating key/value arg list into
// logrus.Fields, tolerating an odd trailing key by pairing it with "?".
func fields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key := fmt.Sprintf("%v", args[i])
		f[key] = args[i+1]
	}
	if len(args)%2 == 1 {
		f[fmt.Sprintf("%v", args[len(args)-1])] = "?"
	}
	return f
}

func (l *Logger) Debug(msg string, args ...any) { l.entry.WithFields(fields(args)).Debug(msg) }
func (l *Logger) Info(msg string, args ...any)  { l.entry.WithFields(fields(args)).Info(msg) }
func (l *Logger) Warn(msg string, args ...any)  { l.entry.WithFields(fields(args)).Warn(msg) }
func (l *Logger) Error(msg string, args ...any) { l.entry.WithFields(fields(args)).Error(msg) }

// Fatal logs at error level, closes the logger, then exits the process.
func (l *Logger) Fatal(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Error(msg)
	l.Close()
	os.Exit(1)
}

// With returns a derived logger carrying additional key/value context.
func (l *Logger) With(args ...any) *Logger {
	derived := *l
	derived.entry = l.entry.WithFields(fields(args))
	return &derived
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Logrus exposes the underlying *logrus.Entry for packages (e.g. an HTTP
// middleware host) that want to pass one around directly.
func (l *Logger) Logrus() *logrus.Entry { return l.entry }

func Debug(msg string, args ...any) {
	if global != nil {
		global.Debug(msg, args...)
		return
	}
	logrus.WithFields(fields(args)).Debug(msg)
}

func Info(msg string, args ...any) {
	if global != nil {
		global.Info(msg, args...)
		return
	}
	logrus.WithFields(fields(args)).Info(msg)
}

func Warn(msg string, args ...any) {
	if global != nil {
		global.Warn(msg, args...)
		return
	}
	logrus.WithFields(fields(args)).Warn(msg)
}

func Error(msg string, args ...any) {
	if global != nil {
		global.Error(msg, args...)
		return
	}
	logrus.WithFields(fields(args)).Error(msg)
}

func Fatal(msg string, args ...any) {
	if global != nil {
		global.Fatal(msg, args...)
		return
	}
	logrus.WithFields(fields(args)).Error(msg)
	os.Exit(1)
}

func With(args ...any) *Logger {
	if global != nil {
		return global.With(args...)
	}
	return nil
}

func Close() error {
	if global != nil {
		return global.Close()
	}
	return nil
}

func IsDebugEnabled() bool {
	return global != nil && global.debugMode
}

// DefaultConfig returns the standard runtime configuration: output always
// goes to stdout and to a timestamped, rotating file under logs/; debug mode
// uses human-readable text with caller info, otherwise JSON.
func DefaultConfig(debugMode bool) Config {
	level := INFO
	if debugMode {
		level = DEBUG
	}

	logDir := "logs"
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFile := filepath.Join(logDir, fmt.Sprintf("changeintel_%s.log", timestamp))

	return Config{
		Level:      level,
		OutputFile: logFile,
		MaxSize:    10 * 1024 * 1024,
		MaxBackups: 3,
		JSONFormat: !debugMode,
		AddSource:  debugMode,
	}
}

// DebugConfig returns a stdout-only, human-readable configuration for local
// development.
func DebugConfig() Config {
	return Config{Level: DEBUG, JSONFormat: false, AddSource: true}
}
