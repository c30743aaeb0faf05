// Package logging provides leveled logging for medialib components.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level represents the available log levels.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration.
type Config struct {
	Level  Level
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Output: os.Stderr}
}

// Logger wraps stdlib log with level support and a component name prefix.
type Logger struct {
	logger *log.Logger
	level  Level
	name   string
	mu     sync.Mutex
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// New creates a new component logger with the given name (e.g. "denoise", "hdr").
func New(name string, config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags|log.Lmicroseconds),
		level:  config.Level,
		name:   name,
	}
}

// Default returns the process-wide default logger, creating it if necessary.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("medialib", nil)
	}
	return defaultLogger
}

// SetDefault sets the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Named returns a copy of l with a sub-component name appended, e.g.
// Default().Named("denoise").Named("bayer") -> "medialib.denoise.bayer".
func (l *Logger) Named(sub string) *Logger {
	name := sub
	if l.name != "" {
		name = l.name + "." + sub
	}
	return &Logger{logger: l.logger, level: l.level, name: name}
}

// SetLevel adjusts the minimum level this logger emits.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var out string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if out != "" {
				out += " "
			}
			out += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if out != "" {
		return " " + out
	}
	return ""
}

func (l *Logger) log(level Level, prefix, msg string, args ...any) {
	l.mu.Lock()
	cur := l.level
	l.mu.Unlock()
	if level < cur {
		return
	}
	comp := l.name
	if comp == "" {
		comp = "medialib"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("%s [%s] %s%s", prefix, comp, msg, formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, "[DEBUG]", msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, "[INFO]", msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, "[WARN]", msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, "[ERROR]", msg, args...) }

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...)) }

// Once returns a function that logs msg via Warn at most a single time;
// subsequent calls are no-ops. Used for "warn once" behaviors like HDR
// WB-gain clipping.
func (l *Logger) Once() func(msg string, args ...any) {
	var fired bool
	var mu sync.Mutex
	return func(msg string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		if fired {
			return
		}
		fired = true
		l.Warn(msg, args...)
	}
}
