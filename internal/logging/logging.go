// Package logging provides the leveled, component-prefixed loggers used by
// the daemon, worker and RPC server.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes timestamped, leveled lines for one named component. Messages
// below the configured level are dropped.
type Logger struct {
	l         *log.Logger
	level     Level
	component string
}

func New(out io.Writer, component string, level Level) *Logger {
	return &Logger{
		l:         log.New(out, "", 0),
		level:     level,
		component: component,
	}
}

// WithComponent returns a logger sharing this logger's output and level under
// a different component name.
func (lg *Logger) WithComponent(component string) *Logger {
	return &Logger{l: lg.l, level: lg.level, component: component}
}

func (lg *Logger) Level() Level {
	return lg.level
}

func (lg *Logger) Logf(level Level, format string, args ...any) {
	if level < lg.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	lg.l.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, lg.component, msg)
}

func (lg *Logger) Debugf(format string, args ...any) { lg.Logf(LevelDebug, format, args...) }
func (lg *Logger) Infof(format string, args ...any)  { lg.Logf(LevelInfo, format, args...) }
func (lg *Logger) Warnf(format string, args ...any)  { lg.Logf(LevelWarn, format, args...) }
func (lg *Logger) Errorf(format string, args ...any) { lg.Logf(LevelError, format, args...) }
