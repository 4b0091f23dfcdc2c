// control/logger.go
// Author: momentics <momentics@gmail.com>
//
// Leveled logger handed explicitly to servers, clients and connections.
// The level is adjustable at runtime so config reloads can change verbosity.

package control

import (
	"strings"
	"sync/atomic"

	"github.com/momentics/wspy/api"
	"github.com/yanun0323/logs"
)

// Logger is the logging surface used across the engine.
type Logger = api.Logger

// Level is a logging threshold.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name to a Level. Unknown names yield LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// LevelLogger forwards to the logs backend when the message passes the threshold.
type LevelLogger struct {
	level  atomic.Int32
	prefix string
}

var _ Logger = (*LevelLogger)(nil)

// NewLogger returns a logger emitting messages at or above level.
func NewLogger(level Level) *LevelLogger {
	l := &LevelLogger{}
	l.level.Store(int32(level))
	return l
}

// Named returns a logger sharing nothing but the threshold value, with every
// line prefixed by "[name] ".
func (l *LevelLogger) Named(name string) *LevelLogger {
	n := &LevelLogger{prefix: l.prefix + "[" + name + "] "}
	n.level.Store(l.level.Load())
	return n
}

func (l *LevelLogger) SetLevel(level Level) { l.level.Store(int32(level)) }

func (l *LevelLogger) Level() Level { return Level(l.level.Load()) }

func (l *LevelLogger) Enabled(level Level) bool {
	return level >= l.Level() && level != LevelNone
}

func (l *LevelLogger) Debugf(format string, args ...any) {
	if l.Enabled(LevelDebug) {
		logs.Debugf(l.prefix+format, args...)
	}
}

func (l *LevelLogger) Infof(format string, args ...any) {
	if l.Enabled(LevelInfo) {
		logs.Infof(l.prefix+format, args...)
	}
}

func (l *LevelLogger) Warnf(format string, args ...any) {
	if l.Enabled(LevelWarn) {
		logs.Warnf(l.prefix+format, args...)
	}
}

func (l *LevelLogger) Errorf(format string, args ...any) {
	if l.Enabled(LevelError) {
		logs.Errorf(l.prefix+format, args...)
	}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// NopLogger discards everything.
func NopLogger() Logger { return nopLogger{} }
