package logx

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Logger writes structured events to whatever sinks its Service currently
// has configured. A Logger obtained from a Service keeps following the
// Service across Apply calls; a standalone Logger (NewConsole, Nop) is
// fixed at construction. The zero value drops everything.
type Logger struct {
	svc    *Service
	fixed  zerolog.Logger
	bound  bool
	fields []Field
}

// Nop returns a logger that discards all events.
func Nop() Logger {
	return Logger{fixed: zerolog.Nop(), bound: true}
}

// NewConsole builds a standalone console logger for early startup, before
// the config is loaded and the real Service exists.
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = timeLayout
	zerolog.ErrorFieldName = "err"
	zl := zerolog.New(consoleWriter()).
		Level(levelFromString(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return Logger{fixed: zl, bound: true}
}

// IsZero reports whether the logger was never initialized. Components use
// this to substitute Nop() instead of panicking on the zero value.
func (l Logger) IsZero() bool { return l.svc == nil && !l.bound && len(l.fields) == 0 }

func (l Logger) active() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.rootLogger()
	case l.bound:
		return l.fixed
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether events at the given level would be written.
func (l Logger) Enabled(level Level) bool {
	return level >= l.active().GetLevel()
}

// With returns a logger that attaches the given fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	out := l
	out.fields = merged
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.active()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if at := callSite(3); at != "" {
		e.Str(zerolog.CallerFieldName, at)
	}
	applyFields(e, l.fields)
	applyFields(e, fields)
	e.Msg(msg)
}

func applyFields(e *zerolog.Event, fields []Field) {
	for _, fld := range fields {
		if fld != nil {
			fld(e)
		}
	}
}

// callSite renders the caller as file:line. Full paths and function names
// are noise at log-reading time.
func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

func levelFromString(s string, fallback zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return fallback
}
