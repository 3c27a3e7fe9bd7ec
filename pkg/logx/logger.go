package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// zerolog key names are package globals. Only init writes them.
func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Field adds one key to an event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field           { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field          { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field      { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field    { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Float64(k string, v float64) Field  { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Bool(k string, v bool) Field        { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Time(k string, v time.Time) Field   { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field          { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a value-type structured logger. A Logger obtained from a Service
// follows Service.Apply. The zero value discards everything.
type Logger struct {
	svc    *Service
	zl     *zerolog.Logger
	fields []Field
}

func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{zl: &zl}
}

// NewConsole is for tools that run without a Service.
func NewConsole(level string) Logger {
	zl := newRoot(newConsoleWriter(os.Stdout), level)
	return Logger{zl: &zl}
}

// NewWriter writes JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	zl := newRoot(w, level)
	return Logger{zl: &zl}
}

func newRoot(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

func (l Logger) IsZero() bool { return l.svc == nil && l.zl == nil && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	var zl zerolog.Logger
	switch {
	case l.svc != nil:
		zl = l.svc.current()
	case l.zl != nil:
		zl = *l.zl
	default:
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// emit is always two frames below the caller of Info/Warn/...
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
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
	return def
}
