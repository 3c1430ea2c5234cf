// Package logging builds the console logger used by the binaries and adapts
// zerolog to the acksocket.Logger interface.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger that accepts slog-style key/value pairs.
type Logger struct {
	zl zerolog.Logger
}

// New returns a console logger writing to w at the given level. An unknown
// level falls back to info and is reported through the new logger.
func New(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "2006-01-02 15:04:05",
	}

	l := &Logger{
		zl: zerolog.New(consoleWriter).Level(lvl).With().Timestamp().Logger(),
	}
	if err != nil {
		l.Warn("unknown log level, using info", "level", level)
	}
	return l
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

func (l *Logger) Debug(msg string, args ...any) { emit(l.zl.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { emit(l.zl.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { emit(l.zl.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { emit(l.zl.Error(), msg, args) }

// emit attaches key/value pairs to e. Errors and Stringers are rendered as
// text; an odd trailing value is kept under "!BADKEY" like slog does.
func emit(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			e = e.Interface("!BADKEY", args[i])
			break
		}
		key := fmt.Sprint(args[i])
		switch v := args[i+1].(type) {
		case error:
			if key == zerolog.ErrorFieldName {
				e = e.Err(v)
			} else {
				e = e.AnErr(key, v)
			}
		case time.Duration:
			e = e.Dur(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case int64:
			e = e.Int64(key, v)
		case bool:
			e = e.Bool(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
