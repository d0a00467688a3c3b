package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultSensitiveKeys are attribute keys masked in every output.
var DefaultSensitiveKeys = []string{"token", "secret", "password", "dsn", "api_key"}

// Options defines parameters for logger creation.
type Options struct {
	Env          string
	ConsoleLevel string    // Level for console output (default: info)
	FileLevel    string    // Level for file output (default: debug)
	File         string    // Rotated JSON log file, disabled when empty
	App          string
	Console      io.Writer // Console destination (default: os.Stdout)
}

// New creates the process logger: a tint console handler and, when File is
// set, a JSON handler writing through lumberjack. The returned function
// closes the file writer and is safe to call when there is none.
func New(o Options) (*slog.Logger, func() error) {
	console := o.Console
	if console == nil {
		console = os.Stdout
	}

	timeFormat := time.RFC3339
	if o.Env == "dev" {
		timeFormat = time.Kitchen
	}
	handlers := []slog.Handler{
		NewRedactingHandler(
			tint.NewHandler(console, &tint.Options{
				Level:      levelFromString(o.ConsoleLevel, slog.LevelInfo),
				TimeFormat: timeFormat,
			}),
			DefaultSensitiveKeys,
		),
	}

	closer := func() error { return nil }
	if o.File != "" {
		w := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		closer = w.Close
		handlers = append(handlers, NewRedactingHandler(
			slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelFromString(o.FileLevel, slog.LevelDebug)}),
			DefaultSensitiveKeys,
		))
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = NewMultiHandler(handlers...)
	}

	l := slog.New(h).With(
		slog.String("app", o.App),
		slog.String("env", o.Env),
	)
	return l, closer
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func levelFromString(s string, def slog.Level) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return def
	}
}
