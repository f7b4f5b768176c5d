package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tune the handler installed by Setup.
type Options struct {
	// Level is the minimum level emitted. Defaults to info.
	Level slog.Level
	// FilePath, when set, tees every line into a rotating log file.
	FilePath string
	// MaxSizeMB and MaxBackups bound the rotated files.
	MaxSizeMB  int
	MaxBackups int
	// Output overrides stdout. Used by tests.
	Output io.Writer
}

// ParseLevel maps debug/info/warn/error onto slog levels, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string, opts Options) (*slog.Logger, io.Closer) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(opts.FilePath); path != "" {
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    positiveOr(opts.MaxSizeMB, 100),
			MaxBackups: positiveOr(opts.MaxBackups, 5),
			Compress:   true,
		}
		out = io.MultiWriter(out, rotating)
		closer = rotating
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: opts.Level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withAttrs := handler.WithAttrs(attrs)

	base := slog.New(withAttrs)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(withAttrs, slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
