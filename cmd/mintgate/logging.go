package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// logSettings selects the handler built by newLogger. Node is empty until
// the configuration has been loaded.
type logSettings struct {
	Level  string
	Format string
	Node   string
	Out    io.Writer
}

// parseLevel accepts the slog level names in any case and falls back to info
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// newLogger builds the process logger. Every record carries the service,
// version and pid, plus the node id once it is known.
func newLogger(s logSettings) *slog.Logger {
	out := s.Out
	if out == nil {
		out = os.Stdout
	}

	level := parseLevel(s.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(s.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	attrs := []any{"service", appName, "version", Version, "pid", os.Getpid()}
	if s.Node != "" {
		attrs = append(attrs, "node", s.Node)
	}
	return slog.New(handler).With(attrs...)
}
