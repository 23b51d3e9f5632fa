package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// NewHandler builds the process handler for format "text", "json" or
// "pretty" (colored, for terminals), wrapped in a CorrelationHandler.
func NewHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	var inner slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		inner = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "json":
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "pretty":
		inner = charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			Prefix:          "pipewright",
			Level:           charmlog.Level(level),
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return NewCorrelationHandler(inner), nil
}
