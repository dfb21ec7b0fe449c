package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewServerHandler returns a structured handler for long running servers.
// Format "json" selects slog.JSONHandler; anything else is text.
func NewServerHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetDefaultServerLogger installs a server handler writing to stdout.
func SetDefaultServerLogger(level, format string) {
	slog.SetDefault(slog.New(NewServerHandler(os.Stdout, level, format)))
}
