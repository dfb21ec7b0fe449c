// Package logging provides the slog handlers used by the cardscore commands
// and servers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"

	noColorEnvVar = "NO_COLOR"
)

// CLIHandler writes one colored line per record. Groups become a
// dotted prefix.
type CLIHandler struct {
	writer io.Writer
	level  slog.Level
	color  bool
	prefix string
	attrs  []slog.Attr
}

// NewCLIHandler creates a handler. Colors are off when NO_COLOR is set.
func NewCLIHandler(w io.Writer, level slog.Level) *CLIHandler {
	_, noColor := os.LookupEnv(noColorEnvVar)
	return &CLIHandler{
		writer: w,
		level:  level,
		color:  !noColor,
	}
}

func (h *CLIHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *CLIHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	if h.prefix != "" {
		sb.WriteString("[" + h.prefix + "] ")
	}
	sb.WriteString(r.Message)

	n := 0
	write := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if n == 0 {
			sb.WriteString(":")
		}
		sb.WriteString(" " + a.Key + "=" + formatValue(a.Value))
		n++
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})

	msg := sb.String()
	if h.color {
		msg = levelColor(r.Level) + msg + colorReset
	}

	_, err := fmt.Fprintln(h.writer, msg)
	return err
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return colorRed
	case l >= slog.LevelWarn:
		return colorYellow
	case l >= slog.LevelInfo:
		return colorGreen
	default:
		return colorGray
	}
}

// formatValue quotes strings that contain spaces.
func formatValue(v slog.Value) string {
	v = v.Resolve()
	if v.Kind() == slog.KindString {
		s := v.String()
		if s == "" || strings.ContainsAny(s, " \t\n\"=") {
			return strconv.Quote(s)
		}
		return s
	}
	return v.String()
}

func (h *CLIHandler) clone() *CLIHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	return &c
}

func (h *CLIHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := h.clone()
	c.attrs = append(c.attrs, attrs...)
	return c
}

func (h *CLIHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	if c.prefix != "" {
		c.prefix += "." + name
	} else {
		c.prefix = name
	}
	return c
}

// NewCLILogger returns a logger writing to stderr.
func NewCLILogger(level string) *slog.Logger {
	return slog.New(NewCLIHandler(os.Stderr, ParseLogLevel(level)))
}

func SetDefaultCLILogger(level string) {
	slog.SetDefault(NewCLILogger(level))
}

// ParseLogLevel converts a string log level to slog.Level.
// Defaults to slog.LevelInfo for unrecognized strings.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
