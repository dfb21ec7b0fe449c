package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(buf *bytes.Buffer, level slog.Level, color bool) *CLIHandler {
	h := NewCLIHandler(buf, level)
	h.color = color
	return h
}

func TestCLIHandlerLevels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(*slog.Logger)
		color string
	}{
		{"debug", func(l *slog.Logger) { l.Debug("msg") }, colorGray},
		{"info", func(l *slog.Logger) { l.Info("msg") }, colorGreen},
		{"warn", func(l *slog.Logger) { l.Warn("msg") }, colorYellow},
		{"error", func(l *slog.Logger) { l.Error("msg") }, colorRed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(slog.New(newTestHandler(&buf, slog.LevelDebug, true)))
			out := buf.String()
			assert.True(t, strings.HasPrefix(out, tt.color), out)
			assert.True(t, strings.HasSuffix(out, colorReset+"\n"), out)
		})
	}
}

func TestCLIHandlerEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newTestHandler(&buf, slog.LevelWarn, false))

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Equal(t, "kept\n", buf.String())
}

func TestCLIHandlerAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newTestHandler(&buf, slog.LevelInfo, false)).
		With("service", "fraud")

	logger.Info("scored", "user", "u 1", "risk", 0.42, "empty", "")

	assert.Equal(t, `scored: service=fraud user="u 1" risk=0.42 empty=""`+"\n", buf.String())
}

func TestCLIHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	h := newTestHandler(&buf, slog.LevelInfo, false)

	require.Same(t, h, h.WithGroup(""))
	require.Same(t, h, h.WithAttrs(nil))

	slog.New(h.WithGroup("server").WithGroup("rank")).Info("started", "port", 8000)
	assert.Equal(t, "[server.rank] started: port=8000\n", buf.String())
}

func TestCLIHandlerWithAttrsIsolated(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(newTestHandler(&buf, slog.LevelInfo, false))
	a := base.With("a", 1)
	_ = base.With("b", 2)

	a.Info("x")
	assert.Equal(t, "x: a=1\n", buf.String())
}

func TestNoColorEnv(t *testing.T) {
	t.Setenv(noColorEnvVar, "1")

	var buf bytes.Buffer
	slog.New(NewCLIHandler(&buf, slog.LevelInfo)).Error("plain")
	assert.Equal(t, "plain\n", buf.String())
}

func TestSetDefaultCLILogger(t *testing.T) {
	orig := slog.Default()
	defer slog.SetDefault(orig)

	SetDefaultCLILogger("error")
	assert.False(t, slog.Default().Enabled(t.Context(), slog.LevelWarn))
	assert.True(t, slog.Default().Enabled(t.Context(), slog.LevelError))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"  debug  ", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.input))
		})
	}
}
