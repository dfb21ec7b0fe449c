package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerHandler(t *testing.T) {
	tests := []struct {
		name   string
		format string
		json   bool
	}{
		{"text default", "", false},
		{"text", "text", false},
		{"json", "json", true},
		{"json upper", "JSON", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(NewServerHandler(&buf, "info", tt.format))
			logger.Info("request", "path", "/detect", "status", 200)

			if tt.json {
				var m map[string]any
				require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
				assert.Equal(t, "request", m["msg"])
				assert.Equal(t, "/detect", m["path"])
				return
			}
			assert.Contains(t, buf.String(), "msg=request")
			assert.Contains(t, buf.String(), "path=/detect")
		})
	}
}

func TestNewServerHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewServerHandler(&buf, "warn", "text"))
	logger.Info("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
