package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mchmarny/cardscore/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	logging.SetDefaultCLILogger("error")
	goleak.VerifyTestMain(m)
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) *T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return &v
}

func TestEncode(t *testing.T) {
	v := map[string]int{"count": 2}

	var buf bytes.Buffer
	require.NoError(t, encode(&buf, formatJSON, v))
	assert.JSONEq(t, `{"count": 2}`, buf.String())

	buf.Reset()
	require.NoError(t, encode(&buf, formatYAML, v))
	assert.Equal(t, "count: 2\n", buf.String())
}

func TestNewAppCommands(t *testing.T) {
	app := newApp()
	names := make(map[string]bool)
	for _, c := range app.Commands {
		names[c.Name] = true
	}
	for _, n := range []string{"server", "rank", "detect", "model", "history", "auth", "config", "reset"} {
		assert.True(t, names[n], n)
	}
}
