package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	h := Middleware([]string{"secret", " other "})(okHandler())

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"no header", http.MethodPost, "/detect", "", http.StatusUnauthorized},
		{"wrong key", http.MethodPost, "/detect", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", http.MethodPost, "/detect", "Basic secret", http.StatusUnauthorized},
		{"empty bearer", http.MethodPost, "/detect", "Bearer ", http.StatusUnauthorized},
		{"valid key", http.MethodPost, "/detect", "Bearer secret", http.StatusOK},
		{"second key trimmed", http.MethodPost, "/rank-batch", "bearer other", http.StatusOK},
		{"health is open", http.MethodGet, "/health", "", http.StatusOK},
		{"preflight is open", http.MethodOptions, "/detect", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), "Missing or invalid API key")
			}
		})
	}
}

func TestMiddlewareWithoutKeys(t *testing.T) {
	h := Middleware([]string{"", "  "})(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/detect", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer abc")
	tok, ok := BearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
}
