package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "192.0.2.1", RequestRemoteIP(r.Context()))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func rejectHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})
}

func TestMiddleware_ValidToken(t *testing.T) {
	handler := Middleware("s3cret", testLogger())(okHandler(t))

	req := httptest.NewRequest("GET", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wwwAuth string
	}{
		{"missing", "", wwwAuthNoToken},
		{"non bearer", "Basic dXNlcjpwYXNz", wwwAuthNoToken},
		{"wrong token", "Bearer guess", wwwAuthInvalid},
		{"prefix of token", "Bearer s3c", wwwAuthInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Middleware("s3cret", testLogger())(rejectHandler(t))

			req := httptest.NewRequest("GET", "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.wwwAuth, rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestMiddleware_EmptyTokenDisablesCheck(t *testing.T) {
	handler := Middleware("", testLogger())(okHandler(t))

	req := httptest.NewRequest("GET", "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
