// ABOUTME: Tests for the bearer-token echo middleware.

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*echo.Echo, *JWTVerifier) {
	t.Helper()
	v := NewJWTVerifier(testSecret)
	e := echo.New()
	e.Use(Middleware(v, "/health"))
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, SubjectFrom(c.Request().Context()))
	})
	return e, v
}

func TestMiddleware(t *testing.T) {
	e, v := newTestServer(t)
	good, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)
	expired, err := v.Generate("alice", -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		header   string
		wantCode int
		wantBody string
	}{
		{"valid token", "/whoami", "Bearer " + good, http.StatusOK, "alice"},
		{"missing header", "/whoami", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", "/whoami", "Basic abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"empty token", "/whoami", "Bearer ", http.StatusUnauthorized, "empty token"},
		{"bad token", "/whoami", "Bearer nope", http.StatusUnauthorized, "invalid token"},
		{"expired", "/whoami", "Bearer " + expired, http.StatusUnauthorized, "token expired"},
		{"open path", "/health", "", http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestSubjectFromEmptyContext(t *testing.T) {
	assert.Empty(t, SubjectFrom(context.Background()))
	assert.Equal(t, "bob", SubjectFrom(WithSubject(context.Background(), "bob")))
}
