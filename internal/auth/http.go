// ABOUTME: Echo middleware enforcing bearer-token auth on the control API.
// ABOUTME: Verified subjects are attached to the request context for handlers and logs.

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// extractBearerToken returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", "invalid authorization header format"
	}
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware rejects requests without a valid bearer token. Paths listed in
// skip (exact match) pass through unauthenticated.
func Middleware(verifier TokenVerifier, skip ...string) echo.MiddlewareFunc {
	open := make(map[string]bool, len(skip))
	for _, p := range skip {
		open[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if open[c.Request().URL.Path] {
				return next(c)
			}

			token, errMsg := extractBearerToken(c.Request().Header.Get("Authorization"))
			if errMsg != "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": errMsg})
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": msg})
			}

			req := c.Request()
			c.SetRequest(req.WithContext(WithSubject(req.Context(), subject)))
			return next(c)
		}
	}
}
