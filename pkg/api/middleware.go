package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requestTimeout attaches the configured deadline to every request context
// so downstream storage calls inherit it. WebSocket upgrades are exempt —
// the connection outlives any request deadline and has its own per-frame
// write timeout.
func (s *Server) requestTimeout() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			path := c.Request().URL.Path
			if path == "/ws" || path == "/api/v1/ws" {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.RequestTimeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// requireAuth validates the API key when REQUIRE_AUTH is set. Keys are
// accepted from the x-api-key header (LangSmith SDK convention) or an
// Authorization: Bearer token.
func (s *Server) requireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !s.cfg.RequireAuth {
				return next(c)
			}
			key := c.Request().Header.Get("x-api-key")
			if key == "" {
				if auth := c.Request().Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
					key = auth[7:]
				}
			}
			if key == "" || !s.validAPIKey(key) {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid API key")
			}
			return next(c)
		}
	}
}

func (s *Server) validAPIKey(key string) bool {
	ok := false
	for _, valid := range s.cfg.APIKeys {
		// Constant-time over every configured key so timing does not leak
		// which key prefix matched.
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			ok = true
		}
	}
	return ok
}

// rateLimit rejects callers above the configured per-IP rate.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !s.rateLimiter.Allow(c.RealIP()) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
