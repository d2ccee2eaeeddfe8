package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

var apiHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
}

// SecurityHeaders sets the headers every API response carries. Claim,
// ClaimResponse and Subscription resources and the notification socket
// carry PHI, so those responses are marked uncacheable. HSTS is only sent
// when hsts is set, which the server does in production.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for name, value := range apiHeaders {
				h.Set(name, value)
			}
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			if carriesPHI(c.Request().URL.Path) {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
			}
			return next(c)
		}
	}
}

func carriesPHI(path string) bool {
	return strings.HasPrefix(path, "/fhir/") || path == "/ws" || strings.HasPrefix(path, "/ws/")
}
