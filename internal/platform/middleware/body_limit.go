package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"github.com/ehr/priorauth/internal/platform/fhir"
)

// Routes with their own body limit, as registered with echo.
const (
	RouteSubmit       = "/fhir/Claim/$submit"
	RouteCancel       = "/fhir/Claim/:id/$cancel"
	RouteSubscription = "/fhir/Subscription"
)

// DefaultBodyLimit applies when no size is configured.
const DefaultBodyLimit = 1 << 20

// BodyLimits caps request bodies per route. Routes without an entry get
// Default.
type BodyLimits struct {
	Default uint64
	Routes  map[string]uint64
}

// ParseBodyLimits builds limits from human-readable sizes such as "10MiB"
// or "64kB". An empty size falls back to the default limit.
func ParseBodyLimits(defaultSize string, routes map[string]string) (BodyLimits, error) {
	limits := BodyLimits{Default: DefaultBodyLimit, Routes: make(map[string]uint64, len(routes))}
	if defaultSize != "" {
		n, err := humanize.ParseBytes(defaultSize)
		if err != nil {
			return BodyLimits{}, fmt.Errorf("default body limit %q: %w", defaultSize, err)
		}
		limits.Default = n
	}
	for route, size := range routes {
		if size == "" {
			continue
		}
		n, err := humanize.ParseBytes(size)
		if err != nil {
			return BodyLimits{}, fmt.Errorf("body limit for %s %q: %w", route, size, err)
		}
		limits.Routes[route] = n
	}
	return limits, nil
}

// For returns the limit of an echo route path.
func (l BodyLimits) For(route string) uint64 {
	if n, ok := l.Routes[route]; ok {
		return n
	}
	return l.Default
}

// BodyLimit buffers each request body up to the limit of its route and
// answers 413 with an OperationOutcome when the body is larger. Bodies
// without a Content-Length are checked as they are read.
func BodyLimit(limits BodyLimits) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			route := c.Path()
			limit := limits.For(route)
			if req.ContentLength > 0 && uint64(req.ContentLength) > limit {
				return payloadTooLarge(c, route, limit)
			}

			body, err := io.ReadAll(io.LimitReader(req.Body, int64(limit)+1))
			req.Body.Close()
			if err != nil {
				return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body"))
			}
			if uint64(len(body)) > limit {
				return payloadTooLarge(c, route, limit)
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
			return next(c)
		}
	}
}

func payloadTooLarge(c echo.Context, route string, limit uint64) error {
	if route == "" {
		route = c.Request().URL.Path
	}
	outcome := fhir.NewOperationOutcome(fhir.IssueSeverityError, "too-costly",
		fmt.Sprintf("%s %s accepts bodies up to %s", c.Request().Method, route, humanize.IBytes(limit)))
	return c.JSON(http.StatusRequestEntityTooLarge, outcome)
}
