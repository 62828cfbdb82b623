package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// quietRoutes are polled by probes and scrapers; they log at debug level.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// StatusMiddleware logs every status server request on logger and records
// its count and latency under node.
func StatusMiddleware(node string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		route := routeOf(c)
		RecordHTTPRequest(node, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quietRoutes[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Int("bytes", c.Writer.Size()).
			Msg("status request")
	}
}

// routeOf returns the matched route template, keeping metric labels bounded
// to registered routes. Unmatched requests share one label.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
