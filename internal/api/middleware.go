package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"brainlytree.dev/moldwatch/pkg/metrics"
)

// metricsMiddleware observes every request by route template, so path
// parameters do not explode the label cardinality.
func metricsMiddleware(m *metrics.APIMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		m.RequestsInFlight.WithLabelValues(route).Inc()
		start := time.Now()

		c.Next()

		m.RequestsInFlight.WithLabelValues(route).Dec()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
