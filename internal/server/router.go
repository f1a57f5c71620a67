package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manifest-network/aptfeed/internal/feed"
	"github.com/manifest-network/aptfeed/internal/metrics"
)

// FeedViewer exposes the current windows.
type FeedViewer interface {
	View() feed.View
}

// NewRouter returns the read-only API over f.
func NewRouter(f FeedViewer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), requestMetrics())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connected": f.View().IsConnected})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.GET("/feed", func(c *gin.Context) {
			c.JSON(http.StatusOK, f.View())
		})
		api.GET("/blocks", func(c *gin.Context) {
			limit, ok := parseLimit(c)
			if !ok {
				return
			}
			c.JSON(http.StatusOK, truncate(f.View().Blocks, limit))
		})
		api.GET("/transactions", func(c *gin.Context) {
			limit, ok := parseLimit(c)
			if !ok {
				return
			}
			c.JSON(http.StatusOK, truncate(f.View().Transactions, limit))
		})
	}

	return r
}

// parseLimit reads the optional limit query parameter. 0 means no limit.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return limit, true
}

func truncate[T any](items []T, limit int) []T {
	if items == nil {
		items = []T{}
	}
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
