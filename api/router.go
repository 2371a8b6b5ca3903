package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gwc-sys/wildlife-tracking-Client-side/stats"
	"github.com/rs/zerolog/log"
)

// NewRouter wires the handler, the websocket feed and the metrics endpoint
func NewRouter(h *Handler, feed http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/metrics", gin.WrapF(stats.HandleMetrics))
	if feed != nil {
		r.GET("/ws", gin.WrapH(feed))
	}

	devices := r.Group("/api/devices")
	devices.GET("", h.ListDevices)
	devices.GET("/:id/summary", h.GetSummary)
	devices.POST("/:id/observe", h.Observe)
	devices.GET("/:id/:stream/timeline", h.GetTimeline)
	devices.GET("/:id/:stream/current", h.GetCurrent)
	devices.POST("/:id/:stream/backfill", h.Backfill)

	tracking := r.Group("/api/tracking")
	tracking.GET("/:id", h.GetTracking)
	tracking.GET("/:id/sessions", h.ListSessions)
	tracking.POST("/:id/start", h.StartTracking)
	tracking.POST("/:id/stop", h.StopTracking)
	tracking.POST("/:id/save", h.SaveTracking)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	}
}
