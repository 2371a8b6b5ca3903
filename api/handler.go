package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/gwc-sys/wildlife-tracking-Client-side/metrics"
	"github.com/gwc-sys/wildlife-tracking-Client-side/reconcile"
	"github.com/gwc-sys/wildlife-tracking-Client-side/tracking"
)

// Timelines is the read side of the reconciliation engine
type Timelines interface {
	Timeline(ctx context.Context, deviceID string, stream reconcile.Stream) (reconcile.View, error)
	Backfill(ctx context.Context, deviceID string, stream reconcile.Stream) error
	Devices() []string
	Online() bool
}

// Observer switches the observed device
type Observer interface {
	Switch(deviceID string) error
	Current() string
}

// Tracker runs path tracking sessions
type Tracker interface {
	Start(key string, current *metrics.Point) error
	Stop(key string) error
	Save(ctx context.Context, key string) (tracking.Session, error)
	Tracking(key string) bool
	Path(key string) ([]metrics.Point, bool)
	Sessions(key string) []tracking.Session
}

// SessionArchive lists persisted sessions
type SessionArchive interface {
	ListSessions(ctx context.Context, contextKey string) ([]tracking.Session, error)
}

type Handler struct {
	Timelines Timelines
	Observer  Observer
	Tracker   Tracker
	Archive   SessionArchive // optional
	SpeedUnit metrics.SpeedUnit
	Now       func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// ListDevices
// @Summary Lists every device seen so far and the store connectivity
// @Router /api/devices [get]
func (h *Handler) ListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"devices":  h.Timelines.Devices(),
		"observed": h.Observer.Current(),
		"online":   h.Timelines.Online(),
	})
}

// GetTimeline
// @Summary Returns the reconciled timeline of one device stream
// @Router /api/devices/{id}/{stream}/timeline [get]
func (h *Handler) GetTimeline(c *gin.Context) {
	view, ok := h.view(c, reconcile.Stream(c.Param("stream")))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetCurrent
// @Summary Returns the newest record of one device stream
// @Router /api/devices/{id}/{stream}/current [get]
func (h *Handler) GetCurrent(c *gin.Context) {
	view, ok := h.view(c, reconcile.Stream(c.Param("stream")))
	if !ok {
		return
	}
	if view.Current == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no records yet", "stale": view.Stale})
		return
	}
	c.JSON(http.StatusOK, gin.H{"current": view.Current, "stale": view.Stale})
}

// GetSummary
// @Summary Distance, average speed and freshness of the location timeline
// @Param unit query string false "ms, kmh or mph"
// @Router /api/devices/{id}/summary [get]
func (h *Handler) GetSummary(c *gin.Context) {
	unit := h.SpeedUnit
	if q := c.Query("unit"); q != "" {
		parsed, err := metrics.ParseSpeedUnit(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		unit = parsed
	}
	if unit == "" {
		unit = metrics.KilometersPerHour
	}

	view, ok := h.view(c, reconcile.StreamLocations)
	if !ok {
		return
	}
	now := h.now()
	summary := metrics.Summarize(view.Points(), now, unit)
	if view.Current != nil {
		summary = summary.LastSeen(view.Current.Timestamp, now)
	}
	c.JSON(http.StatusOK, gin.H{
		"device":  view.DeviceID,
		"stale":   view.Stale,
		"summary": summary,
	})
}

// Observe
// @Summary Switches the observed device, cancelling the previous subscriptions
// @Router /api/devices/{id}/observe [post]
func (h *Handler) Observe(c *gin.Context) {
	id := c.Param("id")
	if err := h.Observer.Switch(id); err != nil {
		c.JSON(statusOf(err), gin.H{"error": "Failed to observe device: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "observing", "device": id})
}

// Backfill
// @Summary Merges the last history records of one stream
// @Router /api/devices/{id}/{stream}/backfill [post]
func (h *Handler) Backfill(c *gin.Context) {
	id, stream := c.Param("id"), reconcile.Stream(c.Param("stream"))
	if err := h.Timelines.Backfill(c.Request.Context(), id, stream); err != nil {
		c.JSON(statusOf(err), gin.H{"error": "Backfill failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "backfill queued", "device": id, "stream": stream})
}

// StartTracking
// @Summary Starts a tracking session seeded with the current location
// @Router /api/tracking/{id}/start [post]
func (h *Handler) StartTracking(c *gin.Context) {
	id := c.Param("id")
	seed := h.currentPoint(c.Request.Context(), id)
	if err := h.Tracker.Start(id, seed); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "tracking", "context": id, "seeded": seed != nil})
}

// StopTracking
// @Summary Discards the running path
// @Router /api/tracking/{id}/stop [post]
func (h *Handler) StopTracking(c *gin.Context) {
	id := c.Param("id")
	if err := h.Tracker.Stop(id); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "idle", "context": id})
}

// SaveTracking
// @Summary Saves the running path as a session
// @Router /api/tracking/{id}/save [post]
func (h *Handler) SaveTracking(c *gin.Context) {
	s, err := h.Tracker.Save(c.Request.Context(), c.Param("id"))
	if errors.Is(err, tracking.ErrNotTracking) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"status": "saved", "session": s}
	if err != nil {
		resp["archiveError"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// GetTracking
// @Summary Tracking state and running path of a context
// @Router /api/tracking/{id} [get]
func (h *Handler) GetTracking(c *gin.Context) {
	id := c.Param("id")
	path, running := h.Tracker.Path(id)
	unit := h.SpeedUnit
	if unit == "" {
		unit = metrics.KilometersPerHour
	}
	c.JSON(http.StatusOK, gin.H{
		"context":  id,
		"tracking": running,
		"path":     path,
		"summary":  metrics.Summarize(path, h.now(), unit),
	})
}

// ListSessions
// @Summary Saved sessions of a context; archive=true reads the database
// @Router /api/tracking/{id}/sessions [get]
func (h *Handler) ListSessions(c *gin.Context) {
	id := c.Param("id")
	if c.Query("archive") != "true" {
		c.JSON(http.StatusOK, gin.H{"context": id, "sessions": h.Tracker.Sessions(id)})
		return
	}
	if h.Archive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no session archive configured"})
		return
	}
	sessions, err := h.Archive.ListSessions(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to read archive: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": id, "sessions": sessions})
}

func (h *Handler) view(c *gin.Context, stream reconcile.Stream) (reconcile.View, bool) {
	view, err := h.Timelines.Timeline(c.Request.Context(), c.Param("id"), stream)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return reconcile.View{}, false
	}
	return view, true
}

// currentPoint is the latest real fix of the device, nil when unknown
func (h *Handler) currentPoint(ctx context.Context, deviceID string) *metrics.Point {
	view, err := h.Timelines.Timeline(ctx, deviceID, reconcile.StreamLocations)
	if err != nil || view.Current == nil {
		return nil
	}
	s, ok := view.Current.Record.(*events.LocationSample)
	if !ok || !s.HasFix() {
		return nil
	}
	p := metrics.FromSample(s)
	return &p
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrUnknownDevice), errors.Is(err, reconcile.ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, tracking.ErrAlreadyTracking), errors.Is(err, tracking.ErrNotTracking):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
