package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/alerts"
	"brainlytree.dev/moldwatch/internal/cascade"
	"brainlytree.dev/moldwatch/internal/ingest"
	"brainlytree.dev/moldwatch/internal/lineage"
	"brainlytree.dev/moldwatch/internal/review"
	"brainlytree.dev/moldwatch/internal/session"
	"brainlytree.dev/moldwatch/internal/snapshot"
	"brainlytree.dev/moldwatch/pkg/metrics"
)

type handlers struct {
	logger    *slog.Logger
	db        *gorm.DB
	ingestor  WakeIngestor
	retrier   ImageRetrier
	scores    ScoreSink
	alerts    AlertService
	snapshots SnapshotBuilder
	review    ReviewService
}

func (h *handlers) register(engine *gin.Engine) {
	engine.GET("/healthz", h.healthz)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/wakes", h.postWake)
		v1.POST("/images/retry", h.postImageRetry)
		v1.POST("/scores", h.postScore)

		v1.GET("/alerts", h.getAlerts)
		v1.POST("/alerts/:id/resolve", h.postAlertResolve)
		v1.GET("/sessions/:id/snapshots/:wake", h.getSnapshot)
		v1.GET("/devices/:id/thresholds", h.getThresholds)

		v1.GET("/review/queue", h.getReviewQueue)
		v1.POST("/review/flag", h.postReviewFlag)
		v1.POST("/review/override", h.postReviewOverride)
		v1.POST("/review/bulk", h.postReviewBulk)
		v1.GET("/review/export/:imageID", h.getReviewExport)
	}
}

func (h *handlers) healthz(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps domain errors onto HTTP statuses.
func (h *handlers) fail(c *gin.Context, err error) {
	var linErr *lineage.LineageError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lineage.ErrDeviceNotFound),
		errors.Is(err, review.ErrImageNotFound),
		errors.Is(err, snapshot.ErrSessionNotFound),
		errors.Is(err, alerts.ErrAlertNotFound),
		errors.Is(err, ingest.ErrImageNotFound):
		status = http.StatusNotFound
	case errors.As(err, &linErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrConflict),
		errors.Is(err, cascade.ErrImageNotScorable),
		errors.Is(err, review.ErrNotScored):
		status = http.StatusConflict
	case errors.Is(err, cascade.ErrInvalidScore):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type wakeBody struct {
	DeviceID   string             `json:"device_id" binding:"required"`
	CapturedAt time.Time          `json:"captured_at" binding:"required"`
	ImageName  string             `json:"image_name"`
	Telemetry  map[string]float64 `json:"telemetry"`
}

func (h *handlers) postWake(c *gin.Context) {
	var body wakeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.ingestor.HandleWake(c.Request.Context(), &ingest.WakeRequest{
		DeviceRef:  body.DeviceID,
		CapturedAt: body.CapturedAt,
		ImageName:  body.ImageName,
		Telemetry:  body.Telemetry,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

type retryBody struct {
	DeviceID  string `json:"device_id" binding:"required"`
	ImageName string `json:"image_name" binding:"required"`
	ImageURL  string `json:"image_url"`
}

func (h *handlers) postImageRetry(c *gin.Context) {
	var body retryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	image, err := h.retrier.Retry(c.Request.Context(), body.DeviceID, body.ImageName, body.ImageURL)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image_id":    image.ID,
		"status":      image.Status,
		"retry_count": image.RetryCount,
		"captured_at": image.CapturedAt,
	})
}

type scoreBody struct {
	ImageID    uint     `json:"image_id" binding:"required"`
	Score      *float64 `json:"score" binding:"required"`
	Confidence float64  `json:"confidence"`
}

func (h *handlers) postScore(c *gin.Context) {
	var body scoreBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	image, err := h.scores.OnScore(c.Request.Context(), body.ImageID, *body.Score, body.Confidence)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image_id": image.ID,
		"score":    image.Score,
		"velocity": image.Velocity,
		"speed":    image.Speed,
	})
}

func (h *handlers) getAlerts(c *gin.Context) {
	filter := alertFilter{
		Severity: c.Query("severity"),
		Category: c.Query("category"),
	}
	filter.IncludeResolved = c.Query("include_resolved") == "true"
	if v := c.Query("site_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid site_id"})
			return
		}
		siteID := uint(id)
		filter.SiteID = &siteID
	}
	if v := c.Query("device_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device_id"})
			return
		}
		deviceID := uint(id)
		filter.DeviceID = &deviceID
	}

	views, err := listAlerts(c.Request.Context(), h.db, filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": views, "count": len(views)})
}

type resolveBody struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
	Notes      string `json:"notes"`
}

func (h *handlers) postAlertResolve(c *gin.Context) {
	alertID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.alerts.Resolve(c.Request.Context(), alertID, body.ResolvedBy, body.Notes); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert_id": alertID, "resolved": true})
}

func (h *handlers) getSnapshot(c *gin.Context) {
	sessionID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	wake, err := strconv.Atoi(c.Param("wake"))
	if err != nil || wake < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wake number"})
		return
	}

	snap, err := h.snapshots.Build(c.Request.Context(), sessionID, wake)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) getThresholds(c *gin.Context) {
	deviceID, ok := uintParam(c, "id")
	if !ok {
		return
	}

	cfg, err := h.alerts.ThresholdsFor(c.Request.Context(), deviceID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if cfg == nil {
		c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "configured": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id":       deviceID,
		"configured":      true,
		"device_override": cfg.DeviceID != nil,
		"thresholds":      cfg,
	})
}

func (h *handlers) getReviewQueue(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	items, err := h.review.PendingItems(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

type flagBody struct {
	ImageID uint   `json:"image_id" binding:"required"`
	Actor   string `json:"actor" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *handlers) postReviewFlag(c *gin.Context) {
	var body flagBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.review.Flag(c.Request.Context(), body.ImageID, body.Actor, body.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

type overrideBody struct {
	ImageID uint     `json:"image_id" binding:"required"`
	Score   *float64 `json:"score" binding:"required"`
	Actor   string   `json:"actor" binding:"required"`
	Notes   string   `json:"notes"`
}

func (h *handlers) postReviewOverride(c *gin.Context) {
	var body overrideBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.review.Override(c.Request.Context(), body.ImageID, *body.Score, body.Actor, body.Notes); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"image_id": body.ImageID, "overridden": true})
}

type bulkBody struct {
	ImageIDs []uint   `json:"image_ids" binding:"required"`
	Score    *float64 `json:"score" binding:"required"`
	Actor    string   `json:"actor" binding:"required"`
	Notes    string   `json:"notes"`
}

func (h *handlers) postReviewBulk(c *gin.Context) {
	var body bulkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	failures := h.review.BulkOverride(c.Request.Context(), body.ImageIDs, *body.Score, body.Actor, body.Notes)
	failed := make(map[uint]string, len(failures))
	for id, err := range failures {
		failed[id] = err.Error()
	}
	c.JSON(http.StatusOK, gin.H{
		"requested": len(body.ImageIDs),
		"succeeded": len(body.ImageIDs) - len(failed),
		"failed":    failed,
	})
}

func (h *handlers) getReviewExport(c *gin.Context) {
	imageID, ok := uintParam(c, "imageID")
	if !ok {
		return
	}
	actor := c.Query("actor")
	if actor == "" {
		actor = "anonymous"
	}

	entries, err := h.review.LogExport(c.Request.Context(), imageID, actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"image_id": imageID, "entries": entries})
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}
