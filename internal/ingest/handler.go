package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/lineage"
	"brainlytree.dev/moldwatch/internal/schedule"
	"brainlytree.dev/moldwatch/internal/session"
	"brainlytree.dev/moldwatch/internal/store"
	"brainlytree.dev/moldwatch/pkg/metrics"
)

// ReadingEvaluator checks a fresh telemetry reading against the alert
// thresholds. Evaluation failures never fail the wake.
type ReadingEvaluator interface {
	EvaluateReading(ctx context.Context, lin *lineage.Context, payload *store.WakePayload) error
}

// WakeRequest is one inbound device wake.
type WakeRequest struct {
	DeviceRef  string
	CapturedAt time.Time
	ImageName  string
	Telemetry  map[string]float64
}

// WakeResult identifies the rows a wake produced.
type WakeResult struct {
	SessionID uint  `json:"session_id"`
	PayloadID uint  `json:"payload_id"`
	ImageID   *uint `json:"image_id,omitempty"`
	Overage   bool  `json:"overage"`
}

// HandlerConfig holds the configuration for the Handler.
type HandlerConfig struct {
	Logger   *slog.Logger
	DB       *gorm.DB
	Resolver *lineage.Resolver
	Sessions *session.Manager
	Alerts   ReadingEvaluator // optional
	Battery  schedule.BatteryPolicy
	Metrics  *metrics.IngestMetrics // optional
}

// Handler ingests wake events: lineage → session → window inference →
// canonical wake-payload row. The payload is complete the moment the device
// transmits; image completion is tracked separately on the image row.
type Handler struct {
	logger   *slog.Logger
	db       *gorm.DB
	resolver *lineage.Resolver
	sessions *session.Manager
	alerts   ReadingEvaluator
	battery  schedule.BatteryPolicy
	metrics  *metrics.IngestMetrics
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg *HandlerConfig) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("handler config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("lineage resolver cannot be nil")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session manager cannot be nil")
	}

	battery := cfg.Battery
	if battery.FullVolts <= battery.EmptyVolts {
		battery = schedule.DefaultBatteryPolicy()
	}

	return &Handler{
		logger:   cfg.Logger,
		db:       cfg.DB,
		resolver: cfg.Resolver,
		sessions: cfg.Sessions,
		alerts:   cfg.Alerts,
		battery:  battery,
		metrics:  cfg.Metrics,
	}, nil
}

// HandleWake processes one wake event. Overage wakes are accepted and
// flagged, never rejected; a device waking off-schedule must not lose data.
func (h *Handler) HandleWake(ctx context.Context, req *WakeRequest) (*WakeResult, error) {
	if req == nil {
		return nil, errors.New("wake request cannot be nil")
	}
	if req.CapturedAt.IsZero() {
		return nil, errors.New("captured_at cannot be zero")
	}

	lin, err := h.resolver.Resolve(ctx, req.DeviceRef)
	if err != nil {
		if h.metrics != nil {
			h.metrics.WakeErrors.WithLabelValues("lineage").Inc()
		}
		return nil, err
	}

	sess, err := h.sessions.GetOrCreate(ctx, lin.Site, lin.Location, req.CapturedAt, true)
	if err != nil {
		if h.metrics != nil {
			h.metrics.WakeErrors.WithLabelValues("session").Inc()
		}
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	localAt := req.CapturedAt.In(lin.Location)
	windowIndex, overage := lin.Schedule.Infer(localAt)
	if overage {
		h.logger.Warn("wake outside expected schedule bucket, accepting",
			"device", lin.Device.DeviceCode,
			"captured_at", req.CapturedAt,
			"window_index", windowIndex,
		)
		if h.metrics != nil {
			h.metrics.WakeOverages.Inc()
		}
	}

	payload := &store.WakePayload{
		DeviceID:        lin.Device.ID,
		SessionID:       sess.ID,
		CapturedAt:      req.CapturedAt.UTC(),
		WakeWindowIndex: windowIndex,
		Overage:         overage,
		PayloadStatus:   "complete",
		TemperatureC:    req.Telemetry[KeyTemperature],
		Humidity:        req.Telemetry[KeyHumidity],
		PressureHPa:     req.Telemetry[KeyPressure],
		GasOhms:         req.Telemetry[KeyGas],
		BatteryVolts:    req.Telemetry[KeyBattery],
		SignalDBM:       req.Telemetry[KeySignal],
	}
	payload.BatteryPercent = h.battery.Percent(payload.BatteryVolts)

	var imageID *uint
	if req.ImageName != "" {
		image, err := h.ensureImage(ctx, lin, sess.ID, req.ImageName, req.CapturedAt)
		if err != nil {
			if h.metrics != nil {
				h.metrics.WakeErrors.WithLabelValues("persist").Inc()
			}
			return nil, err
		}
		imageID = &image.ID
		payload.ImageID = imageID
	}

	if err := h.db.WithContext(ctx).Create(payload).Error; err != nil {
		if h.metrics != nil {
			h.metrics.WakeErrors.WithLabelValues("persist").Inc()
		}
		return nil, fmt.Errorf("failed to create wake payload: %w", err)
	}

	if err := h.updateDeviceRollup(ctx, lin, payload, localAt); err != nil {
		// Rollup is derived state; the wake itself already succeeded.
		h.logger.Error("failed to update device rollup",
			"device", lin.Device.DeviceCode,
			"error", err,
		)
	}

	if h.alerts != nil {
		if err := h.alerts.EvaluateReading(ctx, lin, payload); err != nil {
			h.logger.Error("alert evaluation failed",
				"device", lin.Device.DeviceCode,
				"error", err,
			)
		}
	}

	if h.metrics != nil {
		h.metrics.WakesTotal.WithLabelValues("success").Inc()
	}

	h.logger.Info("wake ingested",
		"device", lin.Device.DeviceCode,
		"session_id", sess.ID,
		"window_index", windowIndex,
		"overage", overage,
	)

	return &WakeResult{
		SessionID: sess.ID,
		PayloadID: payload.ID,
		ImageID:   imageID,
		Overage:   overage,
	}, nil
}

// ensureImage fetches or creates the image row for (device, name) in
// receiving state. The unique index keeps retransmitted wake messages from
// creating duplicates.
func (h *Handler) ensureImage(ctx context.Context, lin *lineage.Context, sessionID uint, imageName string, capturedAt time.Time) (*store.DeviceImage, error) {
	image := &store.DeviceImage{
		DeviceID:   lin.Device.ID,
		ImageName:  imageName,
		SessionID:  &sessionID,
		CapturedAt: capturedAt.UTC(),
		Status:     store.ImageReceiving,
	}

	err := h.db.WithContext(ctx).
		Where("device_id = ? AND image_name = ?", lin.Device.ID, imageName).
		FirstOrCreate(image).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure image record: %w", err)
	}
	return image, nil
}

func (h *Handler) updateDeviceRollup(ctx context.Context, lin *lineage.Context, payload *store.WakePayload, localAt time.Time) error {
	next := lin.Schedule.Next(localAt).UTC()
	seen := payload.CapturedAt

	return h.db.WithContext(ctx).
		Model(&store.Device{}).
		Where("id = ?", lin.Device.ID).
		Updates(map[string]interface{}{
			"last_seen_at":    &seen,
			"next_wake_at":    &next,
			"battery_volts":   payload.BatteryVolts,
			"battery_percent": payload.BatteryPercent,
		}).Error
}
