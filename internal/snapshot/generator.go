// Package snapshot renders the site view for one wake window of a session.
// Devices that missed the window carry their last observation forward so the
// view is always fully populated, with freshness marked per value.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/store"
)

// Freshness markers for carried values.
const (
	FreshnessFresh   = "fresh"
	FreshnessCarried = "carried_forward"
)

// ErrSessionNotFound is returned when the session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Measurement is one observed value with its carry-forward provenance.
// A nil Measurement means the device has no history at all for the field.
type Measurement struct {
	Value float64 `json:"value"`
	// IsCurrent is true when the value came from this exact wake window.
	IsCurrent     bool   `json:"is_current"`
	DataFreshness string `json:"data_freshness"`
	// HoursSinceLast is how stale the value is at snapshot time, never
	// negative.
	HoursSinceLast float64 `json:"hours_since_last"`
}

// DeviceSnapshot is one device's state at the wake window. The score is
// carried forward under the same freshness rules as the telemetry fields.
type DeviceSnapshot struct {
	DeviceID       uint         `json:"device_id"`
	DeviceCode     string       `json:"device_code"`
	Temperature    *Measurement `json:"temperature"`
	Humidity       *Measurement `json:"humidity"`
	Pressure       *Measurement `json:"pressure"`
	GasResistance  *Measurement `json:"gas_resistance"`
	BatteryPercent *Measurement `json:"battery_percent"`
	SignalDBM      *Measurement `json:"signal_dbm"`
	Score          *Measurement `json:"score"`
	Velocity       *float64     `json:"velocity,omitempty"`
}

// ImageSummary is one image captured during the session.
type ImageSummary struct {
	ImageID    uint      `json:"image_id"`
	DeviceID   uint      `json:"device_id"`
	ImageName  string    `json:"image_name"`
	CapturedAt time.Time `json:"captured_at"`
	Status     string    `json:"status"`
	StorageURL string    `json:"storage_url,omitempty"`
	Score      *float64  `json:"score,omitempty"`
}

// AlertSummary is one unresolved alert on a site device.
type AlertSummary struct {
	AlertID    uint      `json:"alert_id"`
	DeviceID   uint      `json:"device_id"`
	AlertType  string    `json:"alert_type"`
	Category   string    `json:"category"`
	Severity   string    `json:"severity"`
	MeasuredAt time.Time `json:"measured_at"`
}

// SiteSnapshot is the full rendered view.
type SiteSnapshot struct {
	SessionID   uint             `json:"session_id"`
	SiteID      uint             `json:"site_id"`
	SessionDate string           `json:"session_date"`
	WakeNumber  int              `json:"wake_number"`
	GeneratedAt time.Time        `json:"generated_at"`
	Devices     []DeviceSnapshot `json:"devices"`
	Images      []ImageSummary   `json:"images"`
	Alerts      []AlertSummary   `json:"alerts"`
}

// GeneratorConfig holds the configuration for the Generator.
type GeneratorConfig struct {
	Logger *slog.Logger
	DB     *gorm.DB
}

// Generator builds site snapshots.
type Generator struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewGenerator creates a new Generator instance.
func NewGenerator(cfg *GeneratorConfig) (*Generator, error) {
	if cfg == nil {
		return nil, errors.New("generator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &Generator{logger: cfg.Logger, db: cfg.DB}, nil
}

// Build renders the snapshot for one wake window of a session. The snapshot
// reference time is the window observation when a device reported, or the
// session clock otherwise; carried values measure staleness against it.
func (g *Generator) Build(ctx context.Context, sessionID uint, wakeNumber int) (*SiteSnapshot, error) {
	var session store.SiteDeviceSession
	if err := g.db.WithContext(ctx).First(&session, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %d: %w", sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to fetch session %d: %w", sessionID, err)
	}
	if wakeNumber < 1 {
		return nil, fmt.Errorf("wake number must be positive, got %d", wakeNumber)
	}

	asOf := time.Now().UTC()
	if session.EndsAt.Before(asOf) {
		asOf = session.EndsAt
	}

	var devices []store.Device
	err := g.db.WithContext(ctx).
		Where("site_id = ? AND active = ?", session.SiteID, true).
		Order("device_code asc").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list site devices: %w", err)
	}

	snap := &SiteSnapshot{
		SessionID:   session.ID,
		SiteID:      session.SiteID,
		SessionDate: session.SessionDate,
		WakeNumber:  wakeNumber,
		GeneratedAt: time.Now().UTC(),
		Devices:     make([]DeviceSnapshot, 0, len(devices)),
	}

	deviceIDs := make([]uint, 0, len(devices))
	for i := range devices {
		ds, err := g.deviceSnapshot(ctx, &devices[i], session.ID, wakeNumber, asOf)
		if err != nil {
			return nil, err
		}
		snap.Devices = append(snap.Devices, *ds)
		deviceIDs = append(deviceIDs, devices[i].ID)
	}

	if len(deviceIDs) > 0 {
		if snap.Images, err = g.sessionImages(ctx, session.ID); err != nil {
			return nil, err
		}
		if snap.Alerts, err = g.openAlerts(ctx, deviceIDs); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (g *Generator) deviceSnapshot(ctx context.Context, device *store.Device, sessionID uint, wakeNumber int, asOf time.Time) (*DeviceSnapshot, error) {
	ds := &DeviceSnapshot{
		DeviceID:   device.ID,
		DeviceCode: device.DeviceCode,
	}

	// A non-overage payload in this exact window means the device is fresh.
	var current store.WakePayload
	err := g.db.WithContext(ctx).
		Where("device_id = ? AND session_id = ? AND wake_window_index = ? AND overage = ?",
			device.ID, sessionID, wakeNumber, false).
		Order("captured_at desc").
		First(&current).Error
	switch {
	case err == nil:
		fillMeasurements(ds, &current, true, current.CapturedAt)
		return ds, g.fillScore(ctx, ds, device.ID, current.ImageID, asOf)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to fetch window payload: %w", err)
	}

	// Carry the last observation forward from any earlier wake.
	var last store.WakePayload
	err = g.db.WithContext(ctx).
		Where("device_id = ? AND captured_at <= ?", device.ID, asOf).
		Order("captured_at desc").
		First(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No payload history: the measurements stay nil, but an older
		// scored image may still exist.
	case err != nil:
		return nil, fmt.Errorf("failed to fetch carried payload: %w", err)
	default:
		fillMeasurements(ds, &last, false, asOf)
	}
	return ds, g.fillScore(ctx, ds, device.ID, nil, asOf)
}

// fillScore applies the carry-forward rules to the growth score. A scored
// image captured in this window is fresh; otherwise the most recent prior
// scored image is carried with its staleness; no scored image leaves the
// field nil.
func (g *Generator) fillScore(ctx context.Context, ds *DeviceSnapshot, deviceID uint, windowImageID *uint, asOf time.Time) error {
	if windowImageID != nil {
		var image store.DeviceImage
		err := g.db.WithContext(ctx).First(&image, *windowImageID).Error
		switch {
		case err == nil && image.Score != nil:
			ds.Score = &Measurement{
				Value:         *image.Score,
				IsCurrent:     true,
				DataFreshness: FreshnessFresh,
			}
			ds.Velocity = image.Velocity
			return nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to fetch window image: %w", err)
		}
		// The window image exists but is not scored yet; fall back to the
		// last scored one.
	}

	var image store.DeviceImage
	err := g.db.WithContext(ctx).
		Where("device_id = ? AND score IS NOT NULL AND captured_at <= ?", deviceID, asOf).
		Order("captured_at desc").
		First(&image).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch carried score: %w", err)
	}

	hours := asOf.Sub(image.CapturedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	ds.Score = &Measurement{
		Value:          *image.Score,
		IsCurrent:      false,
		DataFreshness:  FreshnessCarried,
		HoursSinceLast: hours,
	}
	ds.Velocity = image.Velocity
	return nil
}

func fillMeasurements(ds *DeviceSnapshot, payload *store.WakePayload, current bool, asOf time.Time) {
	hours := asOf.Sub(payload.CapturedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	mk := func(v float64) *Measurement {
		m := &Measurement{
			Value:          v,
			IsCurrent:      current,
			DataFreshness:  FreshnessCarried,
			HoursSinceLast: hours,
		}
		if current {
			m.DataFreshness = FreshnessFresh
			m.HoursSinceLast = 0
		}
		return m
	}
	ds.Temperature = mk(payload.TemperatureC)
	ds.Humidity = mk(payload.Humidity)
	ds.Pressure = mk(payload.PressureHPa)
	ds.GasResistance = mk(payload.GasOhms)
	ds.BatteryPercent = mk(payload.BatteryPercent)
	ds.SignalDBM = mk(payload.SignalDBM)
}

func (g *Generator) sessionImages(ctx context.Context, sessionID uint) ([]ImageSummary, error) {
	var images []store.DeviceImage
	err := g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("captured_at asc").
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list session images: %w", err)
	}

	out := make([]ImageSummary, 0, len(images))
	for _, img := range images {
		out = append(out, ImageSummary{
			ImageID:    img.ID,
			DeviceID:   img.DeviceID,
			ImageName:  img.ImageName,
			CapturedAt: img.CapturedAt,
			Status:     img.Status,
			StorageURL: img.StorageURL,
			Score:      img.Score,
		})
	}
	return out, nil
}

func (g *Generator) openAlerts(ctx context.Context, deviceIDs []uint) ([]AlertSummary, error) {
	var alerts []store.DeviceAlert
	err := g.db.WithContext(ctx).
		Where("device_id IN ? AND resolved_at IS NULL", deviceIDs).
		Order("created_at desc").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}

	out := make([]AlertSummary, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, AlertSummary{
			AlertID:    a.ID,
			DeviceID:   a.DeviceID,
			AlertType:  a.AlertType,
			Category:   a.Category,
			Severity:   a.Severity,
			MeasuredAt: a.MeasuredAt,
		})
	}
	return out, nil
}
