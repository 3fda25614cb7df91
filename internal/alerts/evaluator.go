package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/lineage"
	"brainlytree.dev/moldwatch/internal/store"
)

// ErrAlertNotFound is returned when resolving a missing or resolved alert.
var ErrAlertNotFound = errors.New("alert not found or already resolved")

// EvaluatorConfig holds the configuration for the Evaluator.
type EvaluatorConfig struct {
	Logger *slog.Logger
	DB     *gorm.DB
}

// Evaluator runs threshold checks and writes device alerts. Evaluation is
// fail-open: a missing config or a lookup error skips the checks rather
// than blocking ingestion.
type Evaluator struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewEvaluator creates a new Evaluator instance.
func NewEvaluator(cfg *EvaluatorConfig) (*Evaluator, error) {
	if cfg == nil {
		return nil, errors.New("evaluator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &Evaluator{logger: cfg.Logger, db: cfg.DB}, nil
}

// effectiveConfig resolves the threshold config for a device: a device-level
// row wins over the company default; neither means no checks run.
func (e *Evaluator) effectiveConfig(ctx context.Context, companyID, deviceID uint) (*store.AlertThresholdConfig, error) {
	var cfg store.AlertThresholdConfig
	err := e.db.WithContext(ctx).
		Where("company_id = ? AND device_id = ?", companyID, deviceID).
		First(&cfg).Error
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch device threshold config: %w", err)
	}

	err = e.db.WithContext(ctx).
		Where("company_id = ? AND device_id IS NULL", companyID).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch company threshold config: %w", err)
	}
	return &cfg, nil
}

// ThresholdsFor resolves the effective config for a device given only its
// ID. Nil with no error means no thresholds are configured anywhere in the
// device's lineage.
func (e *Evaluator) ThresholdsFor(ctx context.Context, deviceID uint) (*store.AlertThresholdConfig, error) {
	companyID, err := e.companyOf(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return e.effectiveConfig(ctx, companyID, deviceID)
}

// EvaluateReading runs the environmental checks for one wake payload:
// absolute temperature and humidity bounds, intra-session shift, and the
// combination zone.
func (e *Evaluator) EvaluateReading(ctx context.Context, lin *lineage.Context, payload *store.WakePayload) error {
	cfg, err := e.effectiveConfig(ctx, lin.Company.ID, lin.Device.ID)
	if err != nil {
		e.logger.Warn("threshold config lookup failed, skipping checks",
			"device_id", lin.Device.ID,
			"error", err,
		)
		return nil
	}
	if cfg == nil {
		return nil
	}

	findings := []*Finding{
		checkHigh(TypeTempHigh, payload.TemperatureC, cfg.TempMaxWarn, cfg.TempMaxCrit),
		checkLow(TypeTempLow, payload.TemperatureC, cfg.TempMinWarn, cfg.TempMinCrit),
		checkHigh(TypeHumidityHigh, payload.Humidity, cfg.HumidityMaxWarn, cfg.HumidityMaxCrit),
		checkLow(TypeHumidityLow, payload.Humidity, cfg.HumidityMinWarn, cfg.HumidityMinCrit),
		checkCombination(payload.TemperatureC, payload.Humidity, cfg),
	}
	for _, f := range findings {
		if f == nil {
			continue
		}
		if err := e.raise(ctx, lin.Device.ID, f, payload.CapturedAt, nil); err != nil {
			e.logger.Error("failed to raise alert",
				"device_id", lin.Device.ID,
				"alert_type", f.AlertType,
				"error", err,
			)
		}
	}

	e.evaluateShifts(ctx, lin.Device.ID, payload, cfg)
	return nil
}

// evaluateShifts compares the session's observed spread of temperature and
// humidity against the allowed intra-day range.
func (e *Evaluator) evaluateShifts(ctx context.Context, deviceID uint, payload *store.WakePayload, cfg *store.AlertThresholdConfig) {
	if cfg.TempShiftMax == nil && cfg.HumidityShiftMax == nil {
		return
	}

	tempStats, err := e.sessionSpread(ctx, deviceID, payload.SessionID, "temperature_c")
	if err != nil {
		e.logger.Warn("failed to compute temperature spread", "device_id", deviceID, "error", err)
	} else if tempStats != nil {
		if f := checkShift(TypeTempShift, *tempStats, cfg.TempShiftMax); f != nil {
			if err := e.raise(ctx, deviceID, f, payload.CapturedAt, tempStats); err != nil {
				e.logger.Error("failed to raise shift alert", "device_id", deviceID, "error", err)
			}
		}
	}

	humStats, err := e.sessionSpread(ctx, deviceID, payload.SessionID, "humidity")
	if err != nil {
		e.logger.Warn("failed to compute humidity spread", "device_id", deviceID, "error", err)
	} else if humStats != nil {
		if f := checkShift(TypeHumidityShift, *humStats, cfg.HumidityShiftMax); f != nil {
			if err := e.raise(ctx, deviceID, f, payload.CapturedAt, humStats); err != nil {
				e.logger.Error("failed to raise shift alert", "device_id", deviceID, "error", err)
			}
		}
	}
}

// sessionSpread returns the min/max of one column over the device's wakes in
// a session, with the capture times of the extremes. Nil when the session
// has no wakes for the device.
func (e *Evaluator) sessionSpread(ctx context.Context, deviceID, sessionID uint, column string) (*ShiftStats, error) {
	base := e.db.WithContext(ctx).
		Model(&store.WakePayload{}).
		Where("device_id = ? AND session_id = ?", deviceID, sessionID)

	var minRow, maxRow store.WakePayload
	if err := base.Session(&gorm.Session{}).Order(column + " asc").First(&minRow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Order(column + " desc").First(&maxRow).Error; err != nil {
		return nil, err
	}

	stats := &ShiftStats{MinAt: minRow.CapturedAt, MaxAt: maxRow.CapturedAt}
	switch column {
	case "humidity":
		stats.Min, stats.Max = minRow.Humidity, maxRow.Humidity
	default:
		stats.Min, stats.Max = minRow.TemperatureC, maxRow.TemperatureC
	}
	return stats, nil
}

// EvaluateScore runs the velocity and speed checks for a scored image.
func (e *Evaluator) EvaluateScore(ctx context.Context, image *store.DeviceImage) error {
	companyID, err := e.companyOf(ctx, image.DeviceID)
	if err != nil {
		e.logger.Warn("company lookup failed, skipping score checks",
			"device_id", image.DeviceID,
			"error", err,
		)
		return nil
	}

	cfg, err := e.effectiveConfig(ctx, companyID, image.DeviceID)
	if err != nil {
		e.logger.Warn("threshold config lookup failed, skipping score checks",
			"device_id", image.DeviceID,
			"error", err,
		)
		return nil
	}
	if cfg == nil {
		return nil
	}

	var findings []*Finding
	if image.Velocity != nil {
		findings = append(findings,
			checkRate(TypeVelocity, CategoryVelocity, *image.Velocity, cfg.VelocityWarn, cfg.VelocityCrit))
	}
	if image.Speed != nil {
		findings = append(findings,
			checkRate(TypeSpeed, CategorySpeed, *image.Speed, cfg.SpeedWarn, cfg.SpeedCrit))
	}
	for _, f := range findings {
		if f == nil {
			continue
		}
		if err := e.raise(ctx, image.DeviceID, f, image.CapturedAt, nil); err != nil {
			e.logger.Error("failed to raise score alert",
				"device_id", image.DeviceID,
				"alert_type", f.AlertType,
				"error", err,
			)
		}
	}
	return nil
}

func (e *Evaluator) companyOf(ctx context.Context, deviceID uint) (uint, error) {
	var device store.Device
	if err := e.db.WithContext(ctx).First(&device, deviceID).Error; err != nil {
		return 0, fmt.Errorf("failed to fetch device %d: %w", deviceID, err)
	}
	if device.SiteID == nil {
		return 0, fmt.Errorf("device %d has no site", deviceID)
	}
	var site store.Site
	if err := e.db.WithContext(ctx).First(&site, *device.SiteID).Error; err != nil {
		return 0, fmt.Errorf("failed to fetch site %d: %w", *device.SiteID, err)
	}
	if site.ProgramID == nil {
		return 0, fmt.Errorf("site %d has no program", site.ID)
	}
	var program store.Program
	if err := e.db.WithContext(ctx).First(&program, *site.ProgramID).Error; err != nil {
		return 0, fmt.Errorf("failed to fetch program %d: %w", *site.ProgramID, err)
	}
	if program.CompanyID == nil {
		return 0, fmt.Errorf("program %d has no company", program.ID)
	}
	return *program.CompanyID, nil
}

// raise writes the alert unless an unresolved one of the same (device, type)
// already exists.
func (e *Evaluator) raise(ctx context.Context, deviceID uint, f *Finding, measuredAt time.Time, shift *ShiftStats) error {
	var existing int64
	err := e.db.WithContext(ctx).
		Model(&store.DeviceAlert{}).
		Where("device_id = ? AND alert_type = ? AND resolved_at IS NULL", deviceID, f.AlertType).
		Count(&existing).Error
	if err != nil {
		return fmt.Errorf("failed to check for open alert: %w", err)
	}
	if existing > 0 {
		return nil
	}

	alert := store.DeviceAlert{
		DeviceID:       deviceID,
		AlertType:      f.AlertType,
		Category:       f.Category,
		Severity:       f.Severity,
		ActualValue:    f.Actual,
		ThresholdValue: f.Threshold,
		MeasuredAt:     measuredAt,
	}
	if shift != nil {
		alert.ShiftMin = &shift.Min
		alert.ShiftMax = &shift.Max
		alert.ShiftMinAt = &shift.MinAt
		alert.ShiftMaxAt = &shift.MaxAt
	}
	if err := e.db.WithContext(ctx).Create(&alert).Error; err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	e.logger.Info("alert raised",
		"device_id", deviceID,
		"alert_type", f.AlertType,
		"severity", f.Severity,
		"actual", f.Actual,
		"threshold", f.Threshold,
	)
	return nil
}

// Resolve marks one open alert as handled.
func (e *Evaluator) Resolve(ctx context.Context, alertID uint, resolvedBy, notes string) error {
	now := time.Now().UTC()
	res := e.db.WithContext(ctx).
		Model(&store.DeviceAlert{}).
		Where("id = ? AND resolved_at IS NULL", alertID).
		Updates(map[string]interface{}{
			"resolved_at":      &now,
			"resolved_by":      resolvedBy,
			"resolution_notes": notes,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to resolve alert %d: %w", alertID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %d: %w", alertID, ErrAlertNotFound)
	}
	return nil
}
