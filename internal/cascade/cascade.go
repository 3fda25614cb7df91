// Package cascade turns an externally computed image score into derived
// metrics: velocity against the prior image, speed against the program
// start, and the device rollup. The stages run as an explicit ordered
// pipeline after the score write; each stage is idempotent, and a stage
// failure is recorded in the error sink without rolling back the score.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/store"
	"brainlytree.dev/moldwatch/pkg/metrics"
)

// ErrInvalidScore is returned for scores outside the 0-1 range.
var ErrInvalidScore = errors.New("score must be between 0 and 1")

// ErrImageNotScorable is returned when the target image is not complete.
var ErrImageNotScorable = errors.New("image is not complete")

// OutlierScanner checks a freshly scored image for implausible values.
type OutlierScanner interface {
	ScanImage(ctx context.Context, image *store.DeviceImage) error
}

// ScoreEvaluator checks velocity/speed thresholds after the cascade ran.
type ScoreEvaluator interface {
	EvaluateScore(ctx context.Context, image *store.DeviceImage) error
}

// Config holds the configuration for the Cascade.
type Config struct {
	Logger *slog.Logger
	DB     *gorm.DB
	Sink   *ErrorSink
	// LookbackDays bounds the search for the prior scored image.
	LookbackDays int
	Outlier      OutlierScanner         // optional
	Alerts       ScoreEvaluator         // optional
	Metrics      *metrics.IngestMetrics // optional
}

// Cascade runs the derived-metric pipeline.
type Cascade struct {
	logger   *slog.Logger
	db       *gorm.DB
	sink     *ErrorSink
	lookback time.Duration
	outlier  OutlierScanner
	alerts   ScoreEvaluator
	metrics  *metrics.IngestMetrics
}

// New creates a new Cascade instance.
func New(cfg *Config) (*Cascade, error) {
	if cfg == nil {
		return nil, errors.New("cascade config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Sink == nil {
		return nil, errors.New("error sink cannot be nil")
	}

	lookbackDays := cfg.LookbackDays
	if lookbackDays <= 0 {
		lookbackDays = 7
	}

	return &Cascade{
		logger:   cfg.Logger,
		db:       cfg.DB,
		sink:     cfg.Sink,
		lookback: time.Duration(lookbackDays) * 24 * time.Hour,
		outlier:  cfg.Outlier,
		alerts:   cfg.Alerts,
		metrics:  cfg.Metrics,
	}, nil
}

// Velocity is the day-over-day change: current score minus the prior score.
// The first-ever score for a device has velocity 0, not null.
func Velocity(score float64, prior *float64) float64 {
	if prior == nil {
		return 0
	}
	return score - *prior
}

// Speed is the lifetime average growth rate: score over days elapsed since
// the program start, with the divisor clamped to at least one day.
func Speed(score float64, programStart, capturedAt time.Time) float64 {
	days := capturedAt.Sub(programStart).Hours() / 24
	if days < 1 {
		days = 1
	}
	return score / days
}

// OnScore records the external score for an image and runs the pipeline.
// The score write is the primary write: once it lands, stage failures are
// logged to the error sink and do not undo it.
func (c *Cascade) OnScore(ctx context.Context, imageID uint, score, confidence float64) (*store.DeviceImage, error) {
	if score < 0 || score > 1 {
		return nil, fmt.Errorf("score %v: %w", score, ErrInvalidScore)
	}

	var image store.DeviceImage
	if err := c.db.WithContext(ctx).First(&image, imageID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch image %d: %w", imageID, err)
	}
	if image.Status != store.ImageComplete {
		return nil, fmt.Errorf("image %d status %s: %w", imageID, image.Status, ErrImageNotScorable)
	}

	now := time.Now().UTC()
	writes := map[string]interface{}{
		"score":      score,
		"confidence": confidence,
		"scored_at":  &now,
	}
	if image.OriginalScore == nil {
		writes["original_score"] = score
	}
	if err := c.db.WithContext(ctx).Model(&image).Updates(writes).Error; err != nil {
		return nil, fmt.Errorf("failed to write score for image %d: %w", imageID, err)
	}
	image.Score = &score
	image.Confidence = &confidence
	image.ScoredAt = &now

	c.runStages(ctx, &image)

	return &image, nil
}

// runStages executes the ordered pipeline, best effort per stage.
func (c *Cascade) runStages(ctx context.Context, image *store.DeviceImage) {
	if err := c.stageVelocity(ctx, image); err != nil {
		c.stageFailed(ctx, "velocity", image, err)
	}
	if err := c.stageSpeed(ctx, image); err != nil {
		c.stageFailed(ctx, "speed", image, err)
	}
	if err := c.stageRollup(ctx, image); err != nil {
		c.stageFailed(ctx, "rollup", image, err)
	}
	if c.alerts != nil {
		if err := c.alerts.EvaluateScore(ctx, image); err != nil {
			c.stageFailed(ctx, "alerts", image, err)
		}
	}
	if c.outlier != nil {
		if err := c.outlier.ScanImage(ctx, image); err != nil {
			c.stageFailed(ctx, "outlier", image, err)
		}
	}
}

func (c *Cascade) stageFailed(ctx context.Context, stage string, image *store.DeviceImage, err error) {
	c.logger.Error("cascade stage failed",
		"stage", stage,
		"image_id", image.ID,
		"error", err,
	)
	if c.metrics != nil {
		c.metrics.CascadeStageErrors.WithLabelValues(stage).Inc()
	}
	c.sink.Record(ctx, store.DeviceImage{}.TableName(), stage, image, err)
}

func (c *Cascade) stageVelocity(ctx context.Context, image *store.DeviceImage) error {
	prior, err := c.priorScore(ctx, image)
	if err != nil {
		return err
	}

	velocity := Velocity(*image.Score, prior)
	if err := c.db.WithContext(ctx).Model(image).Update("velocity", velocity).Error; err != nil {
		return fmt.Errorf("failed to persist velocity: %w", err)
	}
	image.Velocity = &velocity
	return nil
}

// priorScore finds the most recent scored image of the same device before
// this one, within the lookback window.
func (c *Cascade) priorScore(ctx context.Context, image *store.DeviceImage) (*float64, error) {
	var prior store.DeviceImage
	err := c.db.WithContext(ctx).
		Where("device_id = ? AND id <> ? AND score IS NOT NULL", image.DeviceID, image.ID).
		Where("captured_at < ? AND captured_at >= ?", image.CapturedAt, image.CapturedAt.Add(-c.lookback)).
		Order("captured_at desc").
		First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find prior score: %w", err)
	}
	return prior.Score, nil
}

func (c *Cascade) stageSpeed(ctx context.Context, image *store.DeviceImage) error {
	program, err := c.programOf(ctx, image.DeviceID)
	if err != nil {
		return err
	}

	speed := Speed(*image.Score, program.StartDate, image.CapturedAt)
	if err := c.db.WithContext(ctx).Model(image).Update("speed", speed).Error; err != nil {
		return fmt.Errorf("failed to persist speed: %w", err)
	}
	image.Speed = &speed
	return nil
}

func (c *Cascade) programOf(ctx context.Context, deviceID uint) (*store.Program, error) {
	var device store.Device
	if err := c.db.WithContext(ctx).First(&device, deviceID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch device %d: %w", deviceID, err)
	}
	if device.SiteID == nil {
		return nil, fmt.Errorf("device %d has no site", deviceID)
	}

	var site store.Site
	if err := c.db.WithContext(ctx).First(&site, *device.SiteID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch site %d: %w", *device.SiteID, err)
	}
	if site.ProgramID == nil {
		return nil, fmt.Errorf("site %d has no program", site.ID)
	}

	var program store.Program
	if err := c.db.WithContext(ctx).First(&program, *site.ProgramID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch program %d: %w", *site.ProgramID, err)
	}
	return &program, nil
}

// stageRollup advances the device's latest score fields, guarded so an
// out-of-order arrival can never clobber a newer rollup with stale data.
func (c *Cascade) stageRollup(ctx context.Context, image *store.DeviceImage) error {
	res := c.db.WithContext(ctx).
		Model(&store.Device{}).
		Where("id = ? AND (latest_captured_at IS NULL OR latest_captured_at < ?)",
			image.DeviceID, image.CapturedAt).
		Updates(map[string]interface{}{
			"latest_score":       image.Score,
			"latest_velocity":    image.Velocity,
			"latest_captured_at": image.CapturedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update device rollup: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		c.logger.Debug("rollup skipped, newer observation already recorded",
			"device_id", image.DeviceID,
			"captured_at", image.CapturedAt,
		)
	}
	return nil
}

// Propagate recomputes velocity for every image of the device captured
// after the given one, chaining from the corrected score forward. Earlier
// images are never touched.
func (c *Cascade) Propagate(ctx context.Context, imageID uint) (int, error) {
	var image store.DeviceImage
	if err := c.db.WithContext(ctx).First(&image, imageID).Error; err != nil {
		return 0, fmt.Errorf("failed to fetch image %d: %w", imageID, err)
	}
	if image.Score == nil {
		return 0, fmt.Errorf("image %d has no score to propagate from", imageID)
	}

	var subsequent []store.DeviceImage
	err := c.db.WithContext(ctx).
		Where("device_id = ? AND score IS NOT NULL AND captured_at > ?", image.DeviceID, image.CapturedAt).
		Order("captured_at asc").
		Find(&subsequent).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list subsequent images: %w", err)
	}

	prev := effectiveScore(&image)
	updated := 0
	for i := range subsequent {
		next := &subsequent[i]
		score := effectiveScore(next)
		velocity := score - prev
		if err := c.db.WithContext(ctx).Model(next).Update("velocity", velocity).Error; err != nil {
			c.stageFailed(ctx, "propagate", next, err)
		} else {
			updated++
		}
		prev = score
	}

	c.logger.Info("velocity propagated forward",
		"image_id", imageID,
		"recomputed", updated,
	)
	return updated, nil
}

// effectiveScore prefers the reviewer-adjusted score over the raw one.
func effectiveScore(image *store.DeviceImage) float64 {
	if image.AdjustedScore != nil && image.QAStatus == store.QAReviewed {
		return *image.AdjustedScore
	}
	if image.Score != nil {
		return *image.Score
	}
	return 0
}
