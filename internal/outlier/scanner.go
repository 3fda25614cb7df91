package outlier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/store"
	"brainlytree.dev/moldwatch/pkg/metrics"
)

// Review queue priorities.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
)

const detectionMethod = "mad_zscore"

// Policy holds the detection thresholds.
type Policy struct {
	// ZThreshold flags a score whose modified z-score reaches this value.
	ZThreshold float64
	// ZHigh and ZCritical escalate the review priority.
	ZHigh     float64
	ZCritical float64
	// MaxRatePerHour is the fastest biologically plausible score climb.
	// Anything above it flags regardless of the z-score.
	MaxRatePerHour float64
	// LookbackDays bounds the history sample.
	LookbackDays int
	// MinHistory is the smallest sample the z-score is trusted on. Two
	// points already give a defined MAD; a single prior observation is
	// covered by the rate check alone.
	MinHistory int
}

// DefaultPolicy returns the standard detection thresholds.
func DefaultPolicy() Policy {
	return Policy{
		ZThreshold:     3.5,
		ZHigh:          4.5,
		ZCritical:      6.0,
		MaxRatePerHour: 0.05,
		LookbackDays:   7,
		MinHistory:     2,
	}
}

// Verdict is the outcome of checking one score against its history.
type Verdict struct {
	Flagged     bool
	ZScore      float64
	RatePerHour float64
	Priority    string
	// SuggestedScore is the history median, offered as the adjustment.
	SuggestedScore float64
}

// Evaluate applies the policy to one score given its history sample and the
// climb rate since the prior observation. Pure, so the thresholds are easy
// to reason about.
func (p Policy) Evaluate(score float64, history []float64, ratePerHour float64) Verdict {
	v := Verdict{
		ZScore:         ModifiedZScore(score, history),
		RatePerHour:    ratePerHour,
		SuggestedScore: Median(history),
	}
	// The z-score needs a trustworthy sample; the rate check is pairwise
	// and holds from the second observation on.
	zFlag := len(history) >= p.MinHistory && v.ZScore >= p.ZThreshold
	if zFlag || v.RatePerHour > p.MaxRatePerHour {
		v.Flagged = true
	}
	if !v.Flagged {
		return v
	}

	switch {
	case v.ZScore >= p.ZCritical || v.RatePerHour >= 3*p.MaxRatePerHour:
		v.Priority = PriorityCritical
	case v.ZScore >= p.ZHigh || v.RatePerHour >= 2*p.MaxRatePerHour:
		v.Priority = PriorityHigh
	default:
		v.Priority = PriorityNormal
	}
	return v
}

// ScannerConfig holds the configuration for the Scanner.
type ScannerConfig struct {
	Logger  *slog.Logger
	DB      *gorm.DB
	Policy  Policy
	Metrics *metrics.IngestMetrics // optional
}

// Scanner checks scored images against their device history and queues
// implausible ones for review. The raw score is never altered: flagging
// only records a suggested adjustment and marks the image pending review.
type Scanner struct {
	logger  *slog.Logger
	db      *gorm.DB
	policy  Policy
	metrics *metrics.IngestMetrics
}

// NewScanner creates a new Scanner instance.
func NewScanner(cfg *ScannerConfig) (*Scanner, error) {
	if cfg == nil {
		return nil, errors.New("scanner config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	policy := cfg.Policy
	if policy.ZThreshold == 0 {
		policy = DefaultPolicy()
	}

	return &Scanner{
		logger:  cfg.Logger,
		db:      cfg.DB,
		policy:  policy,
		metrics: cfg.Metrics,
	}, nil
}

// ScanImage checks one freshly scored image.
func (s *Scanner) ScanImage(ctx context.Context, image *store.DeviceImage) error {
	if image.Score == nil {
		return fmt.Errorf("image %d has no score to scan", image.ID)
	}

	history, prior, err := s.history(ctx, image)
	if err != nil {
		return err
	}

	rate := climbRate(image, prior)
	verdict := s.policy.Evaluate(*image.Score, history, rate)
	if !verdict.Flagged {
		return nil
	}
	return s.flag(ctx, image, verdict)
}

// history returns the device's prior scores in the lookback window, newest
// first, plus the immediately preceding image for rate computation.
func (s *Scanner) history(ctx context.Context, image *store.DeviceImage) ([]float64, *store.DeviceImage, error) {
	lookback := time.Duration(s.policy.LookbackDays) * 24 * time.Hour

	var priors []store.DeviceImage
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND id <> ? AND score IS NOT NULL", image.DeviceID, image.ID).
		Where("captured_at < ? AND captured_at >= ?", image.CapturedAt, image.CapturedAt.Add(-lookback)).
		Order("captured_at desc").
		Find(&priors).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load score history: %w", err)
	}

	history := make([]float64, 0, len(priors))
	for i := range priors {
		history = append(history, effectiveHistoryScore(&priors[i]))
	}
	if len(priors) == 0 {
		return history, nil, nil
	}
	return history, &priors[0], nil
}

// effectiveHistoryScore uses the reviewer-adjusted value when one exists so
// a past confirmed outlier does not poison the baseline.
func effectiveHistoryScore(image *store.DeviceImage) float64 {
	if image.QAStatus == store.QAReviewed && image.AdjustedScore != nil {
		return *image.AdjustedScore
	}
	return *image.Score
}

// climbRate is the score delta per hour since the prior observation.
func climbRate(image *store.DeviceImage, prior *store.DeviceImage) float64 {
	if prior == nil {
		return 0
	}
	hours := image.CapturedAt.Sub(prior.CapturedAt).Hours()
	if hours <= 0 {
		return 0
	}
	return (*image.Score - effectiveHistoryScore(prior)) / hours
}

// flag marks the image for review and queues it. Idempotent per image: an
// already-flagged image is left alone.
func (s *Scanner) flag(ctx context.Context, image *store.DeviceImage, verdict Verdict) error {
	if image.QAStatus != store.QANone {
		return nil
	}

	updates := map[string]interface{}{
		"qa_status":      store.QAPendingReview,
		"adjusted_score": verdict.SuggestedScore,
	}
	if err := s.db.WithContext(ctx).Model(image).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark image %d for review: %w", image.ID, err)
	}
	image.QAStatus = store.QAPendingReview
	image.AdjustedScore = &verdict.SuggestedScore

	item := store.ReviewQueueItem{
		ItemID:          uuid.NewString(),
		ImageID:         image.ID,
		DeviceID:        image.DeviceID,
		OriginalScore:   *image.Score,
		AdjustedScore:   &verdict.SuggestedScore,
		DetectionMethod: detectionMethod,
		ZScore:          verdict.ZScore,
		RatePerHour:     verdict.RatePerHour,
		Priority:        verdict.Priority,
		Status:          store.ReviewPending,
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return fmt.Errorf("failed to enqueue review item: %w", err)
	}

	audit := store.AuditEntry{
		EntryID:  uuid.NewString(),
		ImageID:  image.ID,
		Action:   "outlier_flagged",
		OldValue: fmt.Sprintf("%.4f", *image.Score),
		NewValue: fmt.Sprintf("suggested %.4f", verdict.SuggestedScore),
		Actor:    "system",
		Method:   detectionMethod,
	}
	if err := s.db.WithContext(ctx).Create(&audit).Error; err != nil {
		s.logger.Error("failed to write outlier audit entry", "image_id", image.ID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.ReviewItemsCreated.WithLabelValues(verdict.Priority).Inc()
	}
	s.logger.Warn("implausible score flagged for review",
		"image_id", image.ID,
		"device_id", image.DeviceID,
		"score", *image.Score,
		"z_score", verdict.ZScore,
		"rate_per_hour", verdict.RatePerHour,
		"priority", verdict.Priority,
	)
	return nil
}
