// Package review is the human side of score QA: flagging, overrides, and
// the audited export of an image's correction history. Every mutation here
// appends to the audit log; nothing ever rewrites it.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/store"
)

// Audit actions.
const (
	actionFlagged    = "manually_flagged"
	actionOverridden = "score_overridden"
	actionExported   = "audit_exported"
)

// ErrImageNotFound is returned for an unknown image.
var ErrImageNotFound = errors.New("image not found")

// ErrNotScored is returned when flagging or overriding an unscored image.
var ErrNotScored = errors.New("image has not been scored")

// Propagator recomputes forward velocities after a score correction.
type Propagator interface {
	Propagate(ctx context.Context, imageID uint) (int, error)
}

// ServiceConfig holds the configuration for the Service.
type ServiceConfig struct {
	Logger     *slog.Logger
	DB         *gorm.DB
	Propagator Propagator
}

// Service implements the review workflow.
type Service struct {
	logger     *slog.Logger
	db         *gorm.DB
	propagator Propagator
}

// NewService creates a new Service instance.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Propagator == nil {
		return nil, errors.New("propagator cannot be nil")
	}
	return &Service{
		logger:     cfg.Logger,
		db:         cfg.DB,
		propagator: cfg.Propagator,
	}, nil
}

// Flag puts a scored image into the review queue by hand. Idempotent: an
// image already pending review keeps its existing queue item.
func (s *Service) Flag(ctx context.Context, imageID uint, actor, reason string) (*store.ReviewQueueItem, error) {
	image, err := s.fetchImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if image.Score == nil {
		return nil, fmt.Errorf("image %d: %w", imageID, ErrNotScored)
	}

	if image.QAStatus == store.QAPendingReview {
		var existing store.ReviewQueueItem
		err := s.db.WithContext(ctx).
			Where("image_id = ? AND status = ?", imageID, store.ReviewPending).
			First(&existing).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to fetch existing review item: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).Model(image).Update("qa_status", store.QAPendingReview).Error; err != nil {
		return nil, fmt.Errorf("failed to mark image %d pending review: %w", imageID, err)
	}

	item := store.ReviewQueueItem{
		ItemID:          uuid.NewString(),
		ImageID:         image.ID,
		DeviceID:        image.DeviceID,
		OriginalScore:   *image.Score,
		DetectionMethod: "manual",
		Priority:        "normal",
		Status:          store.ReviewPending,
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue review item: %w", err)
	}

	s.audit(ctx, image.ID, actionFlagged, formatScore(image.Score), reason, actor, "manual")
	s.logger.Info("image flagged for review",
		"image_id", image.ID,
		"actor", actor,
	)
	return &item, nil
}

// Override records the human-corrected score for an image. The original
// score is preserved untouched; forward velocities are recomputed from the
// corrected value.
func (s *Service) Override(ctx context.Context, imageID uint, newScore float64, actor, notes string) error {
	if newScore < 0 || newScore > 1 {
		return fmt.Errorf("adjusted score %v out of range", newScore)
	}
	image, err := s.fetchImage(ctx, imageID)
	if err != nil {
		return err
	}
	if image.Score == nil {
		return fmt.Errorf("image %d: %w", imageID, ErrNotScored)
	}

	old := formatScore(image.Score)
	updates := map[string]interface{}{
		"adjusted_score": newScore,
		"score":          newScore,
		"qa_status":      store.QAReviewed,
	}
	if image.OriginalScore == nil {
		updates["original_score"] = *image.Score
	}
	if err := s.db.WithContext(ctx).Model(image).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to override score for image %d: %w", imageID, err)
	}

	err = s.db.WithContext(ctx).
		Model(&store.ReviewQueueItem{}).
		Where("image_id = ? AND status = ?", imageID, store.ReviewPending).
		Updates(map[string]interface{}{
			"status":         store.ReviewOverridden,
			"adjusted_score": newScore,
		}).Error
	if err != nil {
		s.logger.Error("failed to close review item", "image_id", imageID, "error", err)
	}

	s.audit(ctx, imageID, actionOverridden, old, strconv.FormatFloat(newScore, 'f', 4, 64), actor, notes)

	recomputed, err := s.propagator.Propagate(ctx, imageID)
	if err != nil {
		s.logger.Error("velocity propagation after override failed",
			"image_id", imageID,
			"error", err,
		)
	}
	s.logger.Info("score overridden",
		"image_id", imageID,
		"new_score", newScore,
		"actor", actor,
		"velocities_recomputed", recomputed,
	)
	return nil
}

// BulkOverride applies one corrected score to many images, continuing past
// individual failures. It returns the per-image errors keyed by image ID.
func (s *Service) BulkOverride(ctx context.Context, imageIDs []uint, newScore float64, actor, notes string) map[uint]error {
	failures := make(map[uint]error)
	for _, id := range imageIDs {
		if err := s.Override(ctx, id, newScore, actor, notes); err != nil {
			failures[id] = err
		}
	}
	return failures
}

// LogExport returns the full audit trail of an image and records that the
// export happened.
func (s *Service) LogExport(ctx context.Context, imageID uint, actor string) ([]store.AuditEntry, error) {
	if _, err := s.fetchImage(ctx, imageID); err != nil {
		return nil, err
	}

	var entries []store.AuditEntry
	err := s.db.WithContext(ctx).
		Where("image_id = ?", imageID).
		Order("created_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries for image %d: %w", imageID, err)
	}

	s.audit(ctx, imageID, actionExported, "", strconv.Itoa(len(entries))+" entries", actor, "export")
	return entries, nil
}

// PendingItems lists the open review queue, most urgent first.
func (s *Service) PendingItems(ctx context.Context, limit int) ([]store.ReviewQueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []store.ReviewQueueItem
	err := s.db.WithContext(ctx).
		Where("status = ?", store.ReviewPending).
		Order("case priority when 'critical' then 0 when 'high' then 1 else 2 end, created_at asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list review queue: %w", err)
	}
	return items, nil
}

func (s *Service) fetchImage(ctx context.Context, imageID uint) (*store.DeviceImage, error) {
	var image store.DeviceImage
	if err := s.db.WithContext(ctx).First(&image, imageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("image %d: %w", imageID, ErrImageNotFound)
		}
		return nil, fmt.Errorf("failed to fetch image %d: %w", imageID, err)
	}
	return &image, nil
}

func (s *Service) audit(ctx context.Context, imageID uint, action, oldValue, newValue, actor, method string) {
	entry := store.AuditEntry{
		EntryID:  uuid.NewString(),
		ImageID:  imageID,
		Action:   action,
		OldValue: oldValue,
		NewValue: newValue,
		Actor:    actor,
		Method:   method,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logger.Error("failed to append audit entry",
			"image_id", imageID,
			"action", action,
			"error", err,
		)
	}
}

func formatScore(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}
