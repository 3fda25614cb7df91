package outlier

import (
	"context"
	"fmt"
	"time"

	"brainlytree.dev/moldwatch/internal/store"
)

// RetrospectiveOptions narrows a historical scan.
type RetrospectiveOptions struct {
	// DryRun reports what would flag without persisting anything.
	DryRun bool
	// Since bounds the scan to images captured at or after this time.
	// Zero means no lower bound.
	Since time.Time
	// DeviceIDs limits the scan to these devices. Empty means all.
	DeviceIDs []uint
}

// FlaggedImage is one retrospective hit.
type FlaggedImage struct {
	ImageID     uint
	DeviceID    uint
	Score       float64
	ZScore      float64
	RatePerHour float64
	Priority    string
}

// RetrospectiveReport summarizes one historical scan.
type RetrospectiveReport struct {
	Scanned int
	Skipped int
	Flagged []FlaggedImage
	DryRun  bool
}

// Retrospective re-runs outlier detection over historical scores, oldest
// first so each image is judged against the history that preceded it.
// Images already flagged or reviewed are skipped.
func (s *Scanner) Retrospective(ctx context.Context, opts RetrospectiveOptions) (*RetrospectiveReport, error) {
	q := s.db.WithContext(ctx).
		Model(&store.DeviceImage{}).
		Where("score IS NOT NULL").
		Order("captured_at asc")
	if !opts.Since.IsZero() {
		q = q.Where("captured_at >= ?", opts.Since)
	}
	if len(opts.DeviceIDs) > 0 {
		q = q.Where("device_id IN ?", opts.DeviceIDs)
	}

	var images []store.DeviceImage
	if err := q.Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to list scored images: %w", err)
	}

	report := &RetrospectiveReport{DryRun: opts.DryRun}
	for i := range images {
		image := &images[i]
		if image.QAStatus != store.QANone {
			report.Skipped++
			continue
		}
		report.Scanned++

		history, prior, err := s.history(ctx, image)
		if err != nil {
			return nil, err
		}
		verdict := s.policy.Evaluate(*image.Score, history, climbRate(image, prior))
		if !verdict.Flagged {
			continue
		}

		report.Flagged = append(report.Flagged, FlaggedImage{
			ImageID:     image.ID,
			DeviceID:    image.DeviceID,
			Score:       *image.Score,
			ZScore:      verdict.ZScore,
			RatePerHour: verdict.RatePerHour,
			Priority:    verdict.Priority,
		})
		if opts.DryRun {
			continue
		}
		if err := s.flag(ctx, image, verdict); err != nil {
			s.logger.Error("failed to flag historical image",
				"image_id", image.ID,
				"error", err,
			)
		}
	}

	s.logger.Info("retrospective outlier scan complete",
		"scanned", report.Scanned,
		"skipped", report.Skipped,
		"flagged", len(report.Flagged),
		"dry_run", opts.DryRun,
	)
	return report, nil
}
