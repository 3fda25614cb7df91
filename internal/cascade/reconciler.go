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

// ScoreRequester resubmits an image to the scoring service.
type ScoreRequester interface {
	RequestScore(ctx context.Context, image *store.DeviceImage) error
}

// ReconcilerConfig holds the configuration for the Reconciler.
type ReconcilerConfig struct {
	Logger *slog.Logger
	DB     *gorm.DB
	Scorer ScoreRequester
	// Interval between reconciliation passes. Defaults to 10 minutes.
	Interval time.Duration
	// StuckAfter is how long a complete image may sit unscored before it
	// is resubmitted. Defaults to 30 minutes.
	StuckAfter time.Duration
	// BatchLimit caps resubmissions per pass. Defaults to 25.
	BatchLimit int
	Metrics    *metrics.IngestMetrics // optional
}

// Reconciler periodically resubmits complete images whose score never
// arrived. The batch cap keeps a scoring service outage from turning into
// a thundering herd when it comes back.
type Reconciler struct {
	logger     *slog.Logger
	db         *gorm.DB
	scorer     ScoreRequester
	interval   time.Duration
	stuckAfter time.Duration
	batchLimit int
	metrics    *metrics.IngestMetrics
	stop       chan struct{}
	done       chan struct{}
}

// NewReconciler creates a new Reconciler instance.
func NewReconciler(cfg *ReconcilerConfig) (*Reconciler, error) {
	if cfg == nil {
		return nil, errors.New("reconciler config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Scorer == nil {
		return nil, errors.New("score requester cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	stuckAfter := cfg.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 25
	}

	return &Reconciler{
		logger:     cfg.Logger,
		db:         cfg.DB,
		scorer:     cfg.Scorer,
		interval:   interval,
		stuckAfter: stuckAfter,
		batchLimit: batchLimit,
		metrics:    cfg.Metrics,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Run blocks, reconciling on each tick until Stop is called or the context
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("score reconciler started",
		"interval", r.interval,
		"stuck_after", r.stuckAfter,
		"batch_limit", r.batchLimit,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Pass(ctx); err != nil {
				r.logger.Error("reconciliation pass failed", "error", err)
			}
		}
	}
}

// Stop signals the run loop to exit and waits for it.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

// Pass resubmits up to the batch limit of stuck images, oldest first.
func (r *Reconciler) Pass(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.stuckAfter)

	var stuck []store.DeviceImage
	err := r.db.WithContext(ctx).
		Where("status = ? AND score IS NULL AND updated_at < ?", store.ImageComplete, cutoff).
		Order("updated_at asc").
		Limit(r.batchLimit).
		Find(&stuck).Error
	if err != nil {
		return fmt.Errorf("failed to list unscored images: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	requeued := 0
	for i := range stuck {
		image := &stuck[i]
		if err := r.scorer.RequestScore(ctx, image); err != nil {
			r.logger.Warn("failed to resubmit image for scoring",
				"image_id", image.ID,
				"error", err,
			)
			continue
		}
		// Touch the row so the next pass picks different images first.
		if err := r.db.WithContext(ctx).Model(image).Update("updated_at", time.Now().UTC()).Error; err != nil {
			r.logger.Warn("failed to touch resubmitted image", "image_id", image.ID, "error", err)
		}
		requeued++
		if r.metrics != nil {
			r.metrics.ReconcilerRequeued.Inc()
		}
	}

	r.logger.Info("reconciliation pass complete",
		"candidates", len(stuck),
		"requeued", requeued,
	)
	return nil
}
