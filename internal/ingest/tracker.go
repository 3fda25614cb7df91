package ingest

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

// ErrImageNotFound is returned when a retry references an unknown device or
// image name.
var ErrImageNotFound = errors.New("image not found")

// ScoreRequester submits a completed image to the external scoring service.
type ScoreRequester interface {
	RequestScore(ctx context.Context, image *store.DeviceImage) error
}

// TrackerConfig holds the configuration for the ChunkTracker.
type TrackerConfig struct {
	Logger  *slog.Logger
	DB      *gorm.DB
	Buffer  *ChunkBuffer
	Blobs   BlobStore
	Scoring ScoreRequester // optional
	// Timeout before a receiving transfer is marked failed.
	Timeout time.Duration
	Metrics *metrics.IngestMetrics // optional
}

// ChunkTracker drives chunked image transfers: buffer chunks durably,
// detect completion by count, assemble, and hand the image to scoring.
// Retry-by-id is idempotent: it updates the existing (device, image-name)
// row in place and never inserts a duplicate.
type ChunkTracker struct {
	logger  *slog.Logger
	db      *gorm.DB
	buffer  *ChunkBuffer
	blobs   BlobStore
	scoring ScoreRequester
	timeout time.Duration
	metrics *metrics.IngestMetrics
}

// NewChunkTracker creates a new ChunkTracker instance.
func NewChunkTracker(cfg *TrackerConfig) (*ChunkTracker, error) {
	if cfg == nil {
		return nil, errors.New("tracker config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Buffer == nil {
		return nil, errors.New("chunk buffer cannot be nil")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store cannot be nil")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	return &ChunkTracker{
		logger:  cfg.Logger,
		db:      cfg.DB,
		buffer:  cfg.Buffer,
		blobs:   cfg.Blobs,
		scoring: cfg.Scoring,
		timeout: timeout,
		metrics: cfg.Metrics,
	}, nil
}

// HandleMeta records the expected chunk count for a transfer.
func (t *ChunkTracker) HandleMeta(ctx context.Context, deviceRef, imageName string, total int) error {
	if total <= 0 {
		return fmt.Errorf("invalid total chunk count %d for %s/%s", total, deviceRef, imageName)
	}

	image, err := t.findImage(ctx, deviceRef, imageName)
	if err != nil {
		return err
	}

	if err := t.buffer.PutMeta(ctx, deviceRef, imageName, total); err != nil {
		return err
	}

	updates := map[string]interface{}{"expected_chunks": total}
	if image.Status == store.ImagePending {
		updates["status"] = store.ImageReceiving
	}
	if err := t.db.WithContext(ctx).Model(image).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to record expected chunks: %w", err)
	}
	// First metadata for this transfer: it now occupies the buffer until
	// completion or timeout.
	if image.ExpectedChunks == 0 && t.metrics != nil {
		t.metrics.ChunkBufferEntries.Inc()
	}

	t.logger.Info("image metadata received",
		"device", deviceRef,
		"image", imageName,
		"total_chunks", total,
	)

	// Chunks may have raced ahead of the metadata message.
	received, err := t.buffer.ReceivedCount(ctx, deviceRef, imageName)
	if err != nil {
		return err
	}
	if received >= total {
		return t.complete(ctx, image, deviceRef, imageName, total, received)
	}
	return nil
}

// HandleChunk buffers one chunk and completes the image when the received
// count reaches the expected count.
func (t *ChunkTracker) HandleChunk(ctx context.Context, deviceRef, imageName string, idx int, data []byte) error {
	received, err := t.buffer.PutChunk(ctx, deviceRef, imageName, idx, data)
	if err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.ChunksReceived.Inc()
	}

	image, err := t.findImage(ctx, deviceRef, imageName)
	if err != nil {
		return err
	}

	if err := t.db.WithContext(ctx).Model(image).Update("received_chunks", received).Error; err != nil {
		return fmt.Errorf("failed to update received chunk count: %w", err)
	}

	expected, ok, err := t.buffer.Expected(ctx, deviceRef, imageName)
	if err != nil {
		return err
	}
	if !ok && image.ExpectedChunks > 0 {
		expected, ok = image.ExpectedChunks, true
	}
	if ok && received >= expected {
		return t.complete(ctx, image, deviceRef, imageName, expected, received)
	}
	return nil
}

// complete assembles the buffered chunks, persists the image and submits it
// for scoring.
func (t *ChunkTracker) complete(ctx context.Context, image *store.DeviceImage, deviceRef, imageName string, expected, received int) error {
	data, err := t.buffer.Assemble(ctx, deviceRef, imageName, expected)
	if err != nil {
		if errors.Is(err, ErrChunkMissing) {
			// TTL ate a chunk between count and assembly; the sweeper will
			// time the transfer out.
			t.logger.Warn("assembly found missing chunk",
				"device", deviceRef,
				"image", imageName,
				"error", err,
			)
			return nil
		}
		return err
	}

	url, err := t.blobs.Save(ctx, imageName, data)
	if err != nil {
		return fmt.Errorf("failed to store assembled image: %w", err)
	}

	err = t.db.WithContext(ctx).Model(image).Updates(map[string]interface{}{
		"status":          store.ImageComplete,
		"received_chunks": received,
		"expected_chunks": expected,
		"storage_url":     url,
		"failure_reason":  "",
	}).Error
	if err != nil {
		return fmt.Errorf("failed to mark image complete: %w", err)
	}
	image.Status = store.ImageComplete
	image.StorageURL = url

	if err := t.buffer.Clear(ctx, deviceRef, imageName, expected); err != nil {
		t.logger.Warn("failed to clear chunk buffer", "error", err)
	}

	if t.metrics != nil {
		t.metrics.ImagesCompleted.Inc()
		t.metrics.ChunkBufferEntries.Dec()
	}
	t.logger.Info("image transfer complete",
		"device", deviceRef,
		"image", imageName,
		"chunks", received,
		"bytes", len(data),
	)

	if t.scoring != nil {
		if err := t.scoring.RequestScore(ctx, image); err != nil {
			// Scoring is retried by the reconciler; completion stands.
			t.logger.Error("failed to request score",
				"image_id", image.ID,
				"error", err,
			)
		}
	}
	return nil
}

// Retry re-arms an image transfer by its stable (device, image-name) id.
// Idempotent: the existing row is updated in place, the original CapturedAt
// is never touched, and the resend instant is recorded separately. Session
// counters need no fixup because they are read-time aggregates.
func (t *ChunkTracker) Retry(ctx context.Context, deviceRef, imageName, newImageURL string) (*store.DeviceImage, error) {
	image, err := t.findImage(ctx, deviceRef, imageName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"resent_received_at": &now,
		"retry_count":        gorm.Expr("retry_count + 1"),
		"failure_reason":     "",
	}
	if newImageURL != "" {
		// The device re-uploaded out of band; the transfer is complete.
		updates["storage_url"] = newImageURL
		updates["status"] = store.ImageComplete
	} else {
		updates["status"] = store.ImageReceiving
		updates["received_chunks"] = 0
	}

	if err := t.db.WithContext(ctx).Model(image).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to apply retry: %w", err)
	}
	if t.metrics != nil {
		t.metrics.ImageRetries.Inc()
		// Only transfers with recorded metadata are counted in the buffer
		// gauge; a row that never saw metadata is picked up on the resend.
		wasBuffering := image.Status == store.ImageReceiving && image.ExpectedChunks > 0
		if newImageURL == "" && image.ExpectedChunks > 0 && !wasBuffering {
			t.metrics.ChunkBufferEntries.Inc()
		}
		if newImageURL != "" && wasBuffering {
			t.metrics.ChunkBufferEntries.Dec()
		}
	}

	reloaded, err := t.findImage(ctx, deviceRef, imageName)
	if err != nil {
		return nil, err
	}

	t.logger.Info("image retry applied",
		"device", deviceRef,
		"image", imageName,
		"retry_count", reloaded.RetryCount,
		"status", reloaded.Status,
	)

	if reloaded.Status == store.ImageComplete && t.scoring != nil {
		if err := t.scoring.RequestScore(ctx, reloaded); err != nil {
			t.logger.Error("failed to request score after retry",
				"image_id", reloaded.ID,
				"error", err,
			)
		}
	}
	return reloaded, nil
}

// SweepTimeouts fails every receiving transfer idle past the timeout. The
// reason is recorded and the retry counter incremented; nothing is dropped.
func (t *ChunkTracker) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-t.timeout)

	var stale []store.DeviceImage
	err := t.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", store.ImageReceiving, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list stale transfers: %w", err)
	}

	failed := 0
	for i := range stale {
		image := &stale[i]
		err := t.db.WithContext(ctx).Model(image).Updates(map[string]interface{}{
			"status":         store.ImageFailed,
			"failure_reason": "chunk transfer timed out",
			"retry_count":    gorm.Expr("retry_count + 1"),
		}).Error
		if err != nil {
			return failed, fmt.Errorf("failed to time out image %d: %w", image.ID, err)
		}
		failed++
		if t.metrics != nil {
			t.metrics.ImagesFailed.WithLabelValues("timeout").Inc()
			if image.ExpectedChunks > 0 {
				t.metrics.ChunkBufferEntries.Dec()
			}
		}
		t.logger.Warn("image transfer timed out",
			"image_id", image.ID,
			"received", image.ReceivedChunks,
			"expected", image.ExpectedChunks,
		)
	}
	return failed, nil
}

// findImage resolves the device by MAC or code and loads the image row for
// the stable (device, image-name) key.
func (t *ChunkTracker) findImage(ctx context.Context, deviceRef, imageName string) (*store.DeviceImage, error) {
	var device store.Device
	err := t.db.WithContext(ctx).
		Where("mac_address = ? OR device_code = ?", deviceRef, deviceRef).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("device %q: %w", deviceRef, ErrImageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device %q: %w", deviceRef, err)
	}

	var image store.DeviceImage
	err = t.db.WithContext(ctx).
		Where("device_id = ? AND image_name = ?", device.ID, imageName).
		First(&image).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("image %s/%s: %w", deviceRef, imageName, ErrImageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find image %s/%s: %w", deviceRef, imageName, err)
	}
	return &image, nil
}
