package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"brainlytree.dev/moldwatch/internal/store"
	"brainlytree.dev/moldwatch/pkg/metrics"
)

// ScoringClientConfig holds the configuration for the ScoringClient.
type ScoringClientConfig struct {
	Logger  *slog.Logger
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Metrics *metrics.IngestMetrics // optional
}

// ScoringClient submits completed images to the external scoring service.
// The service responds asynchronously through the score ingestion endpoint,
// so a successful submission only means the request was accepted.
type ScoringClient struct {
	logger  *slog.Logger
	client  *resty.Client
	metrics *metrics.IngestMetrics
}

type scoreRequest struct {
	ImageID   uint   `json:"image_id"`
	DeviceID  uint   `json:"device_id"`
	ImageName string `json:"image_name"`
	ImageURL  string `json:"image_url"`
}

// NewScoringClient creates a new ScoringClient instance.
func NewScoringClient(cfg *ScoringClientConfig) (*ScoringClient, error) {
	if cfg == nil {
		return nil, errors.New("scoring client config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &ScoringClient{
		logger:  cfg.Logger,
		client:  client,
		metrics: cfg.Metrics,
	}, nil
}

// RequestScore asks the scoring service to evaluate one image.
func (c *ScoringClient) RequestScore(ctx context.Context, image *store.DeviceImage) error {
	req := scoreRequest{
		ImageID:   image.ID,
		DeviceID:  image.DeviceID,
		ImageName: image.ImageName,
		ImageURL:  image.StorageURL,
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/v1/score")
	if err != nil {
		c.observe("error")
		return fmt.Errorf("failed to submit image %d for scoring: %w", image.ID, err)
	}
	if resp.IsError() {
		c.observe("rejected")
		return fmt.Errorf("scoring service rejected image %d: status %d", image.ID, resp.StatusCode())
	}

	c.observe("accepted")
	c.logger.Debug("image submitted for scoring",
		"image_id", image.ID,
		"image_name", image.ImageName,
	)
	return nil
}

func (c *ScoringClient) observe(status string) {
	if c.metrics != nil {
		c.metrics.ScoringRequests.WithLabelValues(status).Inc()
	}
}
