// Package api exposes the HTTP surface: wake and score ingestion for
// integrations that bypass the broker, the alert and snapshot read models,
// and the review workflow.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/ingest"
	"brainlytree.dev/moldwatch/internal/snapshot"
	"brainlytree.dev/moldwatch/internal/store"
	"brainlytree.dev/moldwatch/pkg/metrics"
)

// WakeIngestor accepts one wake submission.
type WakeIngestor interface {
	HandleWake(ctx context.Context, req *ingest.WakeRequest) (*ingest.WakeResult, error)
}

// ImageRetrier re-accepts a previously failed or lost image transfer.
type ImageRetrier interface {
	Retry(ctx context.Context, deviceRef, imageName, newImageURL string) (*store.DeviceImage, error)
}

// ScoreSink accepts an external score result and runs the metric cascade.
type ScoreSink interface {
	OnScore(ctx context.Context, imageID uint, score, confidence float64) (*store.DeviceImage, error)
}

// AlertService resolves alerts and threshold configs.
type AlertService interface {
	Resolve(ctx context.Context, alertID uint, resolvedBy, notes string) error
	ThresholdsFor(ctx context.Context, deviceID uint) (*store.AlertThresholdConfig, error)
}

// SnapshotBuilder renders the site view for a wake window.
type SnapshotBuilder interface {
	Build(ctx context.Context, sessionID uint, wakeNumber int) (*snapshot.SiteSnapshot, error)
}

// ReviewService is the human QA workflow.
type ReviewService interface {
	Flag(ctx context.Context, imageID uint, actor, reason string) (*store.ReviewQueueItem, error)
	Override(ctx context.Context, imageID uint, newScore float64, actor, notes string) error
	BulkOverride(ctx context.Context, imageIDs []uint, newScore float64, actor, notes string) map[uint]error
	LogExport(ctx context.Context, imageID uint, actor string) ([]store.AuditEntry, error)
	PendingItems(ctx context.Context, limit int) ([]store.ReviewQueueItem, error)
}

// Config holds the configuration for the Server.
type Config struct {
	Logger     *slog.Logger
	ListenAddr string
	DB         *gorm.DB
	Ingestor   WakeIngestor
	Retrier    ImageRetrier
	Scores     ScoreSink
	Alerts     AlertService
	Snapshots  SnapshotBuilder
	Review     ReviewService
	Metrics    *metrics.APIMetrics // optional
}

// Server is the HTTP API server.
type Server struct {
	logger *slog.Logger
	addr   string
	engine *gin.Engine
	srv    *http.Server
}

// NewServer creates a new Server instance with all routes registered.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Ingestor == nil || cfg.Retrier == nil || cfg.Scores == nil {
		return nil, errors.New("ingestion services cannot be nil")
	}
	if cfg.Alerts == nil || cfg.Snapshots == nil || cfg.Review == nil {
		return nil, errors.New("read model services cannot be nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.Metrics != nil {
		engine.Use(metricsMiddleware(cfg.Metrics))
	}

	s := &Server{
		logger: cfg.Logger,
		addr:   cfg.ListenAddr,
		engine: engine,
	}

	h := &handlers{
		logger:    cfg.Logger,
		db:        cfg.DB,
		ingestor:  cfg.Ingestor,
		retrier:   cfg.Retrier,
		scores:    cfg.Scores,
		alerts:    cfg.Alerts,
		snapshots: cfg.Snapshots,
		review:    cfg.Review,
	}
	h.register(engine)

	return s, nil
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until the context is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}
